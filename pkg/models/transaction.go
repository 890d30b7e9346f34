package models

// HistoricalTransaction is a frozen record of one historical payment,
// used as Monte Carlo sampling input (spec §3, §4.4).
type HistoricalTransaction struct {
	TxID         string
	SenderID     string
	ReceiverID   string
	Amount       Cents
	Priority     int
	ArrivalTick  int
	DeadlineTick int
	IsDivisible  bool
}

// RelevantTo reports whether the transaction involves the given agent as
// sender or receiver (spec §4.4 filtering rule).
func (t HistoricalTransaction) RelevantTo(agentID string) bool {
	return t.SenderID == agentID || t.ReceiverID == agentID
}
