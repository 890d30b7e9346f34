// Package llmtest provides deterministic llm.Client test doubles, so the
// optimizer's retry loop and the seed test suite's LLM-error scenarios
// (spec §8 scenario 3, 4) can be exercised without a real provider.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/aerugo/cashgame/pkg/llm"
)

// Scripted returns a fixed, ordered sequence of responses (or errors),
// one per call, cycling back to the final entry once exhausted — the same
// shape as a human QA script rather than a randomized stub.
type Scripted struct {
	mu      sync.Mutex
	script  []ScriptedCall
	calls   int
}

// ScriptedCall is one entry in a Scripted client's call script.
type ScriptedCall struct {
	Response llm.Response
	Err      error
}

// NewScripted builds a Scripted client. Calling Generate more times than
// len(script) repeats the last entry.
func NewScripted(script ...ScriptedCall) *Scripted {
	return &Scripted{script: script}
}

func (s *Scripted) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.script) == 0 {
		return llm.Response{}, fmt.Errorf("scripted client has no entries")
	}
	idx := s.calls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	s.calls++
	entry := s.script[idx]
	return entry.Response, entry.Err
}

// CallCount returns how many times Generate has been invoked.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Recorder wraps another llm.Client and records every request/response
// pair it sees, for assertions on what the optimizer actually sent.
type Recorder struct {
	mu       sync.Mutex
	inner    llm.Client
	Requests []llm.Request
}

// NewRecorder builds a Recorder around inner.
func NewRecorder(inner llm.Client) *Recorder {
	return &Recorder{inner: inner}
}

func (r *Recorder) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	r.mu.Lock()
	r.Requests = append(r.Requests, req)
	r.mu.Unlock()
	return r.inner.Generate(ctx, req)
}
