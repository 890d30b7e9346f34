// Package seed provides the single source of randomness for the
// optimization core (spec §4.1). Every stochastic operation — Monte Carlo
// sampling, simulation episode RNG, tie-breaking — must derive its seed
// through Manager so that a fixed master seed reproduces byte-identical
// runs across platforms (spec P1).
package seed

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Manager derives reproducible 64-bit sub-seeds from a master seed and a
// hierarchical key of strings/integers.
type Manager struct {
	masterSeed int64
}

// NewManager creates a SeedManager for the given master seed.
func NewManager(masterSeed int64) *Manager {
	return &Manager{masterSeed: masterSeed}
}

// Derive hashes "master:k1:k2:..." with SHA-256 and takes the leading 8
// bytes modulo 2^31, giving a non-negative int64 that is stable across
// platforms and Go versions (spec §4.1 contract).
func (m *Manager) Derive(keys ...any) int64 {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(m.masterSeed, 10))
	for _, k := range keys {
		b.WriteByte(':')
		fmt.Fprint(&b, k)
	}
	sum := sha256.Sum256([]byte(b.String()))
	leading := binary.BigEndian.Uint64(sum[:8])
	const mod = uint64(1) << 31
	return int64(leading % mod)
}

// Simulation derives the seed for one Monte Carlo episode.
func (m *Manager) Simulation(iteration, sampleIdx int) int64 {
	return m.Derive("simulation", iteration, sampleIdx)
}

// Sampling derives the seed for TransactionSampler draws for one agent in
// one iteration.
func (m *Manager) Sampling(iteration int, agentID string) int64 {
	return m.Derive("sampling", iteration, agentID)
}

// LLM derives the seed handed to the LLM provider (when the provider
// accepts one) for one agent in one iteration.
func (m *Manager) LLM(iteration int, agentID string) int64 {
	return m.Derive("llm", iteration, agentID)
}

// Tiebreaker derives the seed used to break exact ties deterministically.
func (m *Manager) Tiebreaker(iteration int) int64 {
	return m.Derive("tiebreaker", iteration)
}

// Episode derives the seed for the full campaign-learning episode run at
// the end of one iteration, distinct from every Monte Carlo sample seed.
func (m *Manager) Episode(iteration int) int64 {
	return m.Derive("episode", iteration)
}
