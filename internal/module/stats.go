package module

import (
	"sync"
)

// Stats tracks running totals and one-second sliding rates for the
// key flow through a module. The rate window slides once per second,
// driven by the module's ticker goroutine, independent of worker
// cycles.
type Stats struct {
	mu sync.Mutex

	// running totals
	keysIn       uint64
	keysOut      uint64
	keyBitsIn    uint64
	keyBitsOut   uint64
	disclosedIn  uint64
	disclosedOut uint64

	qauthFailures   uint64
	basisMismatches uint64

	// totals at the last tick, and the rates derived from them
	last  [6]uint64
	rates [6]uint64
}

// AddRead records one key read from pipe-in.
func (s *Stats) AddRead(bits, disclosed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysIn++
	s.keyBitsIn += bits
	s.disclosedIn += disclosed
}

// AddWritten records one key written to pipe-out.
func (s *Stats) AddWritten(bits, disclosed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysOut++
	s.keyBitsOut += bits
	s.disclosedOut += disclosed
}

// AddQAuthFailure records one aborted sifting cycle due to a QAuth
// verification mismatch.
func (s *Stats) AddQAuthFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qauthFailures++
}

// AddBasisMismatches records positions where the two sides' bases
// disagreed, a cheap channel-quality signal ahead of error
// estimation.
func (s *Stats) AddBasisMismatches(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.basisMismatches += n
}

// Tick slides the one-second rate window.
func (s *Stats) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := [6]uint64{s.keysIn, s.keysOut, s.keyBitsIn, s.keyBitsOut, s.disclosedIn, s.disclosedOut}
	for i, t := range totals {
		s.rates[i] = t - s.last[i]
	}
	s.last = totals
}

// GetStats returns a snapshot of totals and current per-second rates.
func (s *Stats) GetStats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"keys_in":            s.keysIn,
		"keys_out":           s.keysOut,
		"key_bits_in":        s.keyBitsIn,
		"key_bits_out":       s.keyBitsOut,
		"disclosed_bits_in":  s.disclosedIn,
		"disclosed_bits_out": s.disclosedOut,
		"qauth_failures":     s.qauthFailures,
		"basis_mismatches":   s.basisMismatches,

		"keys_in_per_sec":            s.rates[0],
		"keys_out_per_sec":           s.rates[1],
		"key_bits_in_per_sec":        s.rates[2],
		"key_bits_out_per_sec":       s.rates[3],
		"disclosed_bits_in_per_sec":  s.rates[4],
		"disclosed_bits_out_per_sec": s.rates[5],
	}
}
