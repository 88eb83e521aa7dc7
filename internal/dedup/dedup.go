// Package dedup derives the unique, provider-eligible push targets of a user
// from their registered devices.
package dedup

import "github.com/kursadbilgin/push-fanout/internal/domain"

// Result is the outcome of a deduplication pass.
//
// Tokens holds unique eligible tokens in first-occurrence order. TotalEligible
// counts eligible tokens including duplicates; Malformed counts dropped inputs.
type Result struct {
	Tokens        []string
	TotalEligible int
	UniqueCount   int
	Malformed     int
}

// HasDuplicates reports whether any eligible token appeared more than once.
func (r Result) HasDuplicates() bool {
	return r.TotalEligible > r.UniqueCount
}

// Deduplicator is safe for concurrent use; it holds no mutable state.
type Deduplicator struct {
	format TokenFormat
}

func New(format TokenFormat) *Deduplicator {
	return &Deduplicator{format: format}
}

// Deduplicate resolves the unique target set of a device list.
func (d *Deduplicator) Deduplicate(devices []domain.Device) Result {
	tokens := make([]string, len(devices))
	for i := range devices {
		tokens[i] = devices[i].PushToken
	}
	return d.DeduplicateTokens(tokens)
}

// DeduplicateTokens is Deduplicate over raw token strings.
func (d *Deduplicator) DeduplicateTokens(tokens []string) Result {
	set := newOrderedSet(len(tokens))
	result := Result{}

	for _, token := range tokens {
		if !d.format.Valid(token) {
			result.Malformed++
			continue
		}
		result.TotalEligible++
		set.add(token)
	}

	result.Tokens = set.values()
	result.UniqueCount = len(result.Tokens)
	return result
}

// orderedSet keeps the index of the first occurrence of each key.
type orderedSet struct {
	index map[string]int
	order []string
}

func newOrderedSet(capacity int) *orderedSet {
	return &orderedSet{
		index: make(map[string]int, capacity),
		order: make([]string, 0, capacity),
	}
}

func (s *orderedSet) add(key string) bool {
	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = len(s.order)
	s.order = append(s.order, key)
	return true
}

func (s *orderedSet) values() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
