// Package policy holds the per-source retry and concurrency limits
// (spec §4.9) as an immutable value swapped behind a small lock,
// grounded on the teacher's cacher.Config/DefaultConfig shape: boot-time
// configuration passed to constructors rather than package globals.
package policy

import (
	"sync"

	"github.com/pica/comics-server/internal/domain"
)

const (
	defaultFileRetries        = 2
	defaultFileConcurrent     = 6
	defaultMaxConcurrent      = 4
	minFileConcurrent         = 1
	maxFileConcurrent         = 16
	minMaxConcurrent          = 1
	maxMaxConcurrent          = 20
)

// Policy is an immutable snapshot of the retry/concurrency knobs.
type Policy struct {
	FileRetriesDefault  int
	FileRetriesBySource map[string]int

	FileConcurrentDefault  int
	FileConcurrentBySource map[string]int

	MaxConcurrent int
}

// Default returns the built-in defaults for every source.
func Default() Policy {
	return Policy{
		FileRetriesDefault:     defaultFileRetries,
		FileRetriesBySource:    map[string]int{},
		FileConcurrentDefault:  defaultFileConcurrent,
		FileConcurrentBySource: map[string]int{},
		MaxConcurrent:          defaultMaxConcurrent,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FileRetries returns the retry budget for source.
func (p Policy) FileRetries(source string) int {
	if n, ok := p.FileRetriesBySource[source]; ok {
		return n
	}
	return p.FileRetriesDefault
}

// FileConcurrent returns the per-file fan-out ceiling for source,
// clamped to [1,16].
func (p Policy) FileConcurrent(source string) int {
	n := p.FileConcurrentDefault
	if v, ok := p.FileConcurrentBySource[source]; ok {
		n = v
	}
	return clamp(n, minFileConcurrent, maxFileConcurrent)
}

// Normalize clamps MaxConcurrent and FileConcurrentDefault into their
// documented ranges. Called when a Policy is loaded (NewStore,
// config.ToPolicy); the Store setters clamp their own field instead.
func (p Policy) Normalize() Policy {
	p.MaxConcurrent = clamp(p.MaxConcurrent, minMaxConcurrent, maxMaxConcurrent)
	p.FileConcurrentDefault = clamp(p.FileConcurrentDefault, minFileConcurrent, maxFileConcurrent)
	return p
}

// Store holds the current Policy behind a lock so the control plane can
// swap the whole record atomically while workers read it concurrently.
type Store struct {
	mu     sync.RWMutex
	policy Policy
}

// NewStore creates a Store seeded with p (normalized).
func NewStore(p Policy) *Store {
	return &Store{policy: p.Normalize()}
}

// Get returns the current policy snapshot.
func (s *Store) Get() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetMaxConcurrent updates only the task concurrency ceiling.
func (s *Store) SetMaxConcurrent(n int) Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy.MaxConcurrent = clamp(n, minMaxConcurrent, maxMaxConcurrent)
	return s.policy
}

// SetFileConcurrentDefault updates only the default per-file ceiling.
func (s *Store) SetFileConcurrentDefault(n int) Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy.FileConcurrentDefault = clamp(n, minFileConcurrent, maxFileConcurrent)
	return s.policy
}

// ValidSource reports whether source is one of the known source keys
// that may appear in the per-source policy maps.
func ValidSource(source string) bool {
	return domain.IsKnownSource(source)
}
