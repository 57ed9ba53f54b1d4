package dnsbl

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// Store holds the block lists and their counters.
type Store interface {
	// ActiveLists returns the lists to query.
	ActiveLists(ctx context.Context) ([]List, error)

	// RecordQuery atomically increments the query counter of a list, and
	// its hit counter when hit is true.
	RecordQuery(ctx context.Context, hostname string, hit bool) error
}

// CheckLogger persists finished checks.
type CheckLogger interface {
	LogCheck(ctx context.Context, res CheckResult) error
}

// MemoryStore is a Store kept in memory, for deployments without a
// database and for tests.
type MemoryStore struct {
	mu    sync.Mutex
	lists []List
}

// NewMemoryStore returns a store holding a copy of lists.
func NewMemoryStore(lists []List) *MemoryStore {
	return &MemoryStore{lists: slices.Clone(lists)}
}

// ActiveLists returns the active lists by descending weight.
func (s *MemoryStore) ActiveLists(ctx context.Context) ([]List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []List
	for _, l := range s.lists {
		if l.Active {
			active = append(active, l)
		}
	}
	sortLists(active)
	return active, nil
}

// RecordQuery increments the counters of the list with hostname. Unknown
// hostnames are ignored.
func (s *MemoryStore) RecordQuery(ctx context.Context, hostname string, hit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.lists {
		if s.lists[i].Hostname != hostname {
			continue
		}
		s.lists[i].QueryCount++
		if hit {
			s.lists[i].HitCount++
		}
		break
	}
	return nil
}

// SetActive activates or deactivates a list. Lists are never removed.
func (s *MemoryStore) SetActive(hostname string, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.lists {
		if s.lists[i].Hostname == hostname {
			s.lists[i].Active = active
			return true
		}
	}
	return false
}

// Lists returns a snapshot of all lists with their counters.
func (s *MemoryStore) Lists() []List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lists)
}

// sortLists orders lists by descending weight, then by hostname.
func sortLists(lists []List) {
	slices.SortStableFunc(lists, func(a, b List) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return cmp.Compare(a.Hostname, b.Hostname)
	})
}
