package report

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is a Store kept in memory.
type MemoryStore struct {
	mu      sync.Mutex
	reports map[string]*Report
	leases  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: map[string]*Report{}, leases: map[string]time.Time{}}
}

func sameWindow(r *Report, domain string, begin, end time.Time) bool {
	return r.Domain == domain && r.BeginTime.Equal(begin) && r.EndTime.Equal(end)
}

func copyReport(r *Report) *Report {
	c := *r
	c.Records = slices.Clone(r.Records)
	c.Recipients = slices.Clone(r.Recipients)
	return &c
}

func (s *MemoryStore) CreateReport(ctx context.Context, r *Report) (*Report, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.reports {
		if sameWindow(existing, r.Domain, r.BeginTime, r.EndTime) {
			return copyReport(existing), false, nil
		}
	}
	s.reports[r.ID] = copyReport(r)
	return copyReport(r), true, nil
}

func (s *MemoryStore) FindReport(ctx context.Context, domain string, begin, end time.Time) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reports {
		if sameWindow(r, domain, begin, end) {
			return copyReport(r), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetReport(ctx context.Context, id string) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReport(r), nil
}

func (s *MemoryStore) UpdateReport(ctx context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.reports[r.ID]
	if !ok {
		return ErrNotFound
	}
	stored.State = r.State
	stored.IsSent = r.IsSent
	stored.SendAttempts = r.SendAttempts
	stored.LastError = r.LastError
	stored.ReportPath = r.ReportPath
	stored.SentAt = r.SentAt
	delete(s.leases, r.ID)
	return nil
}

func (s *MemoryStore) ClaimSend(ctx context.Context, id string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.IsSent || s.leases[id].After(now) {
		return false, nil
	}
	s.leases[id] = until
	return true, nil
}

func (s *MemoryStore) PendingReports(ctx context.Context, maxAttempts int) ([]*Report, error) {
	return s.filter(func(r *Report) bool {
		return !r.IsSent && r.State != StateAbandoned && r.SendAttempts < maxAttempts
	}), nil
}

func (s *MemoryStore) ExpiredReports(ctx context.Context, before time.Time) ([]*Report, error) {
	return s.filter(func(r *Report) bool { return r.EndTime.Before(before) }), nil
}

func (s *MemoryStore) DeleteReport(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reports, id)
	delete(s.leases, id)
	return nil
}

// filter returns matching reports ordered by window start, then ID.
func (s *MemoryStore) filter(match func(*Report) bool) []*Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Report
	for _, r := range s.reports {
		if match(r) {
			out = append(out, copyReport(r))
		}
	}
	slices.SortFunc(out, func(a, b *Report) int {
		if c := a.BeginTime.Compare(b.BeginTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
