// Package jobs runs the periodic DMARC report work: generation for the
// last window, the retry sweep and retention cleanup.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/mailguard/report"
)

const (
	DefaultInterval       = 24 * time.Hour
	DefaultMaxConcurrency = 4

	reportLockKey = "mailguard:leader:dmarc_reports"
)

// Reporter is the report work the scheduler drives. *report.Generator
// implements it.
type Reporter interface {
	Generate(ctx context.Context, domain string, begin, end time.Time) (*report.Report, error)
	Send(ctx context.Context, id string) error
	RetryPending(ctx context.Context) (int, error)
	Cleanup(ctx context.Context) (int, error)
}

var _ Reporter = (*report.Generator)(nil)

// Summary counts what one run did.
type Summary struct {
	Begin     time.Time
	End       time.Time
	Domains   int
	Generated int
	Sent      int
	Retried   int
	Deleted   int
}

// Scheduler generates and sends one report per From domain and interval.
type Scheduler struct {
	Reporter Reporter
	Logs     report.LogSource

	// Locker keeps concurrent instances from doing the same work.
	// The default is LocalLocker.
	Locker Locker

	// Interval is the report window length and the run period.
	Interval time.Duration

	// MaxConcurrency bounds the domains processed at once.
	MaxConcurrency int

	Logger *slog.Logger

	now func() time.Time
}

func NewScheduler(reporter Reporter, logs report.LogSource, locker Locker, interval time.Duration, logger *slog.Logger) *Scheduler {
	if locker == nil {
		locker = LocalLocker{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Reporter:       reporter,
		Logs:           logs,
		Locker:         locker,
		Interval:       interval,
		MaxConcurrency: DefaultMaxConcurrency,
		Logger:         logger,
		now:            time.Now,
	}
}

// Window returns the last complete interval before t, aligned to the
// interval in UTC.
func (s *Scheduler) Window(t time.Time) (begin, end time.Time) {
	end = t.UTC().Truncate(s.Interval)
	return end.Add(-s.Interval), end
}

// Run calls RunOnce every interval while this instance is leader, until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	err := s.Locker.RunWithLeader(ctx, reportLockKey, func(leaderCtx context.Context) {
		s.loop(leaderCtx)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	start := time.Now()
	sum, err := s.RunOnce(ctx)
	if err != nil {
		s.Logger.Error("dmarc report run finished with errors", "error", err)
	}
	s.Logger.Info("dmarc report run completed",
		"begin", sum.Begin,
		"end", sum.End,
		"domains", sum.Domains,
		"generated", sum.Generated,
		"sent", sum.Sent,
		"retried", sum.Retried,
		"deleted", sum.Deleted,
		"duration", time.Since(start),
	)
}

// RunOnce retries pending sends, generates and sends the reports of the
// last window, then removes expired reports. Failures of single domains
// do not stop the others; they are joined into the returned error.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	var errs []error
	sum.Begin, sum.End = s.Window(s.now())

	retried, err := s.Reporter.RetryPending(ctx)
	sum.Retried = retried
	if err != nil {
		errs = append(errs, fmt.Errorf("retrying pending reports: %w", err))
	}

	domains, err := s.Logs.Domains(ctx, sum.Begin, sum.End)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing domains: %w", err))
	}
	sum.Domains = len(domains)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.MaxConcurrency, 1))
	for _, domain := range domains {
		g.Go(func() error {
			generated, sent, err := s.process(gctx, domain, sum.Begin, sum.End)
			mu.Lock()
			defer mu.Unlock()
			if generated {
				sum.Generated++
			}
			if sent {
				sum.Sent++
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("domain %s: %w", domain, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	deleted, err := s.Reporter.Cleanup(ctx)
	sum.Deleted = deleted
	if err != nil {
		errs = append(errs, fmt.Errorf("cleaning up reports: %w", err))
	}
	return sum, errors.Join(errs...)
}

func (s *Scheduler) process(ctx context.Context, domain string, begin, end time.Time) (generated, sent bool, err error) {
	r, err := s.Reporter.Generate(ctx, domain, begin, end)
	if err != nil {
		return false, false, err
	}
	if r.IsSent || r.State == report.StateAbandoned {
		return true, false, nil
	}

	err = s.Reporter.Send(ctx, r.ID)
	switch {
	case errors.Is(err, report.ErrNoRecipients):
		s.Logger.Debug("dmarc report has no recipients", "domain", domain, "report", r.ID)
		return true, false, nil
	case errors.Is(err, report.ErrSendClaimed):
		s.Logger.Debug("dmarc report send claimed elsewhere", "domain", domain, "report", r.ID)
		return true, false, nil
	case err != nil:
		return true, false, err
	}
	return true, true, nil
}
