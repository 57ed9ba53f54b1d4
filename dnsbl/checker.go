package dnsbl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/mailguard/dns"
	"github.com/synqronlabs/mailguard/utils"
)

var (
	metricQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailguard_dnsbl_queries_total",
			Help: "DNSBL queries by list and result (listed, clean, error).",
		},
		[]string{"list", "result"},
	)
	metricRisk = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailguard_dnsbl_checks_total",
			Help: "DNSBL checks by risk level.",
		},
		[]string{"risk"},
	)
)

// Defaults for Checker fields left zero.
const (
	DefaultTimeout        = 5 * time.Second
	DefaultMaxConcurrency = 4
	DefaultBatchDelay     = 100 * time.Millisecond
)

// Checker checks addresses against the lists of a Store.
type Checker struct {
	Resolver dns.Resolver
	Store    Store

	// CheckLogger, if set, receives every finished check.
	CheckLogger CheckLogger

	// Timeout bounds each list query.
	Timeout time.Duration

	// MaxConcurrency bounds the number of lists queried at once.
	MaxConcurrency int

	// BatchDelay is the pause between addresses in CheckBatch.
	BatchDelay time.Duration

	Logger *slog.Logger
}

// NewChecker returns a Checker with default limits.
func NewChecker(resolver dns.Resolver, store Store, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		Resolver:       resolver,
		Store:          store,
		Timeout:        DefaultTimeout,
		MaxConcurrency: DefaultMaxConcurrency,
		BatchDelay:     DefaultBatchDelay,
		Logger:         logger,
	}
}

func (c *Checker) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Checker) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// CheckIP queries all active lists for ip. messageID is optional and only
// recorded in the result.
//
// Every list is queried, also after a first hit. A list that cannot be
// queried is recorded in Queries and does not affect the others. Malformed
// input yields StatusInvalid without any DNS query.
func (c *Checker) CheckIP(ctx context.Context, ip, messageID string) CheckResult {
	start := time.Now()
	res := CheckResult{
		IP:        ip,
		MessageID: messageID,
		Status:    StatusOK,
		RiskLevel: RiskClean,
		CheckedAt: start,
	}

	reversed, err := utils.ReverseIPv4(ip)
	if err != nil {
		res.Status = StatusInvalid
		res.Error = err.Error()
		return c.finish(ctx, res, start)
	}

	lists, err := c.Store.ActiveLists(ctx)
	if err != nil {
		res.Status = StatusError
		res.Error = fmt.Sprintf("loading lists: %v", err)
		return c.finish(ctx, res, start)
	}
	sortLists(lists)

	queries := make([]QueryResult, len(lists))
	hits := make([]*Hit, len(lists))

	g := new(errgroup.Group)
	limit := c.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	g.SetLimit(limit)
	for i, l := range lists {
		g.Go(func() error {
			queries[i], hits[i] = c.query(ctx, reversed, l)
			return nil
		})
	}
	_ = g.Wait()

	res.Queries = queries
	for _, h := range hits {
		if h != nil {
			res.Hits = append(res.Hits, *h)
		}
	}
	res.TotalWeight, res.RiskLevel = RiskFor(res.Hits)

	if err := ctx.Err(); err != nil {
		res.Status = StatusError
		res.Error = fmt.Sprintf("%v: %v", ErrCancelled, err)
	}
	return c.finish(ctx, res, start)
}

// query looks up the reversed address on one list. The list's counters
// are only updated for queries that ran to completion.
func (c *Checker) query(ctx context.Context, reversed string, l List) (QueryResult, *Hit) {
	start := time.Now()
	qr := QueryResult{Hostname: l.Hostname}

	timeout := c.timeout()
	qctx, cancel := context.WithTimeout(ctx, timeout)
	answer, err := c.Resolver.LookupA(qctx, reversed+"."+l.Hostname)
	cancel()
	qr.Duration = time.Since(start)

	if ctx.Err() != nil {
		qr.Error = ErrCancelled.Error()
		return qr, nil
	}

	var hit *Hit
	switch {
	case dns.IsNotFound(err):
		metricQueries.WithLabelValues(l.Hostname, "clean").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		qr.Error = fmt.Sprintf("%v: timeout after %v", dns.ErrDNSTimeout, timeout)
	case err != nil:
		qr.Error = err.Error()
	case len(answer.Records) == 0:
		metricQueries.WithLabelValues(l.Hostname, "clean").Inc()
	default:
		code := answer.Records[0]
		qr.ReturnCode = code.String()
		desc, derr := describe(l.Hostname, code)
		if derr != nil {
			qr.Error = derr.Error()
			break
		}
		qr.Listed = true
		hit = &Hit{
			ListName:    l.Name(),
			Hostname:    l.Hostname,
			ReturnCode:  qr.ReturnCode,
			Description: desc,
			Weight:      l.Weight,
		}
		metricQueries.WithLabelValues(l.Hostname, "listed").Inc()
	}
	if qr.Error != "" {
		metricQueries.WithLabelValues(l.Hostname, "error").Inc()
		c.logger().Warn("dnsbl query failed",
			slog.String("list", l.Hostname),
			slog.String("error", qr.Error),
		)
	}

	if err := c.Store.RecordQuery(ctx, l.Hostname, hit != nil); err != nil {
		c.logger().Warn("updating dnsbl counters",
			slog.String("list", l.Hostname),
			slog.Any("error", err),
		)
	}
	return qr, hit
}

func (c *Checker) finish(ctx context.Context, res CheckResult, start time.Time) CheckResult {
	res.Duration = time.Since(start)
	if res.Status == StatusOK {
		metricRisk.WithLabelValues(string(res.RiskLevel)).Inc()
	}

	c.logger().Debug("dnsbl check",
		slog.String("ip", res.IP),
		slog.String("status", string(res.Status)),
		slog.Int("hits", len(res.Hits)),
		slog.Int("weight", res.TotalWeight),
		slog.String("risk", string(res.RiskLevel)),
		slog.Duration("duration", res.Duration),
	)

	if c.CheckLogger != nil {
		if err := c.CheckLogger.LogCheck(context.WithoutCancel(ctx), res); err != nil {
			c.logger().Warn("storing dnsbl check",
				slog.String("ip", res.IP),
				slog.Any("error", err),
			)
		}
	}
	return res
}

// CheckBatch checks ips one after another, pausing BatchDelay between
// them. A failing address yields an error result in its slot; the batch
// continues. When ctx ends, the remaining addresses get error results.
func (c *Checker) CheckBatch(ctx context.Context, ips []string) []CheckResult {
	results := make([]CheckResult, len(ips))
	for i, ip := range ips {
		if i > 0 && c.BatchDelay > 0 {
			t := time.NewTimer(c.BatchDelay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			results[i] = CheckResult{
				IP:        ip,
				Status:    StatusError,
				RiskLevel: RiskClean,
				Error:     fmt.Sprintf("%v: %v", ErrCancelled, err),
				CheckedAt: time.Now(),
			}
			continue
		}
		results[i] = c.CheckIP(ctx, ip, "")
	}
	return results
}

// CheckHealth verifies that a list works: 127.0.0.2 must be listed and
// 127.0.0.1 must not be.
func (c *Checker) CheckHealth(ctx context.Context, hostname string) error {
	lookup := func(reversed string) (bool, error) {
		qctx, cancel := context.WithTimeout(ctx, c.timeout())
		defer cancel()
		_, err := c.Resolver.LookupA(qctx, reversed+"."+hostname)
		if dns.IsNotFound(err) {
			return false, nil
		}
		return err == nil, err
	}

	listed, err := lookup("2.0.0.127")
	if err != nil {
		return fmt.Errorf("querying test address 127.0.0.2: %w", err)
	}
	if !listed {
		return fmt.Errorf("%s does not list required test address 127.0.0.2", hostname)
	}
	listed, err = lookup("1.0.0.127")
	if err != nil {
		return fmt.Errorf("querying test address 127.0.0.1: %w", err)
	}
	if listed {
		return fmt.Errorf("%s lists unwanted test address 127.0.0.1", hostname)
	}
	return nil
}
