package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/synqronlabs/mailguard/dmarc"
	"github.com/synqronlabs/mailguard/dns"
	"github.com/synqronlabs/mailguard/utils"
)

var (
	metricGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailguard_dmarc_reports_generated_total",
			Help: "DMARC aggregate reports generated.",
		},
	)
	metricSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailguard_dmarc_report_sends_total",
			Help: "DMARC aggregate report send attempts by result (ok, error, abandoned).",
		},
		[]string{"result"},
	)
)

// ContentType is the content type of report attachments.
const ContentType = "application/gzip"

// DefaultMaxSendAttempts is used when Config.MaxSendAttempts is zero.
const DefaultMaxSendAttempts = 5

// Config holds the reporter settings.
type Config struct {
	// OrgName is the submitter named in reports and file names.
	OrgName string

	// ContactEmail is the report contact and the sender of report mail.
	ContactEmail string

	// StoragePath is the directory report files are written to.
	StoragePath string

	MaxSendAttempts int

	// Retention is how long reports are kept after their window ends.
	Retention time.Duration

	// SplitDivergent groups by auth outcome as well as by source and
	// From domain.
	SplitDivergent bool

	// RUAFallback reads published records the way dmarc.LookupFallback
	// does.
	RUAFallback bool
}

// Generator builds, stores and sends aggregate reports.
type Generator struct {
	config    Config
	store     Store
	logs      LogSource
	resolver  dns.Resolver
	deliverer Deliverer
	logger    *slog.Logger
	now       func() time.Time

	flight singleflight.Group
}

// NewGenerator returns a Generator. deliverer may be nil when reports are
// only generated.
func NewGenerator(config Config, store Store, logs LogSource, resolver dns.Resolver, deliverer Deliverer, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxSendAttempts <= 0 {
		config.MaxSendAttempts = DefaultMaxSendAttempts
	}
	if config.StoragePath == "" {
		config.StoragePath = filepath.Join(os.TempDir(), "mailguard-reports")
	}
	return &Generator{
		config:    config,
		store:     store,
		logs:      logs,
		resolver:  resolver,
		deliverer: deliverer,
		logger:    logger,
		now:       time.Now,
	}
}

// sendLease bounds how long a claimed send blocks other senders.
const sendLease = 10 * time.Minute

// generateTimeout bounds a generation shared by concurrent callers.
const generateTimeout = 5 * time.Minute

// Generate returns the report of domain for [begin, end), creating it when
// none exists yet. Concurrent calls for the same window share one
// generation; a report stored by another process is returned as is. The
// shared generation outlives a caller whose ctx is done.
func (g *Generator) Generate(ctx context.Context, domain string, begin, end time.Time) (*Report, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == "" || !end.After(begin) {
		return nil, fmt.Errorf("%w: %q %s - %s", ErrInvalidWindow, domain, begin, end)
	}
	begin, end = begin.UTC(), end.UTC()

	key := domain + "|" + begin.Format(time.RFC3339) + "|" + end.Format(time.RFC3339)
	ch := g.flight.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), generateTimeout)
		defer cancel()
		return g.generate(ctx, domain, begin, end)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Report), nil
	}
}

func (g *Generator) generate(ctx context.Context, domain string, begin, end time.Time) (*Report, error) {
	existing, err := g.store.FindReport(ctx, domain, begin, end)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up report: %w", err)
	}

	policy, recipients, err := g.policy(ctx, domain)
	if err != nil {
		return nil, err
	}

	entries, err := g.logs.Entries(ctx, domain, begin, end)
	if err != nil {
		return nil, fmt.Errorf("loading validation logs: %w", err)
	}
	total, compliant := Totals(entries)

	r := &Report{
		ID:                utils.GenerateID(),
		Domain:            domain,
		OrgName:           g.config.OrgName,
		ContactEmail:      g.config.ContactEmail,
		BeginTime:         begin,
		EndTime:           end,
		Policy:            policy,
		TotalMessages:     total,
		CompliantMessages: compliant,
		FailedMessages:    total - compliant,
		Records:           Group(entries, g.config.SplitDivergent),
		Recipients:        recipients,
		State:             StateCreated,
		CreatedAt:         g.now(),
	}

	stored, created, err := g.store.CreateReport(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("storing report: %w", err)
	}
	if !created {
		return stored, nil
	}
	metricGenerated.Inc()

	if err := g.writeFile(ctx, stored); err != nil {
		// The report stays in StateCreated; Send writes the file later.
		g.logger.Warn("writing dmarc report file",
			slog.String("report", stored.ID),
			slog.Any("error", err),
		)
	}

	g.logger.Info("dmarc report generated",
		slog.String("report", stored.ID),
		slog.String("domain", domain),
		slog.Int("records", len(stored.Records)),
		slog.Int("messages", stored.TotalMessages),
	)
	return stored, nil
}

// policy snapshots the published DMARC record of domain and resolves its
// aggregate report recipients. A domain without a record yields the
// default policy and no recipients. A temporary DNS failure is returned so
// the window is generated later.
func (g *Generator) policy(ctx context.Context, domain string) (PolicyPublished, []string, error) {
	p := PolicyPublished{Domain: domain, ADKIM: "r", ASPF: "r", P: string(dmarc.PolicyNone), Pct: 100}

	lookup := dmarc.Lookup
	if g.config.RUAFallback {
		lookup = dmarc.LookupFallback
	}
	status, dmarcDomain, record, _, _, err := lookup(ctx, g.resolver, domain)
	if status == dmarc.StatusTemperror {
		return p, nil, fmt.Errorf("looking up dmarc record of %s: %w", domain, err)
	}
	if record == nil {
		g.logger.Debug("no dmarc record for report",
			slog.String("domain", domain),
			slog.String("status", string(status)),
		)
		return p, nil, nil
	}

	p.Domain = dmarcDomain
	p.ADKIM = string(record.ADKIM)
	p.ASPF = string(record.ASPF)
	p.P = string(record.Policy)
	p.SP = string(record.SubdomainPolicy)
	p.Pct = record.Percentage
	return p, g.recipients(ctx, dmarcDomain, record), nil
}

// recipients returns the mailto addresses of the rua tag. Addresses in
// another organizational domain are kept only when that domain accepts
// reports for dmarcDomain (RFC 7489 section 7.1).
func (g *Generator) recipients(ctx context.Context, dmarcDomain string, record *dmarc.Record) []string {
	var addrs []string
	for _, uri := range record.AggregateReportAddresses {
		addr, ok := mailtoAddress(uri.Address)
		if !ok {
			g.logger.Debug("skipping rua uri", slog.String("uri", uri.Address))
			continue
		}
		rcptDomain := utils.DomainFromAddress(addr)
		if dmarc.OrganizationalDomain(rcptDomain) != dmarc.OrganizationalDomain(dmarcDomain) {
			accepts, status, err := dmarc.LookupExternalReportsAccepted(ctx, g.resolver, dmarcDomain, rcptDomain)
			if !accepts {
				g.logger.Info("rua address in external domain does not accept reports",
					slog.String("domain", dmarcDomain),
					slog.String("address", addr),
					slog.String("status", string(status)),
					slog.Any("error", err),
				)
				continue
			}
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// mailtoAddress extracts the address of a mailto URI.
func mailtoAddress(uri string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil || !strings.EqualFold(u.Scheme, "mailto") {
		return "", false
	}
	addr := u.Opaque
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}
	if !strings.Contains(addr, "@") {
		return "", false
	}
	return addr, true
}

// writeFile writes the compressed XML of r to the storage directory and
// records its path.
func (g *Generator) writeFile(ctx context.Context, r *Report) error {
	if err := os.MkdirAll(g.config.StoragePath, 0o750); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	path := filepath.Join(g.config.StoragePath, FileName(r.OrgName, r.Domain, r.BeginTime, r.EndTime))

	tmp, err := os.CreateTemp(g.config.StoragePath, ".report-*")
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteFeedback(tmp, r.Feedback()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing report file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming report file: %w", err)
	}

	r.ReportPath = path
	if r.State == StateCreated {
		r.State = StateGenerated
	}
	return g.store.UpdateReport(ctx, r)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Send mails report id to its recipients. Sending a report that was sent
// already does nothing. A failed send increments the attempt counter; at
// the maximum the report is abandoned. Each attempt leases the report in
// the store first; while another sender holds the lease Send returns
// ErrSendClaimed.
func (g *Generator) Send(ctx context.Context, id string) error {
	r, err := g.store.GetReport(ctx, id)
	if err != nil {
		return err
	}
	if r.IsSent {
		return nil
	}
	if r.State == StateAbandoned {
		return fmt.Errorf("%w: %s", ErrAbandoned, id)
	}
	if g.deliverer == nil {
		return errors.New("report: no deliverer configured")
	}

	now := g.now()
	claimed, err := g.store.ClaimSend(ctx, id, now, now.Add(sendLease))
	if err != nil {
		return fmt.Errorf("claiming report: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: %s", ErrSendClaimed, id)
	}
	// Reread under the lease: a sender that finished in between may have
	// counted an attempt.
	if r, err = g.store.GetReport(ctx, id); err != nil {
		return err
	}
	if r.State == StateAbandoned {
		return fmt.Errorf("%w: %s", ErrAbandoned, id)
	}

	err = g.send(ctx, r)
	if err == nil {
		r.IsSent = true
		r.State = StateSent
		r.SentAt = g.now()
		r.LastError = ""
		metricSends.WithLabelValues("ok").Inc()
		g.logger.Info("dmarc report sent",
			slog.String("report", r.ID),
			slog.String("domain", r.Domain),
			slog.Any("recipients", r.Recipients),
		)
		return g.store.UpdateReport(context.WithoutCancel(ctx), r)
	}

	r.SendAttempts++
	r.LastError = err.Error()
	r.State = StateSendFailed
	result := "error"
	if r.SendAttempts >= g.config.MaxSendAttempts || errors.Is(err, ErrNoRecipients) {
		r.State = StateAbandoned
		result = "abandoned"
	}
	metricSends.WithLabelValues(result).Inc()
	g.logger.Warn("sending dmarc report",
		slog.String("report", r.ID),
		slog.String("domain", r.Domain),
		slog.Int("attempts", r.SendAttempts),
		slog.String("state", string(r.State)),
		slog.Any("error", err),
	)
	if uerr := g.store.UpdateReport(context.WithoutCancel(ctx), r); uerr != nil {
		return errors.Join(err, uerr)
	}
	return err
}

func (g *Generator) send(ctx context.Context, r *Report) error {
	if len(r.Recipients) == 0 {
		return ErrNoRecipients
	}
	if !fileExists(r.ReportPath) {
		if err := g.writeFile(ctx, r); err != nil {
			return err
		}
	}

	subject := Subject(r.Domain, r.OrgName, r.ID)
	text := body(r)
	var errs []error
	for _, to := range r.Recipients {
		if err := g.deliverer.SendWithAttachment(ctx, r.ContactEmail, to, subject, text, r.ReportPath, ContentType); err != nil {
			errs = append(errs, fmt.Errorf("sending to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// RetryPending sends every unsent report that has attempts left. It
// returns the number of reports sent; failures of single reports are
// joined into the error.
func (g *Generator) RetryPending(ctx context.Context) (int, error) {
	pending, err := g.store.PendingReports(ctx, g.config.MaxSendAttempts)
	if err != nil {
		return 0, fmt.Errorf("loading pending reports: %w", err)
	}

	var sent int
	var errs []error
	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := g.Send(ctx, r.ID)
		switch {
		case errors.Is(err, ErrSendClaimed):
			g.logger.Debug("dmarc report claimed elsewhere", slog.String("report", r.ID))
		case err != nil:
			errs = append(errs, fmt.Errorf("report %s: %w", r.ID, err))
		default:
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

// Cleanup deletes reports, and their files, whose window ended more than
// the retention period ago. It returns the number of deleted reports.
func (g *Generator) Cleanup(ctx context.Context) (int, error) {
	if g.config.Retention <= 0 {
		return 0, nil
	}
	expired, err := g.store.ExpiredReports(ctx, g.now().Add(-g.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("loading expired reports: %w", err)
	}

	var deleted int
	var errs []error
	for _, r := range expired {
		if r.ReportPath != "" {
			if err := os.Remove(r.ReportPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
		}
		if err := g.store.DeleteReport(ctx, r.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		g.logger.Info("dmarc reports removed", slog.Int("count", deleted))
	}
	return deleted, errors.Join(errs...)
}
