package mailguard

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/synqronlabs/mailguard/dkim"
	"github.com/synqronlabs/mailguard/dmarc"
	"github.com/synqronlabs/mailguard/dns"
	"github.com/synqronlabs/mailguard/spf"
	"github.com/synqronlabs/mailguard/utils"
)

var metricVerdicts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailguard_validation_verdicts_total",
		Help: "Validated messages by overall verdict.",
	},
	[]string{"overall"},
)

// Config controls a Validator.
type Config struct {
	// Enabled turns validation on. A disabled Validator returns
	// OverallDisabled verdicts without any DNS queries.
	Enabled bool

	// StrictMode makes an explicit DMARC fail the overall verdict, even
	// when SPF or DKIM passed on their own.
	StrictMode bool

	// DMARCMalformedAsPermerror reports malformed DMARC records as
	// permerror instead of none.
	DMARCMalformedAsPermerror bool

	// DMARCRUAFallback accepts a DMARC record without a usable policy but
	// with rua= as p=none (RFC 7489 section 6.6.3).
	DMARCRUAFallback bool

	// Hostname identifies this host in Authentication-Results headers.
	Hostname string
}

// Validator runs SPF, DKIM and DMARC evaluation for inbound messages.
// It is safe for concurrent use.
type Validator struct {
	config Config
	spf    *spf.Checker
	dkim   *dkim.Verifier
	dmarc  *dmarc.Evaluator
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithSink hands every verdict to s.
func WithSink(s Sink) Option {
	return func(v *Validator) { v.sink = s }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New returns a Validator resolving DNS through resolver.
func New(resolver dns.Resolver, config Config, opts ...Option) *Validator {
	v := &Validator{
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.spf = spf.NewChecker(resolver, v.logger)
	v.dkim = &dkim.Verifier{Resolver: resolver, Logger: v.logger}
	v.dmarc = &dmarc.Evaluator{
		Resolver:             resolver,
		MalformedAsPermerror: config.DMARCMalformedAsPermerror,
		RUAFallback:          config.DMARCRUAFallback,
		Logger:               v.logger,
	}
	return v
}

// Validate evaluates SPF, DKIM and then DMARC for msg sent from senderIP.
//
// Validate never panics and never returns an error: unexpected failures,
// including cancellation of ctx, produce an OverallError verdict carrying
// the error text.
func (v *Validator) Validate(ctx context.Context, msg Message, senderIP net.IP) (verdict Verdict) {
	verdict = Verdict{
		MessageID:  msg.ID,
		SenderIP:   senderIP,
		From:       msg.From,
		MailFrom:   msg.MailFrom,
		ReceivedAt: msg.ReceivedAt,
		StartedAt:  v.now(),
	}

	defer func() {
		if r := recover(); r != nil {
			verdict.Overall = OverallError
			verdict.Error = fmt.Sprintf("panic: %v", r)
		}
		verdict.FinishedAt = v.now()
		v.finish(ctx, verdict)
	}()

	if !v.config.Enabled {
		verdict.Overall = OverallDisabled
		return verdict
	}

	if verdict.From == "" || verdict.MessageID == "" {
		from, id, err := headerFields(msg.Raw)
		if err != nil && verdict.From == "" {
			verdict.Overall = OverallError
			verdict.Error = fmt.Sprintf("reading headers: %v", err)
			return verdict
		}
		if verdict.From == "" {
			verdict.From = from
		}
		if verdict.MessageID == "" {
			verdict.MessageID = id
		}
	}
	if utils.DomainFromAddress(verdict.From) == "" {
		verdict.Overall = OverallError
		verdict.Error = ErrNoFromAddress.Error()
		return verdict
	}

	spfIdentity := msg.MailFrom
	if spfIdentity == "" {
		spfIdentity = verdict.From
	}
	spfRes := v.spf.Check(ctx, spfIdentity, senderIP)
	verdict.SPF = SPFOutcome{
		Status:  spfRes.Status,
		Domain:  spfRes.Domain,
		Record:  spfRes.Record,
		Details: spfRes.Details,
	}

	dkimRes := v.dkim.Evaluate(ctx, msg.Raw)
	verdict.DKIM = DKIMOutcome{
		Status:   dkimRes.Status,
		Domain:   dkimRes.Domain,
		Selector: dkimRes.Selector,
		Details:  dkimRes.Details,
	}

	dmarcRes := v.dmarc.Evaluate(ctx, verdict.From, spfRes, dkimRes)
	verdict.DMARC = DMARCOutcome{
		Status:      dmarcRes.Status,
		Policy:      dmarcRes.Policy,
		Disposition: dmarcRes.Disposition,
		PolicyMap:   dmarcRes.Tags,
		AlignedSPF:  dmarcRes.AlignedSPFPass,
		AlignedDKIM: dmarcRes.AlignedDKIMPass,
		Details:     dmarcDetails(dmarcRes),
	}

	// A deadline hit mid-validation leaves temperror results that say more
	// about the caller than about the message.
	if err := ctx.Err(); err != nil {
		verdict.Overall = OverallError
		verdict.Error = fmt.Sprintf("validation abandoned: %v", err)
		return verdict
	}

	verdict.Overall = overall(verdict, v.config.StrictMode)
	return verdict
}

// ValidateAddr is Validate with the sender IP taken from a connection
// address.
func (v *Validator) ValidateAddr(ctx context.Context, msg Message, remote net.Addr) Verdict {
	ip, err := utils.GetIPFromAddr(remote)
	if err != nil {
		v.logger.Warn("no sender IP for validation",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
	}
	return v.Validate(ctx, msg, ip)
}

// overall combines the three outcomes. DMARC pass wins; in strict mode a
// DMARC fail loses; otherwise either SPF or DKIM passing is enough.
func overall(verdict Verdict, strict bool) Overall {
	switch {
	case verdict.DMARC.Status == dmarc.StatusPass:
		return OverallPass
	case strict && verdict.DMARC.Status == dmarc.StatusFail:
		return OverallFail
	case verdict.SPF.Status == spf.StatusPass || verdict.DKIM.Status == dkim.StatusPass:
		return OverallPass
	default:
		return OverallFail
	}
}

func dmarcDetails(r dmarc.Result) string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case r.Status == dmarc.StatusPass && r.AlignedDKIMPass:
		return "aligned DKIM pass"
	case r.Status == dmarc.StatusPass:
		return "aligned SPF pass"
	case r.Status == dmarc.StatusFail:
		return fmt.Sprintf("no aligned pass, policy %s", r.Policy)
	default:
		return string(r.Status)
	}
}

// finish logs, counts and stores a completed verdict.
func (v *Validator) finish(ctx context.Context, verdict Verdict) {
	metricVerdicts.WithLabelValues(string(verdict.Overall)).Inc()

	attrs := []any{
		slog.String("message_id", verdict.MessageID),
		slog.String("from", verdict.FromDomain()),
		slog.String("spf", string(verdict.SPF.Status)),
		slog.String("dkim", string(verdict.DKIM.Status)),
		slog.String("dmarc", string(verdict.DMARC.Status)),
		slog.String("overall", string(verdict.Overall)),
		slog.Duration("duration", verdict.Duration()),
	}
	if verdict.SenderIP != nil {
		attrs = append(attrs, slog.String("ip", verdict.SenderIP.String()))
	}
	if verdict.Overall == OverallError {
		v.logger.Error("validation failed", append(attrs, slog.String("error", verdict.Error))...)
	} else {
		v.logger.Info("message validated", attrs...)
	}

	if v.sink == nil {
		return
	}
	// The verdict is stored even when the caller's context is done.
	if err := v.sink.SaveVerdict(context.WithoutCancel(ctx), verdict.clone()); err != nil {
		v.logger.Warn("storing verdict",
			slog.String("message_id", verdict.MessageID),
			slog.Any("error", err),
		)
	}
}
