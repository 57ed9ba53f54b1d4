package dmarc

import (
	"context"
	"log/slog"

	"github.com/synqronlabs/mailguard/dkim"
	"github.com/synqronlabs/mailguard/dns"
	"github.com/synqronlabs/mailguard/spf"
	"github.com/synqronlabs/mailguard/utils"
)

// Evaluator applies DMARC policy to the SPF and DKIM outcomes of a message.
type Evaluator struct {
	Resolver dns.Resolver

	// MalformedAsPermerror reports a published but malformed record as
	// StatusPermerror. By default such a domain is treated as having no
	// DMARC policy and the result is StatusNone.
	MalformedAsPermerror bool

	// RUAFallback accepts a record without a usable policy but with rua=
	// as p=none instead of treating it as malformed.
	RUAFallback bool

	Logger *slog.Logger
}

// NewEvaluator returns an Evaluator using resolver.
func NewEvaluator(resolver dns.Resolver, logger *slog.Logger) *Evaluator {
	return &Evaluator{Resolver: resolver, Logger: logger}
}

// Evaluate resolves the DMARC policy of the domain of fromAddress and
// checks identifier alignment against spfResult and dkimResult. The pct=
// tag is reported in Record but never samples the disposition.
func (e *Evaluator) Evaluate(ctx context.Context, fromAddress string, spfResult spf.Result, dkimResult dkim.Summary) Result {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fromDomain := utils.DomainFromAddress(fromAddress)
	if fromDomain == "" {
		return Result{Status: StatusNone, Disposition: PolicyNone, Err: ErrNoRecord}
	}

	res := e.evaluate(ctx, fromDomain, spfResult, dkimResult.Results)
	if res.Status == StatusPermerror && !e.MalformedAsPermerror {
		res.Status = StatusNone
	}

	logger.Debug("dmarc evaluated",
		slog.String("domain", fromDomain),
		slog.String("record_domain", res.Domain),
		slog.String("status", string(res.Status)),
		slog.String("policy", string(res.Policy)),
		slog.String("disposition", string(res.Disposition)),
	)
	return res
}

func (e *Evaluator) evaluate(ctx context.Context, fromDomain string, spfResult spf.Result, dkimResults []dkim.Result) Result {
	parse := ParseRecord
	if e.RUAFallback {
		parse = ParseRecordFallback
	}
	status, dmarcDomain, record, txt, authentic, err := lookup(ctx, e.Resolver, fromDomain, parse)
	res := Result{
		Status:          status,
		Disposition:     PolicyNone,
		Domain:          dmarcDomain,
		Record:          record,
		RecordAuthentic: authentic,
		Err:             err,
	}
	if txt != "" {
		res.Tags = ParseTags(txt)
	}
	if record == nil {
		return res
	}
	res.Policy = record.EffectivePolicy(dmarcDomain != fromDomain)

	if spfResult.Status == spf.StatusPass && spfResult.Domain != "" {
		res.AlignedSPFPass = DomainsAligned(fromDomain, spfResult.Domain, record.ASPF)
	}

	temporary := spfResult.Status == spf.StatusTemperror
	fromOrg := OrganizationalDomain(fromDomain)
	for _, r := range dkimResults {
		if r.Status == dkim.StatusTemperror {
			temporary = true
			continue
		}
		if r.Status != dkim.StatusPass || r.Signature == nil {
			continue
		}
		// A signature by a public suffix never aligns.
		d := r.Signature.Domain
		if OrganizationalDomain(d) == fromOrg && DomainsAligned(fromDomain, d, record.ADKIM) {
			res.AlignedDKIMPass = true
			break
		}
	}

	switch {
	case res.AlignedSPFPass || res.AlignedDKIMPass:
		res.Status = StatusPass
	case temporary:
		res.Status = StatusTemperror
	default:
		res.Status = StatusFail
		res.Disposition = res.Policy
	}
	return res
}
