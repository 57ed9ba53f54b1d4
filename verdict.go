package mailguard

import (
	"maps"
	"net"
	"time"

	"github.com/emersion/go-msgauth/authres"

	"github.com/synqronlabs/mailguard/dkim"
	"github.com/synqronlabs/mailguard/dmarc"
	"github.com/synqronlabs/mailguard/spf"
	"github.com/synqronlabs/mailguard/utils"
)

// Overall is the combined verdict of a validation.
type Overall string

const (
	OverallPass     Overall = "PASS"
	OverallFail     Overall = "FAIL"
	OverallError    Overall = "ERROR"
	OverallDisabled Overall = "DISABLED"
)

// SPFOutcome is the SPF part of a verdict.
type SPFOutcome struct {
	Status  spf.Status
	Domain  string
	Record  string
	Details string
}

// DKIMOutcome is the DKIM part of a verdict.
type DKIMOutcome struct {
	Status   dkim.Status
	Domain   string
	Selector string
	Details  string
}

// DMARCOutcome is the DMARC part of a verdict.
type DMARCOutcome struct {
	Status dmarc.Status

	// Policy is the policy applying to the From domain (p, or sp for a
	// subdomain).
	Policy      dmarc.Policy
	Disposition dmarc.Policy

	// PolicyMap holds the raw tags of the published record.
	PolicyMap map[string]string

	AlignedSPF  bool
	AlignedDKIM bool
	Details     string
}

// Verdict is the result of validating one message. A Verdict is built once
// by Validator.Validate and not changed afterwards.
type Verdict struct {
	MessageID string
	SenderIP  net.IP
	From      string
	MailFrom  string

	SPF   SPFOutcome
	DKIM  DKIMOutcome
	DMARC DMARCOutcome

	Overall Overall

	// Error is set when Overall is OverallError.
	Error string

	ReceivedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// FromDomain returns the domain of the From address.
func (v Verdict) FromDomain() string {
	return utils.DomainFromAddress(v.From)
}

// Duration is the time spent validating.
func (v Verdict) Duration() time.Duration {
	return v.FinishedAt.Sub(v.StartedAt)
}

// AuthenticationResults renders the verdict as the value of an
// Authentication-Results header (RFC 8601) for hostname. Disabled and
// errored verdicts render with "none" for every method.
func (v Verdict) AuthenticationResults(hostname string) string {
	if v.Overall == OverallDisabled || v.Overall == OverallError {
		return authres.Format(hostname, nil)
	}

	spfFrom := v.MailFrom
	if spfFrom == "" {
		spfFrom = v.From
	}
	results := []authres.Result{
		&authres.SPFResult{
			Value: authres.ResultValue(v.SPF.Status),
			From:  utils.DomainFromAddress(spfFrom),
		},
		&authres.DKIMResult{
			Value:  dkimResultValue(v.DKIM.Status),
			Domain: v.DKIM.Domain,
		},
		&authres.DMARCResult{
			Value: authres.ResultValue(v.DMARC.Status),
			From:  v.FromDomain(),
		},
	}
	return authres.Format(hostname, results)
}

// dkimResultValue maps a DKIM status to its RFC 8601 value. An invalid
// signature is reported as permerror.
func dkimResultValue(s dkim.Status) authres.ResultValue {
	if s == dkim.StatusInvalid {
		return authres.ResultPermError
	}
	return authres.ResultValue(s)
}

// clone returns v with its maps copied, so verdicts handed to sinks do not
// share state with the caller's copy.
func (v Verdict) clone() Verdict {
	if v.DMARC.PolicyMap != nil {
		v.DMARC.PolicyMap = maps.Clone(v.DMARC.PolicyMap)
	}
	if v.SenderIP != nil {
		v.SenderIP = append(net.IP(nil), v.SenderIP...)
	}
	return v
}
