package spf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/synqronlabs/mailguard/dns"
	"github.com/synqronlabs/mailguard/utils"
)

// SPF evaluation errors.
var (
	ErrNoRecord           = errors.New("spf: no SPF record found")
	ErrTooManyDNSRequests = errors.New("spf: exceeded maximum DNS lookups")
	ErrTooManyVoidLookups = errors.New("spf: exceeded maximum void lookups")
	ErrInvalidDomain      = errors.New("spf: invalid domain name")
	ErrMacroUnsupported   = errors.New("spf: macro expansion not supported")
	ErrIncludeLoop        = errors.New("spf: include loop")
	ErrDepthExceeded      = errors.New("spf: include depth exceeded")
)

// Processing limits of RFC 7208 section 4.6.4.
const (
	dnsRequestsMax = 10 // include, a, mx, ptr, exists and redirect terms
	voidLookupsMax = 2  // lookups answering NXDOMAIN or no records
	mxPtrLimit     = 10 // names used per mx or ptr term

	// DefaultMaxDepth bounds nested include and redirect evaluation.
	DefaultMaxDepth = 10
)

// Status is the result of an SPF check.
type Status string

// Results of RFC 7208 section 2.6. Pass, neutral, softfail and fail come
// from the qualifier of the matching directive.
const (
	StatusNone      Status = "none"
	StatusNeutral   Status = "neutral"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusSoftfail  Status = "softfail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

var qualifierStatus = map[string]Status{
	"":  StatusPass,
	"+": StatusPass,
	"?": StatusNeutral,
	"-": StatusFail,
	"~": StatusSoftfail,
}

// Result is the outcome of one SPF evaluation.
type Result struct {
	Status Status

	// Domain is the domain whose policy was evaluated.
	Domain string

	// Record is the raw TXT policy of Domain, if one was found.
	Record string

	// Mechanism is the directive that decided the result, or "default".
	Mechanism string

	// Details is a short human-readable explanation.
	Details string

	// Authentic is true when all answers were DNSSEC-validated.
	Authentic bool

	// Err is the underlying cause for temperror and permerror results.
	Err error
}

// Checker evaluates SPF policies.
type Checker struct {
	Resolver dns.Resolver

	// MaxDepth bounds include/redirect nesting. Zero means DefaultMaxDepth.
	MaxDepth int

	Logger *slog.Logger
}

// NewChecker returns a Checker using resolver.
func NewChecker(resolver dns.Resolver, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{Resolver: resolver, MaxDepth: DefaultMaxDepth, Logger: logger}
}

// evaluation is the state of one Check, shared by nested include and
// redirect evaluations.
type evaluation struct {
	resolver    dns.Resolver
	ip          net.IP
	remote      netip.Addr
	maxDepth    int
	dnsRequests int
	voidLookups int
	authentic   bool

	// chain holds the domains of the current include/redirect path.
	chain map[string]bool
}

// Check evaluates the SPF policy of the domain of fromAddress for ip.
// An address without "@" is treated as a bare domain.
func (c *Checker) Check(ctx context.Context, fromAddress string, ip net.IP) Result {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	domain := utils.DomainFromAddress(fromAddress)
	if domain == "" {
		return Result{Status: StatusNone, Mechanism: "default", Details: "no domain to check"}
	}
	if ip == nil {
		return Result{Status: StatusNone, Domain: domain, Mechanism: "default", Details: "no sender IP"}
	}

	maxDepth := c.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	remote, _ := netip.AddrFromSlice(ip)
	e := &evaluation{
		resolver:  c.Resolver,
		ip:        ip,
		remote:    remote.Unmap(),
		maxDepth:  maxDepth,
		authentic: true,
		chain:     make(map[string]bool),
	}

	status, mechanism, txt, err := e.checkHost(ctx, domain, 0)
	res := Result{
		Status:    status,
		Domain:    domain,
		Record:    txt,
		Mechanism: mechanism,
		Authentic: e.authentic,
		Err:       err,
	}
	switch {
	case err != nil:
		res.Details = err.Error()
	case mechanism == "default":
		res.Details = fmt.Sprintf("no mechanism matched %s in %s", ip, domain)
	default:
		res.Details = fmt.Sprintf("%s matched %s in %s", mechanism, ip, domain)
	}

	logger.Debug("spf evaluated",
		slog.String("domain", domain),
		slog.String("ip", ip.String()),
		slog.String("status", string(status)),
		slog.String("mechanism", mechanism),
	)
	return res
}

// Lookup looks up and parses the SPF TXT record for a domain.
//
// The first TXT record starting with "v=spf1" is used. A missing record
// yields StatusNone with ErrNoRecord, a malformed one StatusPermerror and a
// resolution failure StatusTemperror.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (status Status, txt string, record *Record, authentic bool, err error) {
	if err := validateDomain(domain); err != nil {
		return StatusNone, "", nil, false, fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}

	result, err := resolver.LookupTXT(ctx, domain+".")
	if dns.IsNotFound(err) {
		return StatusNone, "", nil, result.Authentic, ErrNoRecord
	}
	if err != nil {
		return StatusTemperror, "", nil, result.Authentic, fmt.Errorf("looking up SPF record for %s: %w", domain, err)
	}

	for _, txt := range result.Records {
		r, isSPF, parseErr := ParseRecord(txt)
		if !isSPF {
			continue
		}
		if parseErr != nil {
			return StatusPermerror, txt, nil, result.Authentic, parseErr
		}
		return StatusNone, txt, r, result.Authentic, nil
	}
	return StatusNone, "", nil, result.Authentic, ErrNoRecord
}

// checkHost looks up the policy of domain and evaluates it.
func (e *evaluation) checkHost(ctx context.Context, domain string, depth int) (status Status, mechanism, txt string, err error) {
	if depth > e.maxDepth {
		return StatusPermerror, "", "", fmt.Errorf("%w at %s", ErrDepthExceeded, domain)
	}
	key := strings.ToLower(domain)
	if e.chain[key] {
		return StatusPermerror, "", "", fmt.Errorf("%w: %s", ErrIncludeLoop, domain)
	}
	e.chain[key] = true
	defer delete(e.chain, key)

	status, txt, record, authentic, err := Lookup(ctx, e.resolver, domain)
	e.authentic = e.authentic && authentic
	if errors.Is(err, ErrNoRecord) {
		return StatusNone, "default", "", nil
	}
	if err != nil {
		return status, "", txt, err
	}
	status, mechanism, err = e.evaluate(ctx, domain, record, depth)
	return status, mechanism, txt, err
}

// evaluate runs the directives of record left to right. The first match
// decides; without one, redirect= is followed, else the result is neutral.
func (e *evaluation) evaluate(ctx context.Context, domain string, record *Record, depth int) (Status, string, error) {
	for _, d := range record.Directives {
		match, status, err := e.match(ctx, d, domain, depth)
		if err != nil {
			return status, d.String(), err
		}
		if match {
			return qualifierStatus[d.Qualifier], d.String(), nil
		}
	}

	if record.Redirect == "" {
		return StatusNeutral, "default", nil
	}
	if err := e.countRequest(); err != nil {
		return StatusPermerror, "redirect", err
	}
	name, err := targetDomain(record.Redirect, domain)
	if err != nil {
		return StatusPermerror, "redirect", err
	}
	status, mechanism, _, err := e.checkHost(ctx, name, depth+1)
	if status == StatusNone {
		return StatusPermerror, "redirect=" + name, fmt.Errorf("redirect %q: %w", name, ErrNoRecord)
	}
	return status, mechanism, err
}

// match reports whether d matches the sender. On error, status is the
// result the evaluation ends with.
func (e *evaluation) match(ctx context.Context, d Directive, domain string, depth int) (bool, Status, error) {
	switch d.Mechanism {
	case "all":
		return true, "", nil
	case "ip4", "ip6":
		return d.Prefix.Contains(e.remote), "", nil
	}

	if err := e.countRequest(); err != nil {
		return false, StatusPermerror, err
	}
	target, err := targetDomain(d.DomainSpec, domain)
	if err != nil {
		return false, StatusPermerror, err
	}

	var match bool
	switch d.Mechanism {
	case "include":
		return e.include(ctx, target, depth)
	case "a":
		match, err = e.hostMatches(ctx, target, d)
	case "mx":
		match, err = e.mxMatches(ctx, target, d)
	case "ptr":
		match, err = e.ptrMatches(ctx, target)
	case "exists":
		var result dns.Result[net.IP]
		result, err = e.resolver.LookupA(ctx, target+".")
		err = e.observe(result.Authentic, err)
		match = len(result.Records) > 0
	default:
		return false, StatusPermerror, fmt.Errorf("%w: %s", ErrInvalidMechanism, d.Mechanism)
	}
	if err != nil {
		return false, errorStatus(err), err
	}
	return match, "", nil
}

// include matches when the policy of target passes. Any other result but
// fail, softfail and neutral ends the evaluation with an error.
func (e *evaluation) include(ctx context.Context, target string, depth int) (bool, Status, error) {
	status, _, _, err := e.checkHost(ctx, target, depth+1)
	switch status {
	case StatusPass:
		return true, "", nil
	case StatusTemperror, StatusPermerror:
		return false, status, fmt.Errorf("include %q: %w", target, err)
	case StatusNone:
		return false, StatusPermerror, fmt.Errorf("include %q: %w", target, ErrNoRecord)
	}
	return false, "", nil
}

// hostMatches reports whether an address of host, widened to the
// dual-cidr-length of d, contains the sender.
func (e *evaluation) hostMatches(ctx context.Context, host string, d Directive) (bool, error) {
	result, err := e.resolver.LookupIP(ctx, host+".")
	if err := e.observe(result.Authentic, err); err != nil {
		return false, err
	}
	for _, ip := range result.Records {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		bits := d.IP6Len
		if addr.Is4() {
			bits = d.IP4Len
		}
		if network, err := addr.Prefix(bits); err == nil && network.Contains(e.remote) {
			return true, nil
		}
	}
	return false, nil
}

func (e *evaluation) mxMatches(ctx context.Context, host string, d Directive) (bool, error) {
	result, err := e.resolver.LookupMX(ctx, host+".")
	if err := e.observe(result.Authentic, err); err != nil {
		return false, err
	}
	// A single "." exchange is a null MX (RFC 7505).
	if len(result.Records) == 1 && result.Records[0].Host == "." {
		return false, nil
	}
	for i, mx := range result.Records {
		if i >= mxPtrLimit {
			return false, ErrTooManyDNSRequests
		}
		name := strings.TrimSuffix(mx.Host, ".")
		if name == "" {
			continue
		}
		if match, err := e.hostMatches(ctx, name, d); err != nil || match {
			return match, err
		}
	}
	return false, nil
}

// ptrMatches validates the PTR names of the sender that are target or a
// subdomain of it: one of them must resolve back to the sender.
func (e *evaluation) ptrMatches(ctx context.Context, target string) (bool, error) {
	result, err := e.resolver.LookupAddr(ctx, e.ip)
	if err := e.observe(result.Authentic, err); err != nil {
		return false, err
	}
	target = strings.ToLower(target)
	checked := 0
	for _, name := range result.Records {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		if name == "" || name != target && !strings.HasSuffix(name, "."+target) {
			continue
		}
		if checked == mxPtrLimit {
			break
		}
		checked++

		// Lookup errors only disqualify this name.
		ips, _ := e.resolver.LookupIP(ctx, name+".")
		e.authentic = e.authentic && ips.Authentic
		for _, ip := range ips.Records {
			if ip.Equal(e.ip) {
				return true, nil
			}
		}
	}
	return false, nil
}

// observe folds the authenticity of an answer into the evaluation, counts
// void lookups and drops not-found errors.
func (e *evaluation) observe(authentic bool, err error) error {
	e.authentic = e.authentic && authentic
	if !dns.IsNotFound(err) {
		return err
	}
	e.voidLookups++
	if e.voidLookups > voidLookupsMax {
		return ErrTooManyVoidLookups
	}
	return nil
}

func (e *evaluation) countRequest() error {
	if e.dnsRequests >= dnsRequestsMax {
		return ErrTooManyDNSRequests
	}
	e.dnsRequests++
	return nil
}

// targetDomain returns the domain-spec of a term, or current when it has
// none.
func targetDomain(spec, current string) (string, error) {
	if spec == "" {
		return current, nil
	}
	if strings.Contains(spec, "%") {
		return "", fmt.Errorf("%w: %q", ErrMacroUnsupported, spec)
	}
	name := strings.ToLower(strings.TrimSuffix(spec, "."))
	if err := validateDomain(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	return name, nil
}

// errorStatus is permerror for processing limit violations and temperror
// for everything else.
func errorStatus(err error) Status {
	if errors.Is(err, ErrTooManyVoidLookups) || errors.Is(err, ErrTooManyDNSRequests) {
		return StatusPermerror
	}
	return StatusTemperror
}

func validateDomain(s string) error {
	switch {
	case s == "":
		return errors.New("empty domain")
	case len(s) > 253:
		return fmt.Errorf("%d characters exceed 253", len(s))
	}
	for label := range strings.SplitSeq(s, ".") {
		if len(label) > 63 {
			return fmt.Errorf("label %.20q... exceeds 63 characters", label)
		}
	}
	return nil
}
