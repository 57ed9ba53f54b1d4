package dmarc

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URI is a report destination from rua= or ruf=, with its optional size
// limit.
type URI struct {
	Address string // e.g. mailto:dmarc@example.com
	MaxSize uint64
	Unit    string // "", "k", "m", "g" or "t"
}

// Record is a DMARC policy record published at _dmarc.<domain>.
type Record struct {
	Version         string
	Policy          Policy // p=
	SubdomainPolicy Policy // sp=, PolicyEmpty when absent

	AggregateReportAddresses []URI // rua=
	FailureReportAddresses   []URI // ruf=

	ADKIM Align
	ASPF  Align

	AggregateReportingInterval int      // ri=, seconds
	FailureReportingOptions    []string // fo=
	ReportingFormat            []string // rf=
	Percentage                 int      // pct=
}

// DefaultRecord holds the values of tags a record leaves out.
var DefaultRecord = Record{
	Version:                    "DMARC1",
	ADKIM:                      AlignRelaxed,
	ASPF:                       AlignRelaxed,
	AggregateReportingInterval: 86400,
	FailureReportingOptions:    []string{"0"},
	ReportingFormat:            []string{"afrf"},
	Percentage:                 100,
}

// EffectivePolicy returns sp= for a subdomain of the record domain when it
// is set, and p= otherwise.
func (r *Record) EffectivePolicy(isSubdomain bool) Policy {
	if isSubdomain && r.SubdomainPolicy != PolicyEmpty {
		return r.SubdomainPolicy
	}
	return r.Policy
}

// ParseRecord parses a DMARC policy record. isDMARC reports whether s
// starts with "v=DMARC1;": TXT strings for which it is false belong to
// something else and should be skipped. Case-insensitive values are
// returned in lower case. A record without p= is malformed.
func ParseRecord(s string) (record *Record, isDMARC bool, err error) {
	return parseRecord(s, policyRequired)
}

// ParseRecordFallback is ParseRecord, except that a record without a usable
// policy but with an aggregate report address is accepted as p=none
// (RFC 7489 section 6.6.3).
func ParseRecordFallback(s string) (record *Record, isDMARC bool, err error) {
	return parseRecord(s, policyFallback)
}

type parseMode int

const (
	policyRequired parseMode = iota
	policyFallback
	// reportRecord accepts the bare records published at
	// <domain>._report._dmarc.<receiver>, "v=DMARC1" included.
	reportRecord
)

func parseRecord(s string, mode parseMode) (*Record, bool, error) {
	version, rest, found := strings.Cut(s, ";")
	name, value, _ := strings.Cut(version, "=")
	if !strings.EqualFold(trimWSP(name), "v") || trimWSP(value) != "DMARC1" || !found && mode != reportRecord {
		return nil, false, fmt.Errorf("%w: must start with v=DMARC1;", ErrSyntax)
	}

	r := DefaultRecord
	seen := make(map[string]bool)
	elems := strings.Split(rest, ";")
	for i, elem := range elems {
		elem = trimWSP(elem)
		if elem == "" {
			if i == len(elems)-1 {
				break
			}
			return nil, true, fmt.Errorf("%w: empty tag", ErrSyntax)
		}
		name, value, ok := strings.Cut(elem, "=")
		name = strings.ToLower(trimWSP(name))
		if !ok || !isAlphaDigits(name) {
			return nil, true, fmt.Errorf("%w: malformed tag %q", ErrSyntax, elem)
		}
		if seen[name] {
			return nil, true, fmt.Errorf("%w: duplicate tag %s", ErrSyntax, name)
		}
		seen[name] = true
		if err := r.setTag(name, trimWSP(value), len(seen)); err != nil {
			return nil, true, fmt.Errorf("%w: %s=: %v", ErrSyntax, name, err)
		}
	}

	if mode == reportRecord {
		return &r, true, nil
	}
	switch r.SubdomainPolicy {
	case PolicyEmpty, PolicyNone, PolicyQuarantine, PolicyReject:
		if seen["p"] {
			return &r, true, nil
		}
	}
	if mode != policyFallback {
		if !seen["p"] {
			return nil, true, fmt.Errorf("%w: missing p=", ErrSyntax)
		}
		return nil, true, fmt.Errorf("%w: sp=: invalid policy %q", ErrSyntax, r.SubdomainPolicy)
	}
	if len(r.AggregateReportAddresses) == 0 {
		return nil, true, fmt.Errorf("%w: no valid policy and no aggregate report address", ErrSyntax)
	}
	r.Policy = PolicyNone
	r.SubdomainPolicy = PolicyEmpty
	return &r, true, nil
}

// setTag applies one tag. position counts the tags after v=, starting at 1.
func (r *Record) setTag(name, value string, position int) error {
	var err error
	switch name {
	case "p":
		if position != 1 {
			return errors.New("must directly follow v=")
		}
		switch p := Policy(strings.ToLower(value)); p {
		case PolicyNone, PolicyQuarantine, PolicyReject:
			r.Policy = p
		default:
			return fmt.Errorf("unknown policy %q", value)
		}
	case "sp":
		// Unknown values are checked once all tags are known, since rua=
		// decides whether they are fatal.
		if !isKeyword(value) {
			return fmt.Errorf("invalid policy %q", value)
		}
		r.SubdomainPolicy = Policy(strings.ToLower(value))
	case "rua":
		r.AggregateReportAddresses, err = parseURIs(value)
	case "ruf":
		r.FailureReportAddresses, err = parseURIs(value)
	case "adkim":
		r.ADKIM, err = parseAlign(value)
	case "aspf":
		r.ASPF, err = parseAlign(value)
	case "ri":
		r.AggregateReportingInterval, err = parseNumber(value)
	case "fo":
		r.FailureReportingOptions, err = parseList(value, func(s string) bool {
			return s == "0" || s == "1" || s == "d" || s == "s"
		})
	case "rf":
		r.ReportingFormat, err = parseList(value, isKeyword)
	case "pct":
		r.Percentage, err = parseNumber(value)
		if err == nil && r.Percentage > 100 {
			err = fmt.Errorf("%d exceeds 100", r.Percentage)
		}
	}
	return err
}

func parseAlign(s string) (Align, error) {
	switch a := Align(strings.ToLower(s)); a {
	case AlignRelaxed, AlignStrict:
		return a, nil
	}
	return "", fmt.Errorf("unknown alignment %q", s)
}

func parseNumber(s string) (int, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return strconv.Atoi(s)
}

// parseList splits a colon separated value and lower-cases each element.
func parseList(s string, valid func(string) bool) ([]string, error) {
	var out []string
	for _, e := range strings.Split(s, ":") {
		e = strings.ToLower(trimWSP(e))
		if !valid(e) {
			return nil, fmt.Errorf("invalid value %q", e)
		}
		out = append(out, e)
	}
	return out, nil
}

// parseURIs parses a comma separated list of report URIs, each optionally
// followed by "!" and a size with a k, m, g or t unit.
func parseURIs(s string) ([]URI, error) {
	var uris []URI
	for _, e := range strings.Split(s, ",") {
		e = trimWSP(e)
		if e == "" || strings.ContainsAny(e, " \t") {
			return nil, fmt.Errorf("invalid uri %q", e)
		}
		addr, size, hasSize := strings.Cut(e, "!")
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing uri %q: %v", addr, err)
		}
		if u.Scheme == "" {
			return nil, fmt.Errorf("uri %q has no scheme", addr)
		}
		uri := URI{Address: addr}
		if hasSize {
			if n := len(size); n > 0 && strings.ContainsRune("kmgtKMGT", rune(size[n-1])) {
				uri.Unit = strings.ToLower(size[n-1:])
				size = size[:n-1]
			}
			if uri.MaxSize, err = strconv.ParseUint(size, 10, 64); err != nil {
				return nil, fmt.Errorf("size of uri %q: %v", addr, err)
			}
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

// isKeyword reports whether s is letters and digits, with single dashes
// between them.
func isKeyword(s string) bool {
	if s == "" || s[0] == '-' || s[len(s)-1] == '-' || strings.Contains(s, "--") {
		return false
	}
	return isAlphaDigits(strings.ReplaceAll(s, "-", ""))
}

func isAlphaDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range []byte(s) {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

func trimWSP(s string) string {
	return strings.Trim(s, " \t")
}

// ParseTags splits a record into its raw tag=value pairs. Names are
// lower-cased, values kept as published. Parts without "=" are ignored and
// the first of a repeated tag wins.
func ParseTags(s string) map[string]string {
	tags := make(map[string]string)
	for part := range strings.SplitSeq(s, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := tags[k]; !dup {
			tags[k] = strings.TrimSpace(v)
		}
	}
	return tags
}
