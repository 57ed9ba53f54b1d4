package dmarc

import (
	"context"
	"fmt"

	"github.com/synqronlabs/mailguard/dns"
)

// Lookup finds the DMARC record of domain, falling back to its
// organizational domain when domain itself publishes none. It returns the
// domain the record was found at and the raw TXT string, which is also set
// for a malformed record. authentic is true only when every answer used was
// DNSSEC-validated.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (status Status, dmarcDomain string, record *Record, txt string, authentic bool, err error) {
	return lookup(ctx, resolver, domain, ParseRecord)
}

// LookupFallback is Lookup with records parsed by ParseRecordFallback.
func LookupFallback(ctx context.Context, resolver dns.Resolver, domain string) (status Status, dmarcDomain string, record *Record, txt string, authentic bool, err error) {
	return lookup(ctx, resolver, domain, ParseRecordFallback)
}

type parseFunc func(s string) (*Record, bool, error)

func lookup(ctx context.Context, resolver dns.Resolver, domain string, parse parseFunc) (status Status, dmarcDomain string, record *Record, txt string, authentic bool, err error) {
	domain = normalizeDomain(domain)
	status, record, txt, authentic, err = lookupPolicy(ctx, resolver, domain, parse)
	if status != StatusNone || record != nil {
		return status, domain, record, txt, authentic, err
	}

	org := OrganizationalDomain(domain)
	if org == domain {
		return status, domain, nil, txt, authentic, err
	}
	status, record, txt, orgAuthentic, err := lookupPolicy(ctx, resolver, org, parse)
	return status, org, record, txt, authentic && orgAuthentic, err
}

func lookupPolicy(ctx context.Context, resolver dns.Resolver, domain string, parse parseFunc) (Status, *Record, string, bool, error) {
	result, err := resolver.LookupTXT(ctx, "_dmarc."+domain+".")
	if err != nil {
		if dns.IsNotFound(err) {
			return StatusNone, nil, "", result.Authentic, ErrNoRecord
		}
		return StatusTemperror, nil, "", result.Authentic, fmt.Errorf("%w: %v", ErrDNS, err)
	}

	var record *Record
	var txt string
	for _, s := range result.Records {
		r, isDMARC, err := parse(s)
		switch {
		case !isDMARC:
			continue
		case err != nil:
			return StatusPermerror, nil, s, result.Authentic, err
		case record != nil:
			return StatusNone, nil, "", result.Authentic, ErrMultipleRecords
		}
		record, txt = r, s
	}
	if record == nil {
		return StatusNone, nil, "", result.Authentic, ErrNoRecord
	}
	return StatusNone, record, txt, result.Authentic, nil
}

// LookupExternalReportsAccepted reports whether extDomain agreed to receive
// reports about dmarcDomain by publishing a record at
// <dmarcDomain>._report._dmarc.<extDomain> (RFC 7489 section 7.1). Unlike
// policy records, several records may be published there.
func LookupExternalReportsAccepted(ctx context.Context, resolver dns.Resolver, dmarcDomain, extDomain string) (bool, Status, error) {
	name := normalizeDomain(dmarcDomain) + "._report._dmarc." + normalizeDomain(extDomain) + "."
	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return false, StatusNone, ErrNoRecord
		}
		return false, StatusTemperror, fmt.Errorf("%w: %v", ErrDNS, err)
	}

	accepts := false
	for _, s := range result.Records {
		_, isDMARC, err := parseRecord(s, reportRecord)
		if !isDMARC {
			continue
		}
		if err != nil {
			return false, StatusPermerror, err
		}
		accepts = true
	}
	if !accepts {
		return false, StatusNone, ErrNoRecord
	}
	return true, StatusNone, nil
}
