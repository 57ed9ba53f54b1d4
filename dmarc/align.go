package dmarc

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// OrganizationalDomain returns the registered domain of domain according to
// the public suffix list, e.g. example.co.uk for mail.example.co.uk. A name
// without a known suffix, such as localhost, is returned as is.
func OrganizationalDomain(domain string) string {
	domain = normalizeDomain(domain)
	if domain == "" {
		return ""
	}
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return org
}

// DomainsAligned reports whether a and b align under mode.
func DomainsAligned(a, b string, mode Align) bool {
	a, b = normalizeDomain(a), normalizeDomain(b)
	if mode == AlignStrict {
		return a == b
	}
	return OrganizationalDomain(a) == OrganizationalDomain(b)
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}
