package dnsbl

import (
	"fmt"
	"net"
	"strings"
)

// DefaultLists returns the built-in block lists. Every call returns a new
// slice.
func DefaultLists() []List {
	return []List{
		{Hostname: "zen.spamhaus.org", DisplayName: "Spamhaus ZEN", Weight: 5, Active: true},
		{Hostname: "b.barracudacentral.org", DisplayName: "Barracuda", Weight: 4, Active: true},
		{Hostname: "bl.spamcop.net", DisplayName: "SpamCop", Weight: 3, Active: true},
		{Hostname: "dnsbl.sorbs.net", DisplayName: "SORBS", Weight: 2, Active: true},
		{Hostname: "psbl.surriel.com", DisplayName: "PSBL", Weight: 2, Active: true},
		{Hostname: "bl.mailspike.net", DisplayName: "Mailspike", Weight: 2, Active: true},
		{Hostname: "dnsbl-1.uceprotect.net", DisplayName: "UCEPROTECT Level 1", Weight: 1, Active: true},
	}
}

var spamhausCodes = map[string]string{
	"127.0.0.2":  "SBL: known spam source",
	"127.0.0.3":  "SBL CSS: snowshoe spam source",
	"127.0.0.4":  "XBL: exploited or infected host",
	"127.0.0.5":  "XBL: exploited or infected host",
	"127.0.0.6":  "XBL: exploited or infected host",
	"127.0.0.7":  "XBL: exploited or infected host",
	"127.0.0.9":  "SBL DROP: hijacked network",
	"127.0.0.10": "PBL: end-user address, ISP maintained",
	"127.0.0.11": "PBL: end-user address, Spamhaus maintained",
}

// Spamhaus signals problems with the query itself in 127.255.255.0/24.
var spamhausErrors = map[string]string{
	"127.255.255.252": "typing error in DNSBL name",
	"127.255.255.254": "query through public or open resolver",
	"127.255.255.255": "excessive number of queries",
}

var sorbsCodes = map[string]string{
	"127.0.0.2":  "open HTTP proxy",
	"127.0.0.3":  "open SOCKS proxy",
	"127.0.0.4":  "misc open proxy",
	"127.0.0.5":  "open SMTP relay",
	"127.0.0.6":  "spam source",
	"127.0.0.7":  "vulnerable web server",
	"127.0.0.8":  "hosts requesting not to be tested",
	"127.0.0.9":  "zombie network",
	"127.0.0.10": "dynamic IP address",
	"127.0.0.11": "bad DNS configuration",
	"127.0.0.12": "domain sends no mail",
	"127.0.0.14": "no server",
}

// describe explains the answer code of a list. A non-nil error means the
// answer is an error report from the list rather than a listing.
func describe(hostname string, code net.IP) (string, error) {
	s := code.String()
	switch {
	case strings.HasSuffix(hostname, "spamhaus.org"):
		if reason, ok := spamhausErrors[s]; ok {
			return "", fmt.Errorf("%w: %s (%s)", ErrListError, reason, s)
		}
		if v4 := code.To4(); v4 != nil && v4[0] == 127 && v4[1] == 255 && v4[2] == 255 {
			return "", fmt.Errorf("%w: %s", ErrListError, s)
		}
		if d, ok := spamhausCodes[s]; ok {
			return d, nil
		}
	case strings.HasSuffix(hostname, "sorbs.net"):
		if d, ok := sorbsCodes[s]; ok {
			return d, nil
		}
	}
	return "listed (" + s + ")", nil
}
