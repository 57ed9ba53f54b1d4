// Package dns provides the resolver abstraction shared by the SPF, DKIM,
// DMARC and DNSBL evaluators.
//
// All evaluators talk to DNS through the Resolver interface so they can be
// tested with fixed fixtures (MockResolver) and run against a miekg/dns
// backed resolver (DNSResolver), optionally behind a Redis cache
// (CachingResolver).
//
// Names passed to a Resolver may be given with or without the trailing dot.
// A lookup that yields no records returns ErrDNSNotFound, never an empty
// successful Result.
package dns

import (
	"context"
	"errors"
	"net"
)

// DNS resolution errors.
var (
	// ErrDNSNotFound is returned for NXDOMAIN and for empty answers.
	ErrDNSNotFound = errors.New("dns: name not found")

	// ErrDNSTimeout is returned when no server answered within the timeout.
	ErrDNSTimeout = errors.New("dns: query timed out")

	// ErrDNSServFail is returned when the server reported SERVFAIL.
	ErrDNSServFail = errors.New("dns: server failure")

	// ErrDNSRefused is returned when the server refused the query.
	ErrDNSRefused = errors.New("dns: query refused")

	// ErrDNSBogus is returned when DNSSEC validation failed upstream.
	ErrDNSBogus = errors.New("dns: DNSSEC validation failed")
)

// Result holds the records of a lookup and whether the answer was
// DNSSEC-authenticated.
type Result[T any] struct {
	Records   []T
	Authentic bool
}

// Resolver is the lookup surface used by the evaluators.
type Resolver interface {
	// LookupTXT returns TXT records with multi-string records joined.
	LookupTXT(ctx context.Context, name string) (Result[string], error)

	// LookupA returns IPv4 addresses only. DNSBL queries use this.
	LookupA(ctx context.Context, name string) (Result[net.IP], error)

	// LookupIP returns both IPv4 and IPv6 addresses.
	LookupIP(ctx context.Context, name string) (Result[net.IP], error)

	// LookupMX returns MX records.
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)

	// LookupAddr returns PTR names for ip, with trailing dots.
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}

// IsNotFound reports whether err means the name or records do not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err is a query timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsServFail reports whether err is a SERVFAIL answer.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary reports whether a retry of the same query could succeed.
func IsTemporary(err error) bool {
	return IsTimeout(err) || IsServFail(err) || errors.Is(err, ErrDNSRefused)
}

// ensureAbsolute ensures the domain name ends with a dot (FQDN format).
func ensureAbsolute(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}
