package utils

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ErrInvalidIPv4 is returned for input that is not a dotted-quad IPv4 address.
var ErrInvalidIPv4 = errors.New("invalid IPv4 address")

// GetIPFromAddr returns the IP of a connection address. Address types
// other than TCP, UDP and IP are parsed from their string form, with or
// without a port.
func GetIPFromAddr(addr net.Addr) (net.IP, error) {
	switch a := addr.(type) {
	case nil:
		return nil, errors.New("nil address")
	case *net.TCPAddr:
		return a.IP, nil
	case *net.UDPAddr:
		return a.IP, nil
	case *net.IPAddr:
		return a.IP, nil
	}
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	return nil, fmt.Errorf("no IP in address %q", addr.String())
}

// DomainFromAddress returns the lower-cased domain of an address.
//
// The domain is everything after the last "@". Input without "@" is taken
// to be a bare domain. Display names and angle brackets are stripped, so
// "Alice <alice@Example.COM>" yields "example.com".
func DomainFromAddress(address string) string {
	s := strings.TrimSpace(address)
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		s = s[i+1:]
		if j := strings.IndexByte(s, '>'); j >= 0 {
			s = s[:j]
		}
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.Trim(s, " \t<>")
	s = strings.TrimSuffix(s, ".")
	return strings.ToLower(s)
}

// ParseIPv4 parses a strict dotted-quad IPv4 address.
// IPv6 and IPv4-mapped IPv6 forms are rejected.
func ParseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidIPv4, s)
	}
	return addr, nil
}

// ReverseIPv4 returns the octets of an IPv4 address in reverse order,
// "192.0.2.1" becoming "1.2.0.192", as used for DNSBL queries.
func ReverseIPv4(s string) (string, error) {
	addr, err := ParseIPv4(s)
	if err != nil {
		return "", err
	}
	b := addr.As4()
	return fmt.Sprintf("%d.%d.%d.%d", b[3], b[2], b[1], b[0]), nil
}

// GenerateID creates a unique, time-ordered identifier.
func GenerateID() string {
	return ulid.Make().String()
}
