package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// fallbackNameservers are used when /etc/resolv.conf cannot be read.
var fallbackNameservers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// ResolverConfig configures a DNSResolver.
type ResolverConfig struct {
	// Nameservers as host:port. Empty means the servers listed in
	// /etc/resolv.conf.
	Nameservers []string

	// DNSSEC sets the DO bit on queries and reports the AD bit of answers as
	// Result.Authentic. Only meaningful behind a validating resolver.
	DNSSEC bool

	Timeout time.Duration // per exchange, 5s when zero
	Retries int           // extra rounds over all nameservers, 2 when zero
}

// DNSResolver is a Resolver that queries nameservers directly with
// github.com/miekg/dns.
type DNSResolver struct {
	config ResolverConfig
	udp    *mdns.Client
	tcp    *mdns.Client
}

var _ Resolver = (*DNSResolver)(nil)

// NewResolver returns a DNSResolver for config, filling in defaults.
func NewResolver(config ResolverConfig) *DNSResolver {
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries <= 0 {
		config.Retries = 2
	}
	return &DNSResolver{
		config: config,
		udp:    &mdns.Client{Timeout: config.Timeout},
		tcp:    &mdns.Client{Net: "tcp", Timeout: config.Timeout},
	}
}

func systemNameservers() []string {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return fallbackNameservers
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// exchange sends one question to the nameservers in order until one gives
// a usable answer. NXDOMAIN is final; SERVFAIL, REFUSED and network errors
// move on to the next server.
func (r *DNSResolver) exchange(ctx context.Context, name string, qtype uint16) ([]mdns.RR, bool, error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(ensureAbsolute(name), qtype)
	if r.config.DNSSEC {
		msg.SetEdns0(4096, true)
	}

	lastErr := ErrDNSServFail
	for range r.config.Retries + 1 {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
			resp, _, err := r.udp.ExchangeContext(ctx, msg, server)
			if err == nil && resp.Truncated {
				resp, _, err = r.tcp.ExchangeContext(ctx, msg, server)
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, false, ctx.Err()
				}
				lastErr = netError(server, err)
				continue
			}

			authentic := r.config.DNSSEC && resp.AuthenticatedData
			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp.Answer, authentic, nil
			case mdns.RcodeNameError:
				return nil, authentic, ErrDNSNotFound
			case mdns.RcodeServerFailure:
				// A validating resolver answers SERVFAIL for bogus data.
				lastErr = ErrDNSServFail
				if r.config.DNSSEC {
					lastErr = ErrDNSBogus
				}
			case mdns.RcodeRefused:
				lastErr = ErrDNSRefused
			default:
				lastErr = fmt.Errorf("%w: %s answered %s", ErrDNSServFail, server, mdns.RcodeToString[resp.Rcode])
			}
		}
	}
	return nil, false, lastErr
}

func netError(server string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s", ErrDNSTimeout, server)
	}
	return fmt.Errorf("%w: %s: %v", ErrDNSServFail, server, err)
}

// lookup runs one query and keeps the answer records pick accepts, which
// drops the CNAMEs a recursive resolver includes.
func lookup[T any](ctx context.Context, r *DNSResolver, name string, qtype uint16, pick func(mdns.RR) (T, bool)) (Result[T], error) {
	answer, authentic, err := r.exchange(ctx, name, qtype)
	res := Result[T]{Authentic: authentic}
	if err != nil {
		return res, err
	}
	for _, rr := range answer {
		if v, ok := pick(rr); ok {
			res.Records = append(res.Records, v)
		}
	}
	if len(res.Records) == 0 {
		return res, ErrDNSNotFound
	}
	return res, nil
}

func pickTXT(rr mdns.RR) (string, bool) {
	if txt, ok := rr.(*mdns.TXT); ok {
		return strings.Join(txt.Txt, ""), true
	}
	return "", false
}

func pickA(rr mdns.RR) (net.IP, bool) {
	if a, ok := rr.(*mdns.A); ok {
		return a.A, true
	}
	return nil, false
}

func pickAAAA(rr mdns.RR) (net.IP, bool) {
	if a, ok := rr.(*mdns.AAAA); ok {
		return a.AAAA, true
	}
	return nil, false
}

func pickMX(rr mdns.RR) (*net.MX, bool) {
	if mx, ok := rr.(*mdns.MX); ok {
		return &net.MX{Host: mx.Mx, Pref: mx.Preference}, true
	}
	return nil, false
}

func pickPTR(rr mdns.RR) (string, bool) {
	if ptr, ok := rr.(*mdns.PTR); ok {
		return ptr.Ptr, true
	}
	return "", false
}

func (r *DNSResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	return lookup(ctx, r, name, mdns.TypeTXT, pickTXT)
}

func (r *DNSResolver) LookupA(ctx context.Context, name string) (Result[net.IP], error) {
	return lookup(ctx, r, name, mdns.TypeA, pickA)
}

// LookupIP queries A and AAAA. Addresses from either family are returned
// even if the other query failed; the answer is authentic only if both
// were.
func (r *DNSResolver) LookupIP(ctx context.Context, name string) (Result[net.IP], error) {
	v4, err4 := r.LookupA(ctx, name)
	v6, err6 := lookup(ctx, r, name, mdns.TypeAAAA, pickAAAA)

	res := Result[net.IP]{
		Records:   append(v4.Records, v6.Records...),
		Authentic: v4.Authentic && v6.Authentic,
	}
	if len(res.Records) > 0 {
		return res, nil
	}
	for _, err := range []error{err4, err6} {
		if err != nil && !IsNotFound(err) {
			return res, err
		}
	}
	return res, ErrDNSNotFound
}

func (r *DNSResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	return lookup(ctx, r, name, mdns.TypeMX, pickMX)
}

// LookupAddr queries the PTR records of the in-addr.arpa or ip6.arpa name
// for ip.
func (r *DNSResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	name, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("dns: reverse name for %s: %w", ip, err)
	}
	return lookup(ctx, r, name, mdns.TypePTR, pickPTR)
}
