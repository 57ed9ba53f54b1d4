package dns

import (
	"context"
	"net"
	"slices"
	"sync"
)

// MockResolver answers lookups from fixed records, for tests. Record maps
// are keyed by absolute name ("example.com."), except PTR which is keyed by
// the IP address text.
//
// Fail, Timeout, Authentic and Inauthentic hold requests in the form
// "type name", like "txt _dmarc.example.com." or "ptr 192.0.2.1".
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX

	Fail    []string // answered with ErrDNSServFail
	Timeout []string // answered with ErrDNSTimeout

	// AllAuthentic is the default for Result.Authentic. Authentic and
	// Inauthentic override it per request.
	AllAuthentic bool
	Authentic    []string
	Inauthentic  []string

	// Queries, when set, records every request.
	Queries *QueryLog
}

var _ Resolver = MockResolver{}

// QueryLog collects the requests seen by a MockResolver.
type QueryLog struct {
	mu      sync.Mutex
	entries []string
}

// Add appends a request.
func (l *QueryLog) Add(s string) {
	l.mu.Lock()
	l.entries = append(l.entries, s)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded requests in arrival order.
func (l *QueryLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Len returns the number of recorded requests.
func (l *QueryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// answer records the request for typ and name, applies the configured
// failures and returns records, or ErrDNSNotFound when there are none.
func answer[T any](ctx context.Context, r MockResolver, typ, name string, records []T) (Result[T], error) {
	req := typ + " " + name
	if r.Queries != nil {
		r.Queries.Add(req)
	}
	res := Result[T]{Authentic: r.AllAuthentic}
	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case slices.Contains(r.Timeout, req):
		return res, ErrDNSTimeout
	case slices.Contains(r.Fail, req):
		return res, ErrDNSServFail
	case slices.Contains(r.Authentic, req):
		res.Authentic = true
	case slices.Contains(r.Inauthentic, req):
		res.Authentic = false
	}
	if len(records) == 0 {
		return res, ErrDNSNotFound
	}
	res.Records = records
	return res, nil
}

func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	name = ensureAbsolute(name)
	return answer(ctx, r, "txt", name, r.TXT[name])
}

func (r MockResolver) LookupA(ctx context.Context, name string) (Result[net.IP], error) {
	name = ensureAbsolute(name)
	return answer(ctx, r, "a", name, parseIPs(r.A[name]))
}

// LookupIP records an "a" and an "aaaa" request. The first failure is
// returned.
func (r MockResolver) LookupIP(ctx context.Context, name string) (Result[net.IP], error) {
	v4, err := r.LookupA(ctx, name)
	if err != nil && !IsNotFound(err) {
		return v4, err
	}
	name = ensureAbsolute(name)
	v6, err := answer(ctx, r, "aaaa", name, parseIPs(r.AAAA[name]))
	if err != nil && !IsNotFound(err) {
		return Result[net.IP]{Authentic: v4.Authentic && v6.Authentic}, err
	}
	res := Result[net.IP]{
		Records:   append(v4.Records, v6.Records...),
		Authentic: v4.Authentic && v6.Authentic,
	}
	if len(res.Records) == 0 {
		return res, ErrDNSNotFound
	}
	return res, nil
}

func (r MockResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	name = ensureAbsolute(name)
	return answer(ctx, r, "mx", name, r.MX[name])
}

func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	return answer(ctx, r, "ptr", ip.String(), r.PTR[ip.String()])
}

func parseIPs(l []string) []net.IP {
	var ips []net.IP
	for _, s := range l {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}
