package dnsbl

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/synqronlabs/mailguard/dns"
)

func TestRiskFor(t *testing.T) {
	hit := func(w int) Hit { return Hit{Weight: w} }

	tests := []struct {
		name       string
		hits       []Hit
		wantWeight int
		wantLevel  RiskLevel
	}{
		{"no hits", nil, 0, RiskClean},
		{"one low weight hit", []Hit{hit(2)}, 2, RiskLow},
		{"weight six", []Hit{hit(3), hit(3)}, 6, RiskMedium},
		{"three hits", []Hit{hit(1), hit(1), hit(1)}, 3, RiskMedium},
		{"single high threat", []Hit{hit(5)}, 5, RiskHigh},
		{"weight ten", []Hit{hit(4), hit(3), hit(3)}, 10, RiskHigh},
		{"five hits", []Hit{hit(1), hit(1), hit(1), hit(1), hit(1)}, 5, RiskHigh},
		{"weight four", []Hit{hit(2), hit(2)}, 4, RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			weight, level := RiskFor(tt.hits)
			if weight != tt.wantWeight || level != tt.wantLevel {
				t.Errorf("RiskFor() = %d, %s, want %d, %s", weight, level, tt.wantWeight, tt.wantLevel)
			}
		})
	}
}

// listed returns the query name of ip on list.
func listed(ip, list string) string {
	parts := strings.Split(ip, ".")
	return parts[3] + "." + parts[2] + "." + parts[1] + "." + parts[0] + "." + list + "."
}

func newTestChecker(resolver dns.Resolver) (*Checker, *MemoryStore) {
	store := NewMemoryStore(DefaultLists())
	c := NewChecker(resolver, store, nil)
	c.BatchDelay = time.Millisecond
	return c, store
}

func TestCheckIP(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			listed("192.0.2.2", "dnsbl.sorbs.net"):        {"127.0.0.6"},
			listed("192.0.2.3", "zen.spamhaus.org"):       {"127.0.0.4"},
			listed("192.0.2.4", "bl.spamcop.net"):         {"127.0.0.2"},
			listed("192.0.2.4", "psbl.surriel.com"):       {"127.0.0.2"},
			listed("192.0.2.4", "bl.mailspike.net"):       {"127.0.0.2"},
			listed("192.0.2.5", "zen.spamhaus.org"):       {"127.255.255.254"},
			listed("192.0.2.6", "b.barracudacentral.org"): {"127.0.0.2"},
		},
	}

	tests := []struct {
		name       string
		ip         string
		wantStatus Status
		wantHits   int
		wantWeight int
		wantRisk   RiskLevel
		wantDesc   string
	}{
		{"clean", "192.0.2.1", StatusOK, 0, 0, RiskClean, ""},
		{"low weight list", "192.0.2.2", StatusOK, 1, 2, RiskLow, "spam source"},
		{"high threat list", "192.0.2.3", StatusOK, 1, 5, RiskHigh, "XBL: exploited or infected host"},
		{"several lists", "192.0.2.4", StatusOK, 3, 7, RiskMedium, "listed (127.0.0.2)"},
		{"spamhaus error code", "192.0.2.5", StatusOK, 0, 0, RiskClean, ""},
		{"weight four", "192.0.2.6", StatusOK, 1, 4, RiskLow, "listed (127.0.0.2)"},
		{"malformed", "192.0.2", StatusInvalid, 0, 0, RiskClean, ""},
		{"ipv6", "2001:db8::1", StatusInvalid, 0, 0, RiskClean, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestChecker(resolver)
			res := c.CheckIP(context.Background(), tt.ip, "msg-1")

			if res.Status != tt.wantStatus {
				t.Fatalf("Status = %s, want %s (%s)", res.Status, tt.wantStatus, res.Error)
			}
			if len(res.Hits) != tt.wantHits || res.TotalWeight != tt.wantWeight || res.RiskLevel != tt.wantRisk {
				t.Errorf("hits=%d weight=%d risk=%s, want %d %d %s",
					len(res.Hits), res.TotalWeight, res.RiskLevel, tt.wantHits, tt.wantWeight, tt.wantRisk)
			}
			if tt.wantDesc != "" && (len(res.Hits) == 0 || res.Hits[0].Description != tt.wantDesc) {
				t.Errorf("Hits = %+v, want description %q", res.Hits, tt.wantDesc)
			}
			if res.MessageID != "msg-1" {
				t.Errorf("MessageID = %q", res.MessageID)
			}
			if tt.wantStatus == StatusOK && len(res.Queries) != len(DefaultLists()) {
				t.Errorf("got %d query results, want %d", len(res.Queries), len(DefaultLists()))
			}
			if tt.wantStatus == StatusInvalid && len(res.Queries) != 0 {
				t.Errorf("invalid address was queried")
			}
		})
	}
}

func TestCheckIPOrderAndErrors(t *testing.T) {
	ip := "198.51.100.20"
	resolver := dns.MockResolver{
		A: map[string][]string{
			listed(ip, "zen.spamhaus.org"): {"127.0.0.2"},
			listed(ip, "bl.spamcop.net"):   {"127.0.0.2"},
		},
		Timeout: []string{"a " + listed(ip, "b.barracudacentral.org")},
		Fail:    []string{"a " + listed(ip, "psbl.surriel.com")},
	}
	c, _ := newTestChecker(resolver)
	res := c.CheckIP(context.Background(), ip, "")

	var hosts []string
	for _, q := range res.Queries {
		hosts = append(hosts, q.Hostname)
	}
	want := []string{
		"zen.spamhaus.org",
		"b.barracudacentral.org",
		"bl.spamcop.net",
		"bl.mailspike.net",
		"dnsbl.sorbs.net",
		"psbl.surriel.com",
		"dnsbl-1.uceprotect.net",
	}
	if strings.Join(hosts, ",") != strings.Join(want, ",") {
		t.Fatalf("query order = %v, want %v", hosts, want)
	}

	if res.Status != StatusOK {
		t.Fatalf("Status = %s, want ok", res.Status)
	}
	if res.Queries[1].Error == "" || res.Queries[5].Error == "" {
		t.Errorf("failing lists not marked: %+v", res.Queries)
	}
	for _, i := range []int{0, 2, 3, 4, 6} {
		if res.Queries[i].Error != "" {
			t.Errorf("list %s: unexpected error %q", res.Queries[i].Hostname, res.Queries[i].Error)
		}
	}
	if len(res.Hits) != 2 || res.Hits[0].Hostname != "zen.spamhaus.org" || res.Hits[1].Hostname != "bl.spamcop.net" {
		t.Errorf("Hits = %+v", res.Hits)
	}
	if res.Hits[0].Description != "SBL: known spam source" || res.Hits[0].ListName != "Spamhaus ZEN" {
		t.Errorf("first hit = %+v", res.Hits[0])
	}
	if res.RiskLevel != RiskHigh || res.TotalWeight != 8 {
		t.Errorf("risk = %s weight = %d, want HIGH 8", res.RiskLevel, res.TotalWeight)
	}
}

func TestCheckIPCounters(t *testing.T) {
	ip := "203.0.113.9"
	resolver := dns.MockResolver{
		A: map[string][]string{
			listed(ip, "bl.spamcop.net"): {"127.0.0.2"},
		},
	}
	c, store := newTestChecker(resolver)
	store.SetActive("dnsbl-1.uceprotect.net", false)

	for range 3 {
		c.CheckIP(context.Background(), ip, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := c.CheckIP(ctx, ip, "")
	if res.Status != StatusError {
		t.Errorf("cancelled check Status = %s, want error", res.Status)
	}

	for _, l := range store.Lists() {
		wantQueries, wantHits := int64(3), int64(0)
		if l.Hostname == "dnsbl-1.uceprotect.net" {
			wantQueries = 0
		}
		if l.Hostname == "bl.spamcop.net" {
			wantHits = 3
		}
		if l.QueryCount != wantQueries || l.HitCount != wantHits {
			t.Errorf("%s: queries=%d hits=%d, want %d %d", l.Hostname, l.QueryCount, l.HitCount, wantQueries, wantHits)
		}
	}
}

type memCheckLog struct {
	mu      sync.Mutex
	results []CheckResult
}

func (m *memCheckLog) LogCheck(ctx context.Context, res CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

func TestCheckBatch(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			listed("192.0.2.3", "zen.spamhaus.org"): {"127.0.0.3"},
		},
	}
	c, _ := newTestChecker(resolver)
	log := &memCheckLog{}
	c.CheckLogger = log

	results := c.CheckBatch(context.Background(), []string{"192.0.2.1", "not-an-ip", "192.0.2.3"})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Status != StatusOK || results[0].RiskLevel != RiskClean {
		t.Errorf("first = %s %s", results[0].Status, results[0].RiskLevel)
	}
	if results[1].Status != StatusInvalid {
		t.Errorf("second = %s, want invalid", results[1].Status)
	}
	if results[2].RiskLevel != RiskHigh || results[2].IP != "192.0.2.3" {
		t.Errorf("third = %s %s", results[2].IP, results[2].RiskLevel)
	}
	if len(log.results) != 3 {
		t.Errorf("check log has %d entries, want 3", len(log.results))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results = c.CheckBatch(ctx, []string{"192.0.2.1", "192.0.2.3"})
	for _, r := range results {
		if r.Status != StatusError {
			t.Errorf("%s: Status = %s, want error", r.IP, r.Status)
		}
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		list    string
		code    string
		want    string
		wantErr bool
	}{
		{"zen.spamhaus.org", "127.0.0.10", "PBL: end-user address, ISP maintained", false},
		{"zen.spamhaus.org", "127.255.255.255", "", true},
		{"zen.spamhaus.org", "127.255.255.1", "", true},
		{"zen.spamhaus.org", "127.0.0.99", "listed (127.0.0.99)", false},
		{"dnsbl.sorbs.net", "127.0.0.5", "open SMTP relay", false},
		{"bl.spamcop.net", "127.0.0.2", "listed (127.0.0.2)", false},
	}
	for _, tt := range tests {
		got, err := describe(tt.list, net.ParseIP(tt.code))
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("describe(%s, %s) = %q, %v; want %q, error %v", tt.list, tt.code, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestCheckHealth(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"2.0.0.127.good.example.":       {"127.0.0.2"},
			"2.0.0.127.everything.example.": {"127.0.0.2"},
			"1.0.0.127.everything.example.": {"127.0.0.2"},
		},
		Fail: []string{"a 2.0.0.127.broken.example."},
	}
	c, _ := newTestChecker(resolver)

	tests := []struct {
		list    string
		wantErr bool
	}{
		{"good.example", false},
		{"everything.example", true},
		{"empty.example", true},
		{"broken.example", true},
	}
	for _, tt := range tests {
		if err := c.CheckHealth(context.Background(), tt.list); (err != nil) != tt.wantErr {
			t.Errorf("CheckHealth(%s) = %v, want error %v", tt.list, err, tt.wantErr)
		}
	}
}
