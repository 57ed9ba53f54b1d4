// Package dnsbl checks IPv4 addresses against DNS block lists (RFC 5782).
//
// To look up 192.0.2.99 on the list "zen.spamhaus.org", the name
// "99.2.0.192.zen.spamhaus.org" is queried for an A record. An answer means
// the address is listed, and the answer's address encodes the reason. A
// name-not-found answer means it is not listed.
//
// A Checker queries every active list of a Store, weighs the hits and derives
// a risk level:
//
//	checker := dnsbl.NewChecker(resolver, dnsbl.NewMemoryStore(dnsbl.DefaultLists()), logger)
//	res := checker.CheckIP(ctx, "192.0.2.99", "")
//	if res.RiskLevel == dnsbl.RiskHigh {
//	    // reject
//	}
package dnsbl

import (
	"errors"
	"time"
)

var (
	ErrListError = errors.New("dnsbl: list returned an error code")
	ErrCancelled = errors.New("dnsbl: check abandoned")
)

// HighThreatWeight is the weight from which a single hit makes the risk high.
const HighThreatWeight = 5

// List is a DNS block list and its running counters.
type List struct {
	Hostname    string
	DisplayName string

	// Weight is the contribution of a hit on this list to the risk score.
	Weight int

	Active bool

	QueryCount int64
	HitCount   int64
}

// Name returns the display name, or the hostname when there is none.
func (l List) Name() string {
	if l.DisplayName != "" {
		return l.DisplayName
	}
	return l.Hostname
}

// Status is the status of a whole check.
type Status string

const (
	StatusOK      Status = "ok"
	StatusInvalid Status = "invalid"
	StatusError   Status = "error"
)

// RiskLevel summarizes the hits of a check.
type RiskLevel string

const (
	RiskClean  RiskLevel = "CLEAN"
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Hit is a listing of the checked address on one list.
type Hit struct {
	ListName    string
	Hostname    string
	ReturnCode  string
	Description string
	Weight      int
}

// QueryResult is the raw outcome of the query to one list.
type QueryResult struct {
	Hostname   string
	Listed     bool
	ReturnCode string

	// Error is set when the list could not be queried. The list then
	// counts as neither listed nor clean.
	Error string

	Duration time.Duration
}

// CheckResult is the outcome of checking one address.
type CheckResult struct {
	IP        string
	MessageID string
	Status    Status

	// Hits are ordered like the queried lists, by descending weight.
	Hits        []Hit
	TotalWeight int
	RiskLevel   RiskLevel

	// Queries holds one entry per queried list, for auditing.
	Queries []QueryResult

	Error     string
	CheckedAt time.Time
	Duration  time.Duration
}

// Listed reports whether at least one list has the address.
func (r CheckResult) Listed() bool {
	return len(r.Hits) > 0
}

// RiskFor returns the total weight of hits and the resulting risk level.
//
// The risk is high when a list of HighThreatWeight or more has the address,
// when the total weight is 10 or more, or with five or more hits. It is
// medium from a total weight of 5 or three hits, and low for any hit.
func RiskFor(hits []Hit) (total int, level RiskLevel) {
	highThreat := false
	for _, h := range hits {
		total += h.Weight
		if h.Weight >= HighThreatWeight {
			highThreat = true
		}
	}
	switch n := len(hits); {
	case highThreat || total >= 10 || n >= 5:
		level = RiskHigh
	case total >= 5 || n >= 3:
		level = RiskMedium
	case n > 0:
		level = RiskLow
	default:
		level = RiskClean
	}
	return total, level
}
