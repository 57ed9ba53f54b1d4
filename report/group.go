package report

import (
	"cmp"
	"slices"
	"strings"
)

type groupKey struct {
	ip   string
	from string

	// auth is empty unless groups are split by auth outcome.
	auth string
}

// Group folds entries into records, one per (source IP, From domain).
// Each record carries the auth results of the first entry of its group
// and the number of entries in Count.
//
// With splitDivergent, entries of a pair that disagree on SPF, DKIM or
// DMARC outcome land in separate records instead of being represented by
// the first one.
//
// Records are ordered by source IP and From domain; split records of one
// pair keep the order in which their outcomes were first seen.
func Group(entries []LogEntry, splitDivergent bool) []Record {
	index := map[groupKey]int{}
	var records []Record

	for _, e := range entries {
		k := groupKey{ip: e.SenderIP, from: strings.ToLower(e.FromDomain)}
		if splitDivergent {
			k.auth = authTuple(e)
		}
		if i, ok := index[k]; ok {
			records[i].Count++
			continue
		}
		index[k] = len(records)
		records = append(records, Record{
			SourceIP:     e.SenderIP,
			HeaderFrom:   k.from,
			Count:        1,
			SPFResult:    e.SPFResult,
			SPFDomain:    e.SPFDomain,
			DKIMResult:   e.DKIMResult,
			DKIMDomain:   e.DKIMDomain,
			DKIMSelector: e.DKIMSelector,
			DMARCResult:  e.DMARCResult,
			Disposition:  e.Disposition,
			SPFAligned:   e.SPFAligned,
			DKIMAligned:  e.DKIMAligned,
		})
	}

	slices.SortStableFunc(records, func(a, b Record) int {
		if c := cmp.Compare(a.SourceIP, b.SourceIP); c != 0 {
			return c
		}
		return cmp.Compare(a.HeaderFrom, b.HeaderFrom)
	})
	return records
}

func authTuple(e LogEntry) string {
	return strings.Join([]string{
		e.SPFResult, e.SPFDomain,
		e.DKIMResult, e.DKIMDomain, e.DKIMSelector,
		e.DMARCResult, e.Disposition,
	}, "\x00")
}

// Totals counts entries and the entries that passed DMARC. It counts
// every entry, not group representatives.
func Totals(entries []LogEntry) (total, compliant int) {
	for _, e := range entries {
		total++
		if e.DMARCResult == "pass" {
			compliant++
		}
	}
	return total, compliant
}
