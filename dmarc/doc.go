// Package dmarc implements Domain-based Message Authentication, Reporting,
// and Conformance (DMARC) per RFC 7489.
//
// DMARC compares the domain of the "From" message header against the SPF
// and DKIM authenticated domains, based on the policy the domain has
// published as a TXT record under "_dmarc.<domain>". A message passes when
// either SPF or DKIM passes with an aligned domain.
//
// This package provides:
//   - DMARC record parsing, plus the raw tag map of a record
//   - Policy lookup with fallback to the organizational domain
//   - Alignment checks using the Public Suffix List
//   - An Evaluator producing the status and disposition of a message
//
// # Basic Usage
//
//	evaluator := dmarc.NewEvaluator(resolver, logger)
//	result := evaluator.Evaluate(ctx, "user@example.com", spfResult, dkimSummary)
//
//	if result.Status == dmarc.StatusFail {
//	    // result.Disposition is none, quarantine or reject
//	}
//
// # Alignment
//
// Alignment can be "strict" (exact match) or "relaxed" (organizational
// domain match). The default is relaxed for both SPF and DKIM. The
// organizational domain of sub.example.co.uk is example.co.uk.
//
// # References
//
//   - RFC 7489: Domain-based Message Authentication, Reporting, and Conformance (DMARC)
//   - RFC 6376: DomainKeys Identified Mail (DKIM) Signatures
//   - RFC 7208: Sender Policy Framework (SPF)
package dmarc
