// Package spf implements Sender Policy Framework (SPF) evaluation according to RFC 7208.
//
// SPF allows domain owners to publish a policy as a DNS TXT record describing which IP
// addresses are authorized to send email for the domain.
//
// This package provides:
//   - SPF record parsing with all mechanisms and modifiers
//   - Evaluation with the RFC 7208 DNS lookup and void lookup limits
//   - Bounded include/redirect recursion with loop detection
//
// Macro expansion is not performed: a domain-spec containing a macro makes
// the evaluation a permerror. The "exists" mechanism is evaluated as a plain
// A lookup of its domain.
//
// Basic Usage:
//
//	checker := spf.NewChecker(resolver, logger)
//	result := checker.Check(ctx, "user@example.com", net.ParseIP("192.0.2.1"))
//
//	switch result.Status {
//	case spf.StatusPass:
//	    // Sender is authorized
//	case spf.StatusFail:
//	    // Sender is explicitly not authorized
//	case spf.StatusTemperror:
//	    // Retry later
//	}
//
// References:
//   - RFC 7208: Sender Policy Framework (SPF)
package spf
