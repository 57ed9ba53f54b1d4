// Package dkim signs and verifies DomainKeys Identified Mail signatures
// (RFC 6376, with Ed25519 keys per RFC 8463).
//
// Inbound messages are checked with a Verifier, which fetches the public key
// of every DKIM-Signature header from <selector>._domainkey.<domain> and
// reduces the per-signature results to a Summary:
//
//	verifier := &dkim.Verifier{Resolver: resolver}
//	summary := verifier.Evaluate(ctx, rawMessage)
//	if summary.Status == dkim.StatusPass {
//	    // summary.Domain signed the message
//	}
//
// Outbound mail, such as DMARC aggregate reports, is signed with a Signer:
//
//	signer := dkim.Signer{Domain: "example.com", Selector: "reports", PrivateKey: key}
//	header, err := signer.Sign(message)
package dkim

import (
	"errors"
	"time"
)

// Status is the outcome of verifying a signature.
type Status string

const (
	// StatusNone: the message is unsigned, or a key in test mode failed.
	StatusNone Status = "none"
	// StatusPass: signature and body hash verified.
	StatusPass Status = "pass"
	// StatusFail: the signature or body hash did not verify.
	StatusFail Status = "fail"
	// StatusInvalid: bad syntax, missing or revoked key, or a policy rejection.
	StatusInvalid Status = "invalid"
	// StatusTemperror: the key could not be fetched because DNS failed.
	StatusTemperror Status = "temperror"
)

// Algorithm is a value of the a= tag.
type Algorithm string

const (
	AlgRSASHA256     Algorithm = "rsa-sha256"
	AlgRSASHA1       Algorithm = "rsa-sha1"
	AlgEd25519SHA256 Algorithm = "ed25519-sha256"
)

// Canonicalization is one half of the c= tag.
type Canonicalization string

const (
	CanonSimple  Canonicalization = "simple"
	CanonRelaxed Canonicalization = "relaxed"
)

var (
	// Key record lookup.
	ErrNoRecord        = errors.New("dkim: no DKIM DNS record found")
	ErrMultipleRecords = errors.New("dkim: multiple DKIM DNS records found")
	ErrDNS             = errors.New("dkim: DNS lookup failed")
	ErrSyntax          = errors.New("dkim: syntax error in DKIM record")

	// Signature checks.
	ErrSigAlgMismatch          = errors.New("dkim: signature algorithm mismatch with DNS record")
	ErrHashAlgNotAllowed       = errors.New("dkim: hash algorithm not allowed by DNS record")
	ErrKeyNotForEmail          = errors.New("dkim: DNS record not allowed for email")
	ErrDomainIdentityMismatch  = errors.New("dkim: domain and identity mismatch")
	ErrSigExpired              = errors.New("dkim: signature has expired")
	ErrHashAlgorithmUnknown    = errors.New("dkim: unknown hash algorithm")
	ErrBodyHashMismatch        = errors.New("dkim: body hash does not match")
	ErrSigVerify               = errors.New("dkim: signature verification failed")
	ErrSigAlgorithmUnknown     = errors.New("dkim: unknown signature algorithm")
	ErrCanonicalizationUnknown = errors.New("dkim: unknown canonicalization")
	ErrHeaderMalformed         = errors.New("dkim: mail header is malformed")
	ErrFromRequired            = errors.New("dkim: From header is required")
	ErrQueryMethod             = errors.New("dkim: no recognized query method")
	ErrKeyRevoked              = errors.New("dkim: key has been revoked")
	ErrWeakKey                 = errors.New("dkim: key is too weak")
	ErrPolicy                  = errors.New("dkim: signature rejected by policy")
	ErrTLD                     = errors.New("dkim: signed domain is top-level domain")

	// DKIM-Signature header syntax.
	ErrMissingTag     = errors.New("dkim: missing required tag")
	ErrDuplicateTag   = errors.New("dkim: duplicate tag")
	ErrInvalidVersion = errors.New("dkim: invalid version")
)

// Result is the outcome of a single DKIM-Signature header.
type Result struct {
	Status    Status
	Signature *Signature
	Record    *Record

	// RecordAuthentic is set when the key record was DNSSEC validated.
	RecordAuthentic bool

	Err error
}

// DefaultSignedHeaders are signed when a Signer lists none.
var DefaultSignedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"In-Reply-To",
	"References",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Reply-To",
}

var timeNow = time.Now
