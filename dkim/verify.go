package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/synqronlabs/mailguard/dns"
)

// DefaultMinRSAKeyBits is the RFC 8301 floor for RSA verification keys.
const DefaultMinRSAKeyBits = 1024

// Verifier checks the DKIM-Signature headers of received messages.
type Verifier struct {
	Resolver dns.Resolver

	// IgnoreTestMode reports failures of t=y keys as fail. By default they
	// are downgraded to none.
	IgnoreTestMode bool

	// Policy may reject an otherwise well-formed signature, which then
	// evaluates to invalid.
	Policy func(*Signature) error

	// MinRSAKeyBits defaults to DefaultMinRSAKeyBits.
	MinRSAKeyBits int

	Logger *slog.Logger
}

// signedMessage is a message split into the parts signatures cover.
type signedMessage struct {
	headers []headerData
	body    []byte
}

// Verify checks every DKIM-Signature header of message, in order. Bare LF
// line endings are converted to CRLF first. An error is returned only when
// the header section cannot be parsed.
func (v *Verifier) Verify(ctx context.Context, message []byte) ([]Result, error) {
	message = normalizeCRLF(message)
	headers, bodyOffset, err := parseMessageHeaders(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderMalformed, err)
	}
	msg := signedMessage{headers: headers, body: message[bodyOffset:]}

	var results []Result
	for _, hdr := range headers {
		if hdr.lkey != "dkim-signature" {
			continue
		}
		results = append(results, v.verifyOne(ctx, msg, string(hdr.raw)))
	}
	return results, nil
}

func (v *Verifier) verifyOne(ctx context.Context, msg signedMessage, header string) Result {
	sig, unsigned, err := ParseSignature(header)
	if err != nil {
		return Result{Status: StatusInvalid, Err: fmt.Errorf("parsing signature: %w", err)}
	}
	res := Result{Signature: sig}

	if err := checkSignature(sig); err != nil {
		res.Status, res.Err = StatusInvalid, err
		return res
	}
	if v.Policy != nil {
		if err := v.Policy(sig); err != nil {
			res.Status, res.Err = StatusInvalid, fmt.Errorf("%w: %v", ErrPolicy, err)
			return res
		}
	}

	record, authentic, err := v.lookup(ctx, sig.Selector, sig.Domain)
	res.RecordAuthentic = authentic
	if err != nil {
		res.Status, res.Err = StatusInvalid, err
		if isTemporary(err) {
			res.Status = StatusTemperror
		}
		return res
	}
	res.Record = record

	res.Status, res.Err = v.check(record, sig, msg, unsigned)
	if res.Status == StatusFail && record.IsTesting() && !v.IgnoreTestMode {
		res.Status, res.Err = StatusNone, nil
	}
	return res
}

// checkSignature applies the checks that need no key record.
func checkSignature(sig *Signature) error {
	if !slices.ContainsFunc(sig.SignedHeaders, func(h string) bool { return strings.EqualFold(h, "from") }) {
		return fmt.Errorf("%w: From header must be signed", ErrFromRequired)
	}
	if sig.ExpireTime >= 0 && sig.ExpireTime < timeNow().Unix() {
		return fmt.Errorf("%w: expired at %d", ErrSigExpired, sig.ExpireTime)
	}
	if isTLD(sig.Domain) {
		return fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
	}
	if _, ok := getHash(sig.AlgorithmHash()); !ok {
		return fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, sig.AlgorithmHash())
	}
	for _, c := range []Canonicalization{sig.HeaderCanon(), sig.BodyCanon()} {
		if c != CanonSimple && c != CanonRelaxed {
			return fmt.Errorf("%w: %s", ErrCanonicalizationUnknown, c)
		}
	}
	if len(sig.QueryMethods) > 0 &&
		!slices.ContainsFunc(sig.QueryMethods, func(m string) bool { return strings.EqualFold(m, "dns/txt") }) {
		return fmt.Errorf("%w: only dns/txt supported", ErrQueryMethod)
	}
	if sig.Length >= 0 {
		return fmt.Errorf("%w: body length limit (l=) not supported", ErrPolicy)
	}
	return nil
}

// check verifies sig against its key record.
func (v *Verifier) check(record *Record, sig *Signature, msg signedMessage, unsigned []byte) (Status, error) {
	if record.PublicKey == nil {
		return StatusInvalid, ErrKeyRevoked
	}
	if !record.HashAllowed(sig.AlgorithmHash()) {
		return StatusInvalid, fmt.Errorf("%w: record allows %v, signature uses %s",
			ErrHashAlgNotAllowed, record.Hashes, sig.AlgorithmHash())
	}
	if !strings.EqualFold(record.Key, sig.AlgorithmSign()) {
		return StatusInvalid, fmt.Errorf("%w: record specifies %s, signature uses %s",
			ErrSigAlgMismatch, record.Key, sig.AlgorithmSign())
	}
	if key, ok := record.PublicKey.(*rsa.PublicKey); ok {
		minBits := v.MinRSAKeyBits
		if minBits == 0 {
			minBits = DefaultMinRSAKeyBits
		}
		if key.N.BitLen() < minBits {
			return StatusInvalid, fmt.Errorf("%w: %d bits, minimum %d", ErrWeakKey, key.N.BitLen(), minBits)
		}
	}
	if !record.ServiceAllowed("email") {
		return StatusInvalid, ErrKeyNotForEmail
	}
	if record.RequireStrictAlignment() && sig.Identity != "" {
		if at := strings.LastIndex(sig.Identity, "@"); at >= 0 && !strings.EqualFold(sig.Identity[at+1:], sig.Domain) {
			return StatusInvalid, fmt.Errorf("%w: strict alignment required", ErrDomainIdentityMismatch)
		}
	}

	h, _ := getHash(sig.AlgorithmHash())
	digest, err := computeDataHash(h.New(), sig.HeaderCanon(), msg.headers, sig.SignedHeaders, unsigned)
	if err != nil {
		return StatusInvalid, fmt.Errorf("computing data hash: %w", err)
	}
	if err := verifyDigest(record.PublicKey, h, digest, sig.Signature); err != nil {
		return StatusFail, fmt.Errorf("%w: %v", ErrSigVerify, err)
	}

	if bodyHash := computeBodyHash(h.New(), sig.BodyCanon(), msg.body); !bytes.Equal(sig.BodyHash, bodyHash) {
		return StatusFail, fmt.Errorf("%w: expected %x, got %x", ErrBodyHashMismatch, sig.BodyHash, bodyHash)
	}
	return StatusPass, nil
}

func verifyDigest(key any, h crypto.Hash, digest, signature []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, h, digest, signature)
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, signature) {
			return ErrSigVerify
		}
		return nil
	default:
		return ErrSigAlgorithmUnknown
	}
}

// lookup fetches the key record at <selector>._domainkey.<domain>. TXT
// strings that are not DKIM records are ignored; more than one DKIM record
// is an error.
func (v *Verifier) lookup(ctx context.Context, selector, domain string) (*Record, bool, error) {
	name := selector + "._domainkey." + domain
	result, err := v.Resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, result.Authentic, fmt.Errorf("%w: %w", ErrDNS, err)
	}

	var found *Record
	for _, txt := range result.Records {
		record, isDKIM, err := ParseRecord(txt)
		if !isDKIM {
			continue
		}
		if err != nil {
			return nil, result.Authentic, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		if found != nil {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrMultipleRecords, name)
		}
		found = record
	}
	if found == nil {
		return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	return found, result.Authentic, nil
}

// isTemporary reports whether a lookup error may resolve on retry. Any
// resolver failure other than NXDOMAIN counts, as does a duplicated record.
func isTemporary(err error) bool {
	return errors.Is(err, ErrDNS) || errors.Is(err, ErrMultipleRecords) || dns.IsTemporary(err)
}

// isTLD reports whether domain is a public suffix, which may not sign.
func isTLD(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return true
	}
	_, err := publicsuffix.EffectiveTLDPlusOne(domain)
	return err != nil
}
