package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"
)

// Signer adds DKIM-Signature headers to outgoing messages.
type Signer struct {
	Domain   string // d=
	Selector string // s=

	// PrivateKey is an *rsa.PrivateKey or an ed25519.PrivateKey.
	PrivateKey crypto.Signer

	// Headers to sign. DefaultSignedHeaders when empty. From is always
	// signed, and names absent from the message are skipped.
	Headers []string

	// Canonicalizations default to relaxed/relaxed.
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization

	// Hash is "sha256" (default) or "sha1". Ed25519 keys always use sha256.
	Hash string

	// Identity is the optional i= tag.
	Identity string

	// Expiration sets x= relative to the signing time when non-zero.
	Expiration time.Duration

	// OversignHeaders lists each signed header once more than it occurs,
	// so that an added instance breaks the signature.
	OversignHeaders bool
}

// Sign returns the DKIM-Signature header line, CRLF terminated, to prepend
// to message.
func (s *Signer) Sign(message []byte) (string, error) {
	headers, bodyOffset, err := parseMessageHeaders(message)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}

	present := make(map[string]int)
	for _, h := range headers {
		present[h.lkey]++
	}
	if n := present["from"]; n != 1 {
		return "", fmt.Errorf("%w: message has %d From headers, need exactly 1", ErrFromRequired, n)
	}

	alg, hashName, err := s.algorithm()
	if err != nil {
		return "", err
	}
	h, ok := getHash(hashName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashName)
	}
	headerCanon := orDefault(s.HeaderCanonicalization)
	bodyCanon := orDefault(s.BodyCanonicalization)

	sig := NewSignature()
	sig.Version = 1
	sig.Algorithm = string(alg)
	sig.Domain = s.Domain
	sig.Selector = s.Selector
	sig.Identity = s.Identity
	sig.Canonicalization = string(headerCanon) + "/" + string(bodyCanon)
	sig.SignedHeaders = s.signedHeaders(present)
	sig.SignTime = timeNow().Unix()
	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration/time.Second)
	}

	sig.BodyHash = computeBodyHash(h.New(), bodyCanon, message[bodyOffset:])

	unsigned, err := sig.Header(false)
	if err != nil {
		return "", err
	}
	digest, err := computeDataHash(h.New(), headerCanon, headers, sig.SignedHeaders, []byte(unsigned))
	if err != nil {
		return "", fmt.Errorf("computing data hash: %w", err)
	}
	if sig.Signature, err = signDigest(s.PrivateKey, h, digest); err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}

	header, err := sig.Header(true)
	if err != nil {
		return "", err
	}
	return header + "\r\n", nil
}

func (s *Signer) signedHeaders(present map[string]int) []string {
	names := s.Headers
	if len(names) == 0 {
		names = DefaultSignedHeaders
	}
	out := []string{"From"}
	seen := map[string]bool{"from": true}
	for _, name := range names {
		lname := strings.ToLower(name)
		if seen[lname] || present[lname] == 0 {
			continue
		}
		seen[lname] = true
		out = append(out, name)
	}
	if !s.OversignHeaders {
		return out
	}
	signed := out
	for _, name := range signed {
		for range present[strings.ToLower(name)] {
			out = append(out, name)
		}
	}
	return out
}

func (s *Signer) algorithm() (Algorithm, string, error) {
	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		switch strings.ToLower(s.Hash) {
		case "", "sha256":
			return AlgRSASHA256, "sha256", nil
		case "sha1":
			return AlgRSASHA1, "sha1", nil
		default:
			return "", "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, s.Hash)
		}
	case ed25519.PrivateKey:
		return AlgEd25519SHA256, "sha256", nil
	default:
		return "", "", fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, s.PrivateKey)
	}
}

func orDefault(c Canonicalization) Canonicalization {
	if c == "" {
		return CanonRelaxed
	}
	return c
}

// signDigest signs the header hash. Ed25519 signs the digest bytes as the
// message (RFC 8463 section 3).
func signDigest(key crypto.Signer, h crypto.Hash, digest []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, k, h, digest)
	case ed25519.PrivateKey:
		return ed25519.Sign(k, digest), nil
	default:
		return nil, ErrSigAlgorithmUnknown
	}
}
