package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var errNotDKIM = errors.New("dkim: not a DKIM record")

// Record is a DKIM key record published at <selector>._domainkey.<domain>
// (RFC 6376 section 3.6.1).
type Record struct {
	Version string   // v=, always DKIM1
	Hashes  []string // h=, empty allows every hash
	Key     string   // k=, "rsa" or "ed25519"
	Notes   string   // n=

	// Pubkey is the decoded p= value. Empty means the key was revoked.
	Pubkey []byte

	Services []string // s=
	Flags    []string // t=, "y" for testing and "s" for strict identity

	// PublicKey is the *rsa.PublicKey or ed25519.PublicKey in Pubkey.
	PublicKey any
}

// ServiceAllowed reports whether s= permits service.
func (r *Record) ServiceAllowed(service string) bool {
	return len(r.Services) == 0 || slices.ContainsFunc(r.Services, func(s string) bool {
		return s == "*" || strings.EqualFold(s, service)
	})
}

// IsTesting reports the t=y flag.
func (r *Record) IsTesting() bool { return r.hasFlag("y") }

// RequireStrictAlignment reports the t=s flag: the i= domain must equal d=.
func (r *Record) RequireStrictAlignment() bool { return r.hasFlag("s") }

func (r *Record) hasFlag(flag string) bool {
	return slices.ContainsFunc(r.Flags, func(f string) bool { return strings.EqualFold(f, flag) })
}

// HashAllowed reports whether h= permits hash.
func (r *Record) HashAllowed(hash string) bool {
	return len(r.Hashes) == 0 || slices.ContainsFunc(r.Hashes, func(h string) bool {
		return strings.EqualFold(h, hash)
	})
}

// ParseRecord parses a key record. The boolean reports whether txt looks
// like a DKIM record at all: TXT strings published for other purposes
// return false and are skipped by the verifier, while a DKIM record with an
// error returns true.
func ParseRecord(txt string) (*Record, bool, error) {
	record := &Record{
		Version:  "DKIM1",
		Key:      "rsa",
		Services: []string{"*"},
	}

	isDKIM := false
	seen := make(map[string]bool)
	for _, t := range parseTagList(txt) {
		if seen[t.name] {
			if isDKIM {
				return nil, true, fmt.Errorf("%w: duplicate tag %s", ErrSyntax, t.name)
			}
			continue
		}
		seen[t.name] = true

		switch t.name {
		case "v":
			if t.value != "DKIM1" {
				return nil, false, errNotDKIM
			}
		case "h":
			record.Hashes = splitList(t.value, ":")
		case "k":
			record.Key = strings.ToLower(t.value)
		case "n":
			record.Notes = decodeQuotedPrintable(t.value)
		case "p":
			pub, err := decodeBase64(t.value)
			if err != nil {
				return nil, true, fmt.Errorf("%w: invalid public key encoding: %v", ErrSyntax, err)
			}
			record.Pubkey = pub
		case "s":
			record.Services = splitList(t.value, ":")
		case "t":
			record.Flags = splitList(t.value, ":")
		default:
			continue
		}
		isDKIM = true
	}

	if !isDKIM {
		return nil, false, errNotDKIM
	}
	if !seen["p"] {
		return nil, true, fmt.Errorf("%w: missing public key (p=)", ErrSyntax)
	}
	if len(record.Pubkey) > 0 {
		pk, err := parsePublicKey(record.Key, record.Pubkey)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		record.PublicKey = pk
	}
	return record, true, nil
}

// parsePublicKey decodes p= for k=. RSA keys are SubjectPublicKeyInfo,
// or bare PKCS#1 as some publishers use; ed25519 keys are the raw 32 bytes
// (RFC 8463).
func parsePublicKey(keyType string, data []byte) (any, error) {
	switch k := strings.ToLower(keyType); k {
	case "", "rsa":
		if key, err := x509.ParsePKCS1PublicKey(data); err == nil {
			return key, nil
		}
		key, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("rsa key: %w", err)
		}
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("k=rsa but p= holds a %T", key)
	case "ed25519":
		if len(data) == ed25519.PublicKeySize {
			return ed25519.PublicKey(data), nil
		}
		return nil, fmt.Errorf("ed25519 key of %d bytes, want %d", len(data), ed25519.PublicKeySize)
	default:
		return nil, fmt.Errorf("key type %q", k)
	}
}

// tag is one element of an RFC 6376 section 3.2 tag-list.
type tag struct {
	name  string
	value string
}

// parseTagList splits s into tags with folding whitespace removed around
// names and values. Elements without '=' are ignored.
func parseTagList(s string) []tag {
	var tags []tag
	for _, spec := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(spec, "=")
		if !ok {
			continue
		}
		tags = append(tags, tag{
			name:  strings.TrimSpace(name),
			value: strings.TrimSpace(unfold(value)),
		})
	}
	return tags
}

func unfold(s string) string {
	return strings.NewReplacer("\r\n", "", "\n", "").Replace(s)
}

// splitList splits a sep separated value, dropping empty elements.
func splitList(s, sep string) []string {
	var out []string
	for _, e := range strings.Split(s, sep) {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// decodeBase64 decodes a base64 value that may contain folding whitespace.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(s)
}

// decodeQuotedPrintable decodes the =XX escapes of a dkim-quoted-printable
// value. Malformed escapes are kept as they are.
func decodeQuotedPrintable(s string) string {
	var b strings.Builder
	for {
		i := strings.IndexByte(s, '=')
		if i < 0 || i+3 > len(s) {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		if v, err := hex.DecodeString(s[i+1 : i+3]); err == nil {
			b.Write(v)
			s = s[i+3:]
		} else {
			b.WriteByte('=')
			s = s[i+1:]
		}
	}
}
