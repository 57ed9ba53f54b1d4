package dkim

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Signature is a parsed DKIM-Signature header (RFC 6376 section 3.5).
type Signature struct {
	Version       int      // v=
	Algorithm     string   // a=, e.g. "rsa-sha256"
	Signature     []byte   // b=
	BodyHash      []byte   // bh=
	Domain        string   // d=
	SignedHeaders []string // h=
	Selector      string   // s=

	Canonicalization string   // c=, e.g. "relaxed/simple"
	Identity         string   // i=
	Length           int64    // l=, -1 when absent
	QueryMethods     []string // q=
	SignTime         int64    // t=, -1 when absent
	ExpireTime       int64    // x=, -1 when absent
}

// NewSignature returns a Signature with the RFC 6376 defaults.
func NewSignature() *Signature {
	return &Signature{
		Version:          1,
		Canonicalization: "simple/simple",
		Length:           -1,
		SignTime:         -1,
		ExpireTime:       -1,
	}
}

// AlgorithmSign is the key type half of a=, e.g. "rsa".
func (s *Signature) AlgorithmSign() string {
	sign, _, _ := strings.Cut(s.Algorithm, "-")
	return sign
}

// AlgorithmHash is the hash half of a=, e.g. "sha256".
func (s *Signature) AlgorithmHash() string {
	_, hash, _ := strings.Cut(s.Algorithm, "-")
	return hash
}

// HeaderCanon is the header half of c=.
func (s *Signature) HeaderCanon() Canonicalization {
	header, _, _ := strings.Cut(s.Canonicalization, "/")
	if header == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(header))
}

// BodyCanon is the body half of c=, simple when omitted.
func (s *Signature) BodyCanon() Canonicalization {
	_, body, ok := strings.Cut(s.Canonicalization, "/")
	if !ok || body == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(body))
}

const maxLineLen = 76

// foldWriter builds a header folded at whitespace, with a tab continuation.
type foldWriter struct {
	b       strings.Builder
	lineLen int
}

func (w *foldWriter) word(text string) {
	if w.lineLen > 1 && w.lineLen+1+len(text) > maxLineLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.b.Len() > 0 {
		w.b.WriteByte(' ')
		w.lineLen++
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
}

// wrap appends data, breaking it anywhere to stay within the line limit.
func (w *foldWriter) wrap(data string) {
	for len(data) > 0 {
		n := maxLineLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxLineLen - 1
		}
		n = min(n, len(data))
		w.b.WriteString(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

// Header renders the signature as a folded header field without the final
// CRLF. With includeSignature false the b= tag is left empty, which is the
// form that gets hashed.
func (s *Signature) Header(includeSignature bool) (string, error) {
	if s.Domain == "" || s.Selector == "" || s.Algorithm == "" || len(s.SignedHeaders) == 0 {
		return "", fmt.Errorf("%w: d=, s=, a= and h= are required", ErrMissingTag)
	}

	w := &foldWriter{}
	w.word(fmt.Sprintf("DKIM-Signature: v=%d;", s.Version))
	w.word("d=" + s.Domain + ";")
	w.word("s=" + s.Selector + ";")
	w.word("a=" + s.Algorithm + ";")
	if c := strings.ToLower(s.Canonicalization); c != "" && c != "simple" && c != "simple/simple" {
		w.word("c=" + s.Canonicalization + ";")
	}
	if s.Identity != "" {
		w.word("i=" + s.Identity + ";")
	}
	if len(s.QueryMethods) > 0 && !(len(s.QueryMethods) == 1 && strings.EqualFold(s.QueryMethods[0], "dns/txt")) {
		w.word("q=" + strings.Join(s.QueryMethods, ":") + ";")
	}
	if s.SignTime >= 0 {
		w.word("t=" + strconv.FormatInt(s.SignTime, 10) + ";")
	}
	if s.ExpireTime >= 0 {
		w.word("x=" + strconv.FormatInt(s.ExpireTime, 10) + ";")
	}
	if s.Length >= 0 {
		w.word("l=" + strconv.FormatInt(s.Length, 10) + ";")
	}
	for i, h := range s.SignedHeaders {
		if i == 0 {
			h = "h=" + h
		}
		if i == len(s.SignedHeaders)-1 {
			h += ";"
		} else {
			h += ":"
		}
		w.word(h)
	}
	w.word("bh=" + base64.StdEncoding.EncodeToString(s.BodyHash) + ";")
	w.word("b=")
	if includeSignature {
		w.wrap(base64.StdEncoding.EncodeToString(s.Signature))
	}
	return w.b.String(), nil
}

// ParseSignature parses a complete DKIM-Signature header field, name
// included. Besides the signature it returns the field with the b= value
// removed and no final CRLF, which is what the signer hashed.
func ParseSignature(header string) (*Signature, []byte, error) {
	header = strings.TrimSuffix(header, "\r\n")
	name, value, ok := strings.Cut(header, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), "DKIM-Signature") {
		return nil, nil, fmt.Errorf("%w: not a DKIM-Signature header", ErrHeaderMalformed)
	}

	tags := parseTagList(value)
	sig := NewSignature()
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		if seen[t.name] {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateTag, t.name)
		}
		seen[t.name] = true
		if err := sig.setTag(t.name, t.value); err != nil {
			return nil, nil, err
		}
	}

	for _, name := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !seen[name] {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingTag, name)
		}
	}
	if h, ok := getHash(sig.AlgorithmHash()); ok && len(sig.BodyHash) != h.Size() {
		return nil, nil, fmt.Errorf("%w: bh= is %d bytes, %s needs %d",
			ErrHeaderMalformed, len(sig.BodyHash), sig.AlgorithmHash(), h.Size())
	}
	if sig.SignTime >= 0 && sig.ExpireTime >= 0 && sig.SignTime >= sig.ExpireTime {
		return nil, nil, fmt.Errorf("%w: t= is not before x=", ErrSigExpired)
	}
	if at := strings.LastIndex(sig.Identity, "@"); at >= 0 {
		idDomain := strings.ToLower(sig.Identity[at+1:])
		if idDomain != sig.Domain && !strings.HasSuffix(idDomain, "."+sig.Domain) {
			return nil, nil, fmt.Errorf("%w: identity domain %s not under signing domain %s",
				ErrDomainIdentityMismatch, idDomain, sig.Domain)
		}
	}
	return sig, []byte(stripSignatureValue(header)), nil
}

func (s *Signature) setTag(name, value string) error {
	var err error
	switch name {
	case "v":
		if value != "1" {
			return fmt.Errorf("%w: %s", ErrInvalidVersion, value)
		}
	case "a":
		s.Algorithm = strings.ToLower(value)
	case "b":
		s.Signature, err = decodeBase64(value)
	case "bh":
		s.BodyHash, err = decodeBase64(value)
	case "c":
		s.Canonicalization = strings.ToLower(value)
	case "d":
		s.Domain = strings.ToLower(value)
	case "h":
		s.SignedHeaders = splitList(value, ":")
	case "i":
		s.Identity = value
	case "l":
		s.Length, err = strconv.ParseInt(value, 10, 64)
	case "q":
		s.QueryMethods = splitList(value, ":")
	case "s":
		s.Selector = strings.ToLower(value)
	case "t":
		s.SignTime, err = strconv.ParseInt(value, 10, 64)
	case "x":
		s.ExpireTime, err = strconv.ParseInt(value, 10, 64)
	}
	if err != nil {
		return fmt.Errorf("%w: %s=: %v", ErrHeaderMalformed, name, err)
	}
	return nil
}

// stripSignatureValue empties the value of the b= tag in a raw header field,
// keeping every other byte, folding included.
func stripSignatureValue(field string) string {
	start := strings.IndexByte(field, ':') + 1
	for start < len(field) {
		end := strings.IndexByte(field[start:], ';')
		if end < 0 {
			end = len(field)
		} else {
			end += start
		}
		spec := field[start:end]
		if name, _, ok := strings.Cut(spec, "="); ok && strings.TrimSpace(name) == "b" {
			eq := start + strings.IndexByte(spec, '=') + 1
			return field[:eq] + field[end:]
		}
		start = end + 1
	}
	return field
}
