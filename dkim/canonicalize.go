package dkim

import (
	"bytes"
	"crypto"
	"hash"
	"strings"
)

var crlf = []byte("\r\n")

// headerData is one header field as it appears in the message.
type headerData struct {
	key  string
	lkey string
	raw  []byte // name, colon, value and any folding, with the final CRLF
}

// parseMessageHeaders splits the header section of message into fields and
// returns the offset at which the body starts. The header section must be
// terminated by an empty line.
func parseMessageHeaders(message []byte) ([]headerData, int, error) {
	var headers []headerData
	offset := 0
	for {
		end := bytes.Index(message[offset:], crlf)
		if end < 0 {
			return nil, 0, ErrHeaderMalformed
		}
		line := message[offset : offset+end+2]
		offset += len(line)

		switch {
		case len(line) == 2:
			return headers, offset, nil
		case line[0] == ' ' || line[0] == '\t':
			if len(headers) == 0 {
				return nil, 0, ErrHeaderMalformed
			}
			last := &headers[len(headers)-1]
			last.raw = append(last.raw, line...)
		default:
			colon := bytes.IndexByte(line, ':')
			if colon < 0 {
				return nil, 0, ErrHeaderMalformed
			}
			key := strings.TrimRight(string(line[:colon]), " \t")
			if key == "" || strings.IndexFunc(key, func(r rune) bool { return r <= ' ' || r >= 0x7f }) >= 0 {
				return nil, 0, ErrHeaderMalformed
			}
			headers = append(headers, headerData{key: key, lkey: strings.ToLower(key), raw: bytes.Clone(line)})
		}
	}
}

// relaxHeader applies relaxed header canonicalization (RFC 6376 section
// 3.4.2) to a complete header field.
func relaxHeader(field []byte) ([]byte, error) {
	colon := bytes.IndexByte(field, ':')
	if colon < 0 {
		return nil, ErrHeaderMalformed
	}
	name := bytes.ToLower(bytes.TrimRight(field[:colon], " \t"))
	value := bytes.ReplaceAll(field[colon+1:], crlf, nil)
	value = bytes.Trim(compressWSP(value), " ")

	out := make([]byte, 0, len(name)+1+len(value))
	out = append(out, name...)
	out = append(out, ':')
	return append(out, value...), nil
}

// compressWSP replaces every run of spaces and tabs with a single space.
func compressWSP(b []byte) []byte {
	out := make([]byte, 0, len(b))
	inWSP := false
	for _, c := range b {
		if c == ' ' || c == '\t' {
			if !inWSP {
				out = append(out, ' ')
			}
			inWSP = true
			continue
		}
		inWSP = false
		out = append(out, c)
	}
	return out
}

// computeBodyHash hashes the canonicalized body. Trailing empty lines are
// dropped in both modes. An empty body is a single CRLF in simple mode and
// nothing at all in relaxed mode.
func computeBodyHash(h hash.Hash, canon Canonicalization, body []byte) []byte {
	emptyLines := 0
	written := false
	for len(body) > 0 {
		line := body
		if i := bytes.Index(body, crlf); i >= 0 {
			line, body = body[:i], body[i+2:]
		} else {
			body = nil
		}
		if canon == CanonRelaxed {
			line = bytes.TrimRight(compressWSP(line), " ")
		}
		if len(line) == 0 {
			emptyLines++
			continue
		}
		for ; emptyLines > 0; emptyLines-- {
			h.Write(crlf)
		}
		h.Write(line)
		h.Write(crlf)
		written = true
	}
	if !written && canon == CanonSimple {
		h.Write(crlf)
	}
	return h.Sum(nil)
}

// computeDataHash hashes the signed header fields followed by the
// DKIM-Signature field itself, which carries an empty b= and no final CRLF.
// Each name in signed consumes the bottom-most unused instance of that
// header; names with no instance left are skipped.
func computeDataHash(h hash.Hash, canon Canonicalization, headers []headerData, signed []string, sigHeader []byte) ([]byte, error) {
	used := make(map[int]bool)
	for _, name := range signed {
		lname := strings.ToLower(name)
		for i := len(headers) - 1; i >= 0; i-- {
			if used[i] || headers[i].lkey != lname {
				continue
			}
			used[i] = true
			field := headers[i].raw
			if canon == CanonRelaxed {
				relaxed, err := relaxHeader(field)
				if err != nil {
					return nil, err
				}
				field = append(relaxed, crlf...)
			}
			h.Write(field)
			break
		}
	}

	if canon == CanonRelaxed {
		relaxed, err := relaxHeader(sigHeader)
		if err != nil {
			return nil, err
		}
		sigHeader = relaxed
	}
	h.Write(sigHeader)
	return h.Sum(nil), nil
}

func getHash(name string) (crypto.Hash, bool) {
	switch strings.ToLower(name) {
	case "sha256":
		return crypto.SHA256, true
	case "sha1":
		return crypto.SHA1, true
	default:
		return 0, false
	}
}
