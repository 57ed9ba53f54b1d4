package dkim

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
)

// Summary is the DKIM outcome of a whole message: the best result over all
// of its signatures.
type Summary struct {
	Status   Status
	Domain   string
	Selector string
	Details  string

	// Results holds one entry per DKIM-Signature header.
	Results []Result
}

// statusRank orders results when a message carries several signatures.
var statusRank = map[Status]int{
	StatusPass:      0,
	StatusFail:      1,
	StatusTemperror: 2,
	StatusInvalid:   3,
	StatusNone:      4,
}

// Evaluate verifies every DKIM-Signature of message and summarizes them.
//
// A message without signatures is StatusNone. A signature with a missing
// d= or s= tag, or whose key is absent or revoked, is StatusInvalid. A DNS
// failure while fetching the key is StatusTemperror.
func (v *Verifier) Evaluate(ctx context.Context, message []byte) Summary {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}

	results, err := v.Verify(ctx, message)
	if err != nil {
		// Headers could not be parsed. Report the message as signed but
		// unverifiable only when a signature header is visibly present.
		if hasSignatureHeader(message) {
			return Summary{Status: StatusInvalid, Details: err.Error()}
		}
		return Summary{Status: StatusNone, Details: "no DKIM-Signature header"}
	}
	if len(results) == 0 {
		return Summary{Status: StatusNone, Details: "no DKIM-Signature header"}
	}

	best := 0
	for i, r := range results {
		if statusRank[r.Status] < statusRank[results[best].Status] {
			best = i
		}
	}
	r := results[best]

	s := Summary{Status: r.Status, Results: results}
	if r.Signature != nil {
		s.Domain = r.Signature.Domain
		s.Selector = r.Signature.Selector
	}
	switch {
	case r.Err != nil:
		s.Details = r.Err.Error()
	case r.Status == StatusPass:
		s.Details = fmt.Sprintf("signature by %s verified", s.Domain)
	default:
		s.Details = string(r.Status)
	}

	logger.Debug("dkim evaluated",
		slog.String("status", string(s.Status)),
		slog.String("domain", s.Domain),
		slog.String("selector", s.Selector),
		slog.Int("signatures", len(results)),
	)
	return s
}

// hasSignatureHeader reports whether a line of the header section starts
// with "DKIM-Signature:", case-insensitively.
func hasSignatureHeader(message []byte) bool {
	const name = "dkim-signature:"
	for len(message) > 0 {
		line := message
		if i := bytes.IndexByte(message, '\n'); i >= 0 {
			line, message = message[:i], message[i+1:]
		} else {
			message = nil
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			return false
		}
		if len(line) >= len(name) && bytes.EqualFold(line[:len(name)], []byte(name)) {
			return true
		}
	}
	return false
}

// normalizeCRLF converts bare LF line endings to CRLF.
func normalizeCRLF(b []byte) []byte {
	if !bytes.Contains(b, []byte("\n")) {
		return b
	}
	out := make([]byte, 0, len(b)+bytes.Count(b, []byte("\n")))
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}
