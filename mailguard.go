// Mailguard verifies the sender authentication of inbound email and reports
// on it.
//
// # Validation
//
// A Validator runs SPF, DKIM and DMARC for one message and returns an
// immutable Verdict:
//
//	resolver := dns.NewResolver(dns.ResolverConfig{})
//	v := mailguard.New(resolver, mailguard.Config{Enabled: true, Hostname: "mx.example.com"})
//
//	verdict := v.Validate(ctx, mailguard.Message{
//	    ID:   "<abc@example.com>",
//	    From: "Alice <alice@example.com>",
//	    Raw:  raw,
//	}, net.ParseIP("192.0.2.1"))
//
//	if verdict.Overall == mailguard.OverallFail {
//	    // quarantine
//	}
//
// Verdicts are handed to an optional Sink, which the store package
// implements. The report package turns stored verdicts into DMARC aggregate
// reports and the dnsbl package checks sender IPs against DNS blocklists.
package mailguard

import (
	"bytes"
	"context"
	"errors"
	"net/mail"
	"time"
)

var (
	ErrNoFromAddress = errors.New("mailguard: message has no From address")
)

// Message is an inbound message to validate.
type Message struct {
	// ID is the Message-ID, used to correlate the verdict.
	ID string

	// From is the RFC5322.From header. When empty it is read from Raw.
	From string

	// MailFrom is the envelope sender (RFC5321.MailFrom). When set, SPF is
	// evaluated for its domain instead of the From domain.
	MailFrom string

	// Raw is the complete message, headers and body.
	Raw []byte

	ReceivedAt time.Time
}

// Sink receives every verdict produced by a Validator.
type Sink interface {
	SaveVerdict(ctx context.Context, v Verdict) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, v Verdict) error

// SaveVerdict calls f(ctx, v).
func (f SinkFunc) SaveVerdict(ctx context.Context, v Verdict) error {
	return f(ctx, v)
}

// headerFields reads the From and Message-ID headers of a raw message.
func headerFields(raw []byte) (from, messageID string, err error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", "", err
	}
	return m.Header.Get("From"), m.Header.Get("Message-Id"), nil
}
