// Package mailer delivers outbound mail, such as DMARC aggregate reports,
// through an SMTP submission server.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/synqronlabs/mailguard/dkim"
)

const defaultTimeout = 30 * time.Second

var ErrNoServer = errors.New("mailer: no smtp server configured")

// TLSMode selects how the connection to the submission server is secured.
type TLSMode string

const (
	TLSNone     TLSMode = "none"
	TLSStartTLS TLSMode = "starttls"
	TLSImplicit TLSMode = "tls"
)

// SMTPDeliverer sends messages through one SMTP server.
type SMTPDeliverer struct {
	// Addr is the server address, host:port.
	Addr string

	// Hostname is sent in EHLO. Defaults to "localhost".
	Hostname string

	// Username and Password enable AUTH PLAIN when Username is set.
	Username string
	Password string

	TLS       TLSMode
	TLSConfig *tls.Config

	// Timeout bounds each SMTP command and the DATA submission.
	Timeout time.Duration

	// Signer, when set, adds a DKIM-Signature to every message.
	Signer *dkim.Signer

	Logger *slog.Logger
}

func (d *SMTPDeliverer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// SendWithAttachment sends a text message with the file at filePath attached.
func (d *SMTPDeliverer) SendWithAttachment(ctx context.Context, from, to, subject, body, filePath, contentType string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("mailer: read attachment: %w", err)
	}

	msg := &Message{
		From:    from,
		To:      []string{to},
		Subject: subject,
		Text:    body,
	}
	msg.Attach(filepath.Base(filePath), contentType, data)
	return d.Send(ctx, msg)
}

// Send composes, optionally signs, and submits msg.
func (d *SMTPDeliverer) Send(ctx context.Context, msg *Message) error {
	raw, err := msg.Bytes()
	if err != nil {
		return err
	}
	if d.Signer != nil {
		header, err := d.Signer.Sign(raw)
		if err != nil {
			return fmt.Errorf("mailer: dkim sign: %w", err)
		}
		raw = append([]byte(header), raw...)
	}

	start := time.Now()
	if err := d.submit(ctx, envelopeAddress(msg.From), msg.To, raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		d.logger().Warn("message submission failed",
			slog.String("server", d.Addr),
			slog.Any("to", msg.To),
			slog.Any("error", err),
		)
		return err
	}
	d.logger().Info("message submitted",
		slog.String("server", d.Addr),
		slog.Any("to", msg.To),
		slog.Int("size", len(raw)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (d *SMTPDeliverer) dial() (*smtp.Client, error) {
	if d.TLS == TLSImplicit {
		return smtp.DialTLS(d.Addr, d.TLSConfig)
	}
	return smtp.Dial(d.Addr)
}

func (d *SMTPDeliverer) submit(ctx context.Context, from string, to []string, raw []byte) error {
	if d.Addr == "" {
		return ErrNoServer
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c, err := d.dial()
	if err != nil {
		return fmt.Errorf("mailer: dial %s: %w", d.Addr, err)
	}
	defer c.Close()
	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout

	// Closing the client unblocks any pending command when ctx ends.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	hostname := d.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	if err := c.Hello(hostname); err != nil {
		return fmt.Errorf("mailer: ehlo: %w", err)
	}

	if d.TLS == TLSStartTLS {
		if err := c.StartTLS(d.TLSConfig); err != nil {
			return fmt.Errorf("mailer: starttls: %w", err)
		}
	}

	if d.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", d.Username, d.Password)); err != nil {
			return fmt.Errorf("mailer: auth: %w", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("mailer: mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(envelopeAddress(rcpt), nil); err != nil {
			return fmt.Errorf("mailer: rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("mailer: data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("mailer: write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mailer: message rejected: %w", err)
	}

	if err := c.Quit(); err != nil {
		d.logger().Debug("quit failed", slog.Any("error", err))
	}
	return nil
}
