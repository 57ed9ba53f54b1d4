package mailer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/synqronlabs/mailguard/utils"
)

// Content transfer encodings used by composed messages.
const (
	Encoding7Bit   = "7bit"
	EncodingBase64 = "base64"
)

// base64LineLength is the RFC 2045 limit for encoded lines.
const base64LineLength = 76

var (
	ErrNoSender    = errors.New("mailer: from address is required")
	ErrNoRecipient = errors.New("mailer: at least one recipient is required")
)

// Header is a single header field.
type Header struct {
	Name  string
	Value string
}

// Part is a leaf MIME body part.
type Part struct {
	ContentType             string
	Charset                 string
	ContentTransferEncoding string
	Filename                string
	Body                    []byte
}

// Message is an outbound message with an optional set of attachments.
type Message struct {
	From      string
	To        []string
	Subject   string
	Date      time.Time
	MessageID string
	Text      string
	Parts     []Part
}

// Attach adds data as a base64 attachment.
func (m *Message) Attach(filename, contentType string, data []byte) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	m.Parts = append(m.Parts, Part{
		ContentType:             contentType,
		ContentTransferEncoding: EncodingBase64,
		Filename:                filename,
		Body:                    data,
	})
}

// Bytes renders the message with CRLF line endings. Date and Message-ID
// are filled in when empty.
func (m *Message) Bytes() ([]byte, error) {
	if m.From == "" {
		return nil, ErrNoSender
	}
	if len(m.To) == 0 {
		return nil, ErrNoRecipient
	}
	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return nil, fmt.Errorf("mailer: invalid from address %q: %w", m.From, err)
	}
	to := make([]string, len(m.To))
	for i, addr := range m.To {
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("mailer: invalid recipient %q: %w", addr, err)
		}
		to[i] = parsed.String()
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	msgID := m.MessageID
	if msgID == "" {
		domain := utils.DomainFromAddress(from.Address)
		if domain == "" {
			domain = "localhost"
		}
		msgID = fmt.Sprintf("<%d.%s@%s>", date.UnixNano(), utils.GenerateID(), domain)
	}

	headers := []Header{
		{Name: "From", Value: from.String()},
		{Name: "To", Value: strings.Join(to, ", ")},
		{Name: "Subject", Value: mime.QEncoding.Encode("utf-8", m.Subject)},
		{Name: "Date", Value: date.Format(time.RFC1123Z)},
		{Name: "Message-ID", Value: msgID},
		{Name: "MIME-Version", Value: "1.0"},
	}

	text := Part{
		ContentType:             "text/plain",
		Charset:                 "utf-8",
		ContentTransferEncoding: Encoding7Bit,
		Body:                    []byte(normalizeLineEndings(m.Text)),
	}
	if !isASCII(text.Body) {
		text.ContentTransferEncoding = EncodingBase64
	}

	var buf bytes.Buffer
	for _, h := range headers {
		writeHeader(&buf, h)
	}

	if len(m.Parts) == 0 {
		writePartHeaders(&buf, &text)
		buf.WriteString("\r\n")
		writePartBody(&buf, &text)
		return buf.Bytes(), nil
	}

	boundary := "mailguard-" + utils.GenerateID()
	writeHeader(&buf, Header{
		Name:  "Content-Type",
		Value: mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": boundary}),
	})
	buf.WriteString("\r\n")

	parts := append([]Part{text}, m.Parts...)
	for i := range parts {
		buf.WriteString("--" + boundary + "\r\n")
		writePartHeaders(&buf, &parts[i])
		buf.WriteString("\r\n")
		writePartBody(&buf, &parts[i])
		buf.WriteString("\r\n")
	}
	buf.WriteString("--" + boundary + "--\r\n")
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, h Header) {
	buf.WriteString(h.Name)
	buf.WriteString(": ")
	buf.WriteString(h.Value)
	buf.WriteString("\r\n")
}

func writePartHeaders(buf *bytes.Buffer, part *Part) {
	params := map[string]string{}
	if part.Charset != "" && strings.HasPrefix(part.ContentType, "text/") {
		params["charset"] = part.Charset
	}
	if part.Filename != "" {
		params["name"] = part.Filename
	}
	writeHeader(buf, Header{Name: "Content-Type", Value: mime.FormatMediaType(part.ContentType, params)})

	if part.Filename != "" {
		writeHeader(buf, Header{
			Name:  "Content-Disposition",
			Value: mime.FormatMediaType("attachment", map[string]string{"filename": part.Filename}),
		})
	}
	if part.ContentTransferEncoding != "" {
		writeHeader(buf, Header{Name: "Content-Transfer-Encoding", Value: part.ContentTransferEncoding})
	}
}

func writePartBody(buf *bytes.Buffer, part *Part) {
	if part.ContentTransferEncoding != EncodingBase64 {
		buf.Write(part.Body)
		if len(part.Body) > 0 && !bytes.HasSuffix(part.Body, []byte("\r\n")) {
			buf.WriteString("\r\n")
		}
		return
	}
	encoded := base64.StdEncoding.EncodeToString(part.Body)
	for len(encoded) > base64LineLength {
		buf.WriteString(encoded[:base64LineLength])
		buf.WriteString("\r\n")
		encoded = encoded[base64LineLength:]
	}
	if encoded != "" {
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
}

// envelopeAddress strips the display name from addr for MAIL FROM and
// RCPT TO.
func envelopeAddress(addr string) string {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return addr
	}
	return parsed.Address
}

// normalizeLineEndings converts LF, CR and CRLF line endings to CRLF.
func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
