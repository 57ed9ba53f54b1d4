package report

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Feedback is the root element of an aggregate report, RFC 7489
// appendix C.
type Feedback struct {
	XMLName         xml.Name         `xml:"feedback"`
	Version         string           `xml:"version,omitempty"`
	ReportMetadata  ReportMetadata   `xml:"report_metadata"`
	PolicyPublished XMLPolicy        `xml:"policy_published"`
	Records         []FeedbackRecord `xml:"record"`
}

type ReportMetadata struct {
	OrgName   string    `xml:"org_name"`
	Email     string    `xml:"email"`
	ReportID  string    `xml:"report_id"`
	DateRange DateRange `xml:"date_range"`
	Errors    []string  `xml:"error,omitempty"`
}

// DateRange holds seconds since the epoch, UTC.
type DateRange struct {
	Begin int64 `xml:"begin"`
	End   int64 `xml:"end"`
}

type XMLPolicy struct {
	Domain string `xml:"domain"`
	ADKIM  string `xml:"adkim,omitempty"`
	ASPF   string `xml:"aspf,omitempty"`
	P      string `xml:"p"`
	SP     string `xml:"sp,omitempty"`
	Pct    int    `xml:"pct"`
}

type FeedbackRecord struct {
	Row         Row         `xml:"row"`
	Identifiers Identifiers `xml:"identifiers"`
	AuthResults AuthResults `xml:"auth_results"`
}

type Row struct {
	SourceIP        string          `xml:"source_ip"`
	Count           int             `xml:"count"`
	PolicyEvaluated PolicyEvaluated `xml:"policy_evaluated"`
}

type PolicyEvaluated struct {
	Disposition string `xml:"disposition"`
	DKIM        string `xml:"dkim"`
	SPF         string `xml:"spf"`
}

type Identifiers struct {
	HeaderFrom string `xml:"header_from"`
}

type AuthResults struct {
	DKIM []DKIMAuthResult `xml:"dkim,omitempty"`
	SPF  []SPFAuthResult  `xml:"spf"`
}

type DKIMAuthResult struct {
	Domain   string `xml:"domain"`
	Selector string `xml:"selector,omitempty"`
	Result   string `xml:"result"`
}

type SPFAuthResult struct {
	Domain string `xml:"domain"`
	Scope  string `xml:"scope,omitempty"`
	Result string `xml:"result"`
}

// Feedback returns the XML form of r.
func (r *Report) Feedback() Feedback {
	f := Feedback{
		Version: "1.0",
		ReportMetadata: ReportMetadata{
			OrgName:  r.OrgName,
			Email:    r.ContactEmail,
			ReportID: r.ID,
			DateRange: DateRange{
				Begin: r.BeginTime.Unix(),
				End:   lastSecond(r.EndTime),
			},
		},
		PolicyPublished: XMLPolicy{
			Domain: r.Policy.Domain,
			ADKIM:  r.Policy.ADKIM,
			ASPF:   r.Policy.ASPF,
			P:      r.Policy.P,
			SP:     r.Policy.SP,
			Pct:    r.Policy.Pct,
		},
		Records: make([]FeedbackRecord, 0, len(r.Records)),
	}
	if f.PolicyPublished.Domain == "" {
		f.PolicyPublished.Domain = r.Domain
	}

	for _, rec := range r.Records {
		fr := FeedbackRecord{
			Row: Row{
				SourceIP: rec.SourceIP,
				Count:    rec.Count,
				PolicyEvaluated: PolicyEvaluated{
					Disposition: orDefault(rec.Disposition, "none"),
					DKIM:        passFail(rec.DKIMAligned),
					SPF:         passFail(rec.SPFAligned),
				},
			},
			Identifiers: Identifiers{HeaderFrom: rec.HeaderFrom},
			AuthResults: AuthResults{
				SPF: []SPFAuthResult{{
					Domain: orDefault(rec.SPFDomain, rec.HeaderFrom),
					Scope:  "mfrom",
					Result: orDefault(rec.SPFResult, "none"),
				}},
			},
		}
		if rec.DKIMDomain != "" {
			fr.AuthResults.DKIM = []DKIMAuthResult{{
				Domain:   rec.DKIMDomain,
				Selector: rec.DKIMSelector,
				Result:   dkimResult(rec.DKIMResult),
			}}
		}
		f.Records = append(f.Records, fr)
	}
	return f
}

// The RFC 7489 schema has no "invalid" DKIM result.
func dkimResult(s string) string {
	switch s {
	case "":
		return "none"
	case "invalid":
		return "permerror"
	}
	return s
}

func passFail(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// lastSecond returns the last second covered by a window ending at end.
func lastSecond(end time.Time) int64 {
	return end.Add(-time.Second).Unix()
}

// MarshalFeedback returns f as an indented UTF-8 XML document with
// declaration.
func MarshalFeedback(f Feedback) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeFeedback(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFeedback writes f to w as gzip-compressed XML.
func WriteFeedback(w io.Writer, f Feedback) error {
	gz := gzip.NewWriter(w)
	if err := encodeFeedback(gz, f); err != nil {
		return err
	}
	return gz.Close()
}

func encodeFeedback(w io.Writer, f Feedback) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "\t")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encoding feedback: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// ParseFeedback reads a report, plain or gzip-compressed XML.
func ParseFeedback(r io.Reader) (*Feedback, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("reading gzip: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	var f Feedback
	if err := xml.NewDecoder(src).Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding feedback: %w", err)
	}
	return &f, nil
}

// FileName returns the attachment name of a report,
// "<org>!<domain>!<begin>!<end>.xml.gz" with epoch seconds.
func FileName(org, domain string, begin, end time.Time) string {
	return org + "!" + domain + "!" + strconv.FormatInt(begin.Unix(), 10) + "!" + strconv.FormatInt(lastSecond(end), 10) + ".xml.gz"
}

// Subject returns the subject line of a report message.
func Subject(domain, org, reportID string) string {
	return fmt.Sprintf("Report Domain: %s Submitter: %s Report-ID: <%s>", domain, org, reportID)
}

// body returns the human-readable part of a report message.
func body(r *Report) string {
	return fmt.Sprintf(`Attached is an aggregate DMARC report with results of evaluations of the DMARC
policy of your domain for messages received by us that have your domain in the
message From header. You are receiving this message because your address is
specified in the "rua" field of the DMARC record for your domain.

Report domain: %s
Submitter: %s
Report-ID: %s
Period: %s - %s UTC
`, r.Domain, r.OrgName, r.ID,
		r.BeginTime.UTC().Format(time.DateTime), r.EndTime.UTC().Format(time.DateTime))
}
