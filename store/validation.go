package store

import (
	"context"
	"strings"
	"time"

	"github.com/synqronlabs/mailguard"
	"github.com/synqronlabs/mailguard/report"
)

// SaveVerdict stores a validation verdict.
func (s *Store) SaveVerdict(ctx context.Context, v mailguard.Verdict) error {
	received := v.ReceivedAt
	if received.IsZero() {
		received = v.StartedAt
	}
	var senderIP string
	if v.SenderIP != nil {
		senderIP = v.SenderIP.String()
	}

	row := ValidationLog{
		MessageID:   v.MessageID,
		SenderIP:    senderIP,
		FromAddress: v.From,
		FromDomain:  strings.ToLower(v.FromDomain()),
		MailFrom:    v.MailFrom,

		SPFStatus:  string(v.SPF.Status),
		SPFDomain:  v.SPF.Domain,
		SPFRecord:  v.SPF.Record,
		SPFDetails: v.SPF.Details,

		DKIMStatus:   string(v.DKIM.Status),
		DKIMDomain:   v.DKIM.Domain,
		DKIMSelector: v.DKIM.Selector,
		DKIMDetails:  v.DKIM.Details,

		DMARCStatus:      string(v.DMARC.Status),
		DMARCPolicy:      string(v.DMARC.Policy),
		DMARCDisposition: string(v.DMARC.Disposition),
		DMARCPolicyMap:   v.DMARC.PolicyMap,
		DMARCAlignedSPF:  v.DMARC.AlignedSPF,
		DMARCAlignedDKIM: v.DMARC.AlignedDKIM,
		DMARCDetails:     v.DMARC.Details,

		Overall:    string(v.Overall),
		Error:      v.Error,
		ReceivedAt: received.UTC(),
		StartedAt:  v.StartedAt.UTC(),
		FinishedAt: v.FinishedAt.UTC(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// completed holds the overall statuses of validations that ran to the end.
var completed = []string{string(mailguard.OverallPass), string(mailguard.OverallFail)}

// Entries returns the completed validations of messages from domain
// received in [begin, end), oldest first.
func (s *Store) Entries(ctx context.Context, domain string, begin, end time.Time) ([]report.LogEntry, error) {
	var rows []ValidationLog
	err := s.db.WithContext(ctx).
		Where("from_domain = ? AND received_at >= ? AND received_at < ? AND overall IN ?",
			strings.ToLower(domain), begin.UTC(), end.UTC(), completed).
		Order("received_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	entries := make([]report.LogEntry, len(rows))
	for i, r := range rows {
		entries[i] = report.LogEntry{
			MessageID:    r.MessageID,
			SenderIP:     r.SenderIP,
			FromDomain:   r.FromDomain,
			SPFResult:    r.SPFStatus,
			SPFDomain:    r.SPFDomain,
			DKIMResult:   r.DKIMStatus,
			DKIMDomain:   r.DKIMDomain,
			DKIMSelector: r.DKIMSelector,
			DMARCResult:  r.DMARCStatus,
			Disposition:  r.DMARCDisposition,
			SPFAligned:   r.DMARCAlignedSPF,
			DKIMAligned:  r.DMARCAlignedDKIM,
			ReceivedAt:   r.ReceivedAt,
		}
	}
	return entries, nil
}

// Domains returns the From domains of completed validations received in
// [begin, end), sorted.
func (s *Store) Domains(ctx context.Context, begin, end time.Time) ([]string, error) {
	var domains []string
	err := s.db.WithContext(ctx).
		Model(&ValidationLog{}).
		Where("received_at >= ? AND received_at < ? AND overall IN ? AND from_domain <> ''",
			begin.UTC(), end.UTC(), completed).
		Distinct("from_domain").
		Order("from_domain ASC").
		Pluck("from_domain", &domains).Error
	return domains, err
}
