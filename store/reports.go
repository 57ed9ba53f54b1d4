package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/synqronlabs/mailguard/report"
)

const recordInsertBatchSize = 500

func reportRow(r *report.Report) DmarcReport {
	row := DmarcReport{
		ID:                r.ID,
		Domain:            r.Domain,
		BeginTime:         r.BeginTime.UTC(),
		EndTime:           r.EndTime.UTC(),
		OrgName:           r.OrgName,
		ContactEmail:      r.ContactEmail,
		PolicyDomain:      r.Policy.Domain,
		PolicyADKIM:       r.Policy.ADKIM,
		PolicyASPF:        r.Policy.ASPF,
		PolicyP:           r.Policy.P,
		PolicySP:          r.Policy.SP,
		PolicyPct:         r.Policy.Pct,
		TotalMessages:     r.TotalMessages,
		CompliantMessages: r.CompliantMessages,
		FailedMessages:    r.FailedMessages,
		Recipients:        r.Recipients,
		State:             string(r.State),
		IsSent:            r.IsSent,
		SendAttempts:      r.SendAttempts,
		LastError:         r.LastError,
		ReportPath:        r.ReportPath,
		CreatedAt:         r.CreatedAt.UTC(),
	}
	if !r.SentAt.IsZero() {
		t := r.SentAt.UTC()
		row.SentAt = &t
	}
	return row
}

func recordRows(id string, records []report.Record) []DmarcReportRecord {
	rows := make([]DmarcReportRecord, len(records))
	for i, rec := range records {
		rows[i] = DmarcReportRecord{
			ReportID:     id,
			SourceIP:     rec.SourceIP,
			HeaderFrom:   rec.HeaderFrom,
			Count:        rec.Count,
			SPFResult:    rec.SPFResult,
			SPFDomain:    rec.SPFDomain,
			SPFAligned:   rec.SPFAligned,
			DKIMResult:   rec.DKIMResult,
			DKIMDomain:   rec.DKIMDomain,
			DKIMSelector: rec.DKIMSelector,
			DKIMAligned:  rec.DKIMAligned,
			DMARCResult:  rec.DMARCResult,
			Disposition:  rec.Disposition,
		}
	}
	return rows
}

func (row *DmarcReport) toReport() *report.Report {
	r := &report.Report{
		ID:           row.ID,
		Domain:       row.Domain,
		OrgName:      row.OrgName,
		ContactEmail: row.ContactEmail,
		BeginTime:    row.BeginTime.UTC(),
		EndTime:      row.EndTime.UTC(),
		Policy: report.PolicyPublished{
			Domain: row.PolicyDomain,
			ADKIM:  row.PolicyADKIM,
			ASPF:   row.PolicyASPF,
			P:      row.PolicyP,
			SP:     row.PolicySP,
			Pct:    row.PolicyPct,
		},
		TotalMessages:     row.TotalMessages,
		CompliantMessages: row.CompliantMessages,
		FailedMessages:    row.FailedMessages,
		Recipients:        row.Recipients,
		State:             report.State(row.State),
		IsSent:            row.IsSent,
		SendAttempts:      row.SendAttempts,
		LastError:         row.LastError,
		ReportPath:        row.ReportPath,
		CreatedAt:         row.CreatedAt,
	}
	if row.SentAt != nil {
		r.SentAt = *row.SentAt
	}
	for _, rec := range row.Records {
		r.Records = append(r.Records, report.Record{
			SourceIP:     rec.SourceIP,
			HeaderFrom:   rec.HeaderFrom,
			Count:        rec.Count,
			SPFResult:    rec.SPFResult,
			SPFDomain:    rec.SPFDomain,
			SPFAligned:   rec.SPFAligned,
			DKIMResult:   rec.DKIMResult,
			DKIMDomain:   rec.DKIMDomain,
			DKIMSelector: rec.DKIMSelector,
			DKIMAligned:  rec.DKIMAligned,
			DMARCResult:  rec.DMARCResult,
			Disposition:  rec.Disposition,
		})
	}
	return r
}

func withRecords(db *gorm.DB) *gorm.DB {
	return db.Preload("Records", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	})
}

// CreateReport inserts r and its records unless the window already has a
// report. The unique index on (domain, begin_time, end_time) decides.
func (s *Store) CreateReport(ctx context.Context, r *report.Report) (*report.Report, bool, error) {
	row := reportRow(r)
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "domain"}, {Name: "begin_time"}, {Name: "end_time"}},
			DoNothing: true,
		}).Omit("Records").Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true

		records := recordRows(row.ID, r.Records)
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(&records, recordInsertBatchSize).Error
	})
	if err != nil {
		return nil, false, err
	}

	stored, err := s.FindReport(ctx, r.Domain, r.BeginTime, r.EndTime)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *Store) FindReport(ctx context.Context, domain string, begin, end time.Time) (*report.Report, error) {
	var row DmarcReport
	err := withRecords(s.db.WithContext(ctx)).
		Where("domain = ? AND begin_time = ? AND end_time = ?", domain, begin.UTC(), end.UTC()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, report.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toReport(), nil
}

func (s *Store) GetReport(ctx context.Context, id string) (*report.Report, error) {
	var row DmarcReport
	err := withRecords(s.db.WithContext(ctx)).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, report.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toReport(), nil
}

// UpdateReport saves the lifecycle columns only; records and totals are
// fixed at creation. It releases the send lease.
func (s *Store) UpdateReport(ctx context.Context, r *report.Report) error {
	var sentAt *time.Time
	if !r.SentAt.IsZero() {
		t := r.SentAt.UTC()
		sentAt = &t
	}
	res := s.db.WithContext(ctx).
		Model(&DmarcReport{}).
		Where("id = ?", r.ID).
		Updates(map[string]any{
			"state":              string(r.State),
			"is_sent":            r.IsSent,
			"send_attempts":      r.SendAttempts,
			"last_error":         r.LastError,
			"report_path":        r.ReportPath,
			"sent_at":            sentAt,
			"send_claimed_until": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return report.ErrNotFound
	}
	return nil
}

// ClaimSend is a conditional update of send_claimed_until, so concurrent
// senders in any process race on the row.
func (s *Store) ClaimSend(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&DmarcReport{}).
		Where("id = ? AND is_sent = ?", id, false).
		Where("send_claimed_until IS NULL OR send_claimed_until <= ?", now.UTC()).
		Update("send_claimed_until", until.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&DmarcReport{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	if n == 0 {
		return false, report.ErrNotFound
	}
	return false, nil
}

func (s *Store) PendingReports(ctx context.Context, maxAttempts int) ([]*report.Report, error) {
	return s.findReports(ctx, "is_sent = ? AND state <> ? AND send_attempts < ?",
		false, string(report.StateAbandoned), maxAttempts)
}

func (s *Store) ExpiredReports(ctx context.Context, before time.Time) ([]*report.Report, error) {
	return s.findReports(ctx, "end_time < ?", before.UTC())
}

func (s *Store) findReports(ctx context.Context, query string, args ...any) ([]*report.Report, error) {
	var rows []DmarcReport
	err := withRecords(s.db.WithContext(ctx)).
		Where(query, args...).
		Order("begin_time ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*report.Report, len(rows))
	for i := range rows {
		out[i] = rows[i].toReport()
	}
	return out, nil
}

// DeleteReport removes a report and its records.
func (s *Store) DeleteReport(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("report_id = ?", id).Delete(&DmarcReportRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&DmarcReport{}).Error
	})
}
