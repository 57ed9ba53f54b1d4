package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/synqronlabs/mailguard/dnsbl"
)

func (row DnsBlacklist) toList() dnsbl.List {
	return dnsbl.List{
		Hostname:    row.Hostname,
		DisplayName: row.DisplayName,
		Weight:      row.Weight,
		Active:      row.IsActive,
		QueryCount:  row.QueryCount,
		HitCount:    row.HitCount,
	}
}

// SeedLists inserts lists whose hostname is not stored yet. Existing lists
// keep their weight, state and counters.
func (s *Store) SeedLists(ctx context.Context, lists []dnsbl.List) (int, error) {
	if len(lists) == 0 {
		return 0, nil
	}
	rows := make([]DnsBlacklist, len(lists))
	for i, l := range lists {
		rows[i] = DnsBlacklist{
			Hostname:    l.Hostname,
			DisplayName: l.DisplayName,
			Weight:      l.Weight,
			IsActive:    l.Active,
		}
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hostname"}},
		DoNothing: true,
	}).Create(&rows)
	return int(res.RowsAffected), res.Error
}

// ActiveLists returns the active lists by descending weight.
func (s *Store) ActiveLists(ctx context.Context) ([]dnsbl.List, error) {
	return s.lists(s.db.WithContext(ctx).Where("is_active = ?", true))
}

// Lists returns all lists, also inactive ones.
func (s *Store) Lists(ctx context.Context) ([]dnsbl.List, error) {
	return s.lists(s.db.WithContext(ctx))
}

func (s *Store) lists(q *gorm.DB) ([]dnsbl.List, error) {
	var rows []DnsBlacklist
	if err := q.Order("weight DESC, hostname ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	lists := make([]dnsbl.List, len(rows))
	for i, r := range rows {
		lists[i] = r.toList()
	}
	return lists, nil
}

// RecordQuery increments the counters of a list in the database, so
// concurrent checks of several processes do not lose updates.
func (s *Store) RecordQuery(ctx context.Context, hostname string, hit bool) error {
	hits := 0
	if hit {
		hits = 1
	}
	return s.db.WithContext(ctx).
		Model(&DnsBlacklist{}).
		Where("hostname = ?", hostname).
		Updates(map[string]any{
			"query_count": gorm.Expr("query_count + ?", 1),
			"hit_count":   gorm.Expr("hit_count + ?", hits),
		}).Error
}

// SetActive activates or deactivates a list. It reports whether the list
// exists.
func (s *Store) SetActive(ctx context.Context, hostname string, active bool) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&DnsBlacklist{}).
		Where("hostname = ?", hostname).
		Update("is_active", active)
	return res.RowsAffected > 0, res.Error
}

// LogCheck stores a finished DNSBL check.
func (s *Store) LogCheck(ctx context.Context, res dnsbl.CheckResult) error {
	row := DnsBlacklistCheckLog{
		IPAddress:   res.IP,
		MessageID:   res.MessageID,
		Status:      string(res.Status),
		Listed:      res.Listed(),
		HitCount:    len(res.Hits),
		TotalWeight: res.TotalWeight,
		RiskLevel:   string(res.RiskLevel),
		Hits:        res.Hits,
		Queries:     res.Queries,
		Error:       res.Error,
		CheckedAt:   res.CheckedAt.UTC(),
		DurationMs:  res.Duration.Milliseconds(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// RecentChecks returns the latest checks of ip, newest first.
func (s *Store) RecentChecks(ctx context.Context, ip string, limit int) ([]DnsBlacklistCheckLog, error) {
	var rows []DnsBlacklistCheckLog
	err := s.db.WithContext(ctx).
		Where("ip_address = ?", ip).
		Order("checked_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
