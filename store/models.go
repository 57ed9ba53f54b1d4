package store

import (
	"time"

	"github.com/synqronlabs/mailguard/dnsbl"
)

// ValidationLog is one validated message.
type ValidationLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	MessageID   string `gorm:"size:998;index"`
	SenderIP    string `gorm:"size:45;index:idx_validation_window,priority:2"`
	FromAddress string `gorm:"size:512"`
	FromDomain  string `gorm:"size:255;index:idx_validation_window,priority:1"`
	MailFrom    string `gorm:"size:512"`

	SPFStatus  string `gorm:"size:16"`
	SPFDomain  string `gorm:"size:255"`
	SPFRecord  string
	SPFDetails string

	DKIMStatus   string `gorm:"size:16"`
	DKIMDomain   string `gorm:"size:255"`
	DKIMSelector string `gorm:"size:255"`
	DKIMDetails  string

	DMARCStatus      string            `gorm:"size:16"`
	DMARCPolicy      string            `gorm:"size:16"`
	DMARCDisposition string            `gorm:"size:16"`
	DMARCPolicyMap   map[string]string `gorm:"serializer:json"`
	DMARCAlignedSPF  bool
	DMARCAlignedDKIM bool
	DMARCDetails     string

	Overall string `gorm:"size:16;index"`
	Error   string

	ReceivedAt time.Time `gorm:"index:idx_validation_window,priority:3"`
	StartedAt  time.Time
	FinishedAt time.Time
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// DmarcReport is an aggregate report. Domain, BeginTime and EndTime are
// unique together.
type DmarcReport struct {
	ID string `gorm:"primaryKey;size:26"`

	Domain       string    `gorm:"size:255;not null;uniqueIndex:idx_dmarc_report_window,priority:1"`
	BeginTime    time.Time `gorm:"not null;uniqueIndex:idx_dmarc_report_window,priority:2"`
	EndTime      time.Time `gorm:"not null;uniqueIndex:idx_dmarc_report_window,priority:3;index"`
	OrgName      string    `gorm:"size:255"`
	ContactEmail string    `gorm:"size:512"`

	PolicyDomain string `gorm:"size:255"`
	PolicyADKIM  string `gorm:"size:1"`
	PolicyASPF   string `gorm:"size:1"`
	PolicyP      string `gorm:"size:16"`
	PolicySP     string `gorm:"size:16"`
	PolicyPct    int

	TotalMessages     int
	CompliantMessages int
	FailedMessages    int

	Recipients []string `gorm:"serializer:json"`

	State        string `gorm:"size:32;index"`
	IsSent       bool   `gorm:"index"`
	SendAttempts int
	LastError    string
	ReportPath   string

	CreatedAt time.Time
	SentAt    *time.Time

	// SendClaimedUntil is the lease of the sender currently delivering the
	// report.
	SendClaimedUntil *time.Time

	Records []DmarcReportRecord `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
}

// DmarcReportRecord is one row of a report.
type DmarcReportRecord struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	ReportID string `gorm:"size:26;not null;index"`

	SourceIP   string `gorm:"size:45"`
	HeaderFrom string `gorm:"size:255"`
	Count      int

	SPFResult    string `gorm:"size:16"`
	SPFDomain    string `gorm:"size:255"`
	SPFAligned   bool
	DKIMResult   string `gorm:"size:16"`
	DKIMDomain   string `gorm:"size:255"`
	DKIMSelector string `gorm:"size:255"`
	DKIMAligned  bool
	DMARCResult  string `gorm:"size:16"`
	Disposition  string `gorm:"size:16"`
}

// DnsBlacklist is a block list with its running counters.
type DnsBlacklist struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Hostname    string `gorm:"size:255;uniqueIndex;not null"`
	DisplayName string `gorm:"size:255"`
	Weight      int    `gorm:"not null"`
	IsActive    bool   `gorm:"not null;index"`

	QueryCount int64 `gorm:"not null"`
	HitCount   int64 `gorm:"not null"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// DnsBlacklistCheckLog is one DNSBL check of an address.
type DnsBlacklistCheckLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	IPAddress string `gorm:"size:45;index"`
	MessageID string `gorm:"size:998"`
	Status    string `gorm:"size:16"`

	Listed      bool
	HitCount    int
	TotalWeight int
	RiskLevel   string `gorm:"size:16;index"`

	Hits    []dnsbl.Hit         `gorm:"serializer:json"`
	Queries []dnsbl.QueryResult `gorm:"serializer:json"`

	Error      string
	CheckedAt  time.Time `gorm:"index"`
	DurationMs int64
}

func models() []any {
	return []any{
		&ValidationLog{},
		&DmarcReport{},
		&DmarcReportRecord{},
		&DnsBlacklist{},
		&DnsBlacklistCheckLog{},
	}
}
