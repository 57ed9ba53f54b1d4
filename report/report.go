// Package report generates and sends DMARC aggregate reports (RFC 7489
// section 7.2).
//
// A Generator collects the validation outcomes logged for a domain over a
// reporting window, groups them into count-bearing records, stores the
// report and writes it as gzip-compressed feedback XML. Send mails the file
// to the rua addresses published by the domain.
//
// At most one report exists per (domain, begin, end). Generating the same
// window again returns the stored report.
package report

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("report: not found")
	ErrInvalidWindow = errors.New("report: invalid reporting window")
	ErrNoRecipients  = errors.New("report: no aggregate report recipients")
	ErrAbandoned     = errors.New("report: send abandoned after too many attempts")
	ErrSendClaimed   = errors.New("report: send claimed by another sender")
)

// State is the position of a report in its lifecycle:
//
//	created -> file_generated -> sent
//	                          -> send_failed -> sent | abandoned
type State string

const (
	StateCreated    State = "created"
	StateGenerated  State = "file_generated"
	StateSent       State = "sent"
	StateSendFailed State = "send_failed"
	StateAbandoned  State = "abandoned"
)

// PolicyPublished is the snapshot of the domain's DMARC record at
// generation time.
type PolicyPublished struct {
	Domain string
	ADKIM  string
	ASPF   string
	P      string
	SP     string
	Pct    int
}

// Report is a DMARC aggregate report for one domain and window.
type Report struct {
	ID           string
	Domain       string
	OrgName      string
	ContactEmail string

	// BeginTime is inclusive, EndTime exclusive.
	BeginTime time.Time
	EndTime   time.Time

	Policy PolicyPublished

	TotalMessages     int
	CompliantMessages int
	FailedMessages    int

	Records []Record

	// Recipients are the mailto addresses the report goes to.
	Recipients []string

	State        State
	IsSent       bool
	SendAttempts int
	LastError    string
	ReportPath   string

	CreatedAt time.Time
	SentAt    time.Time
}

// Record is one row of a report: the messages of a window sharing source
// address and From domain (and auth outcome, when grouping splits on it).
type Record struct {
	SourceIP   string
	HeaderFrom string
	Count      int

	SPFResult    string
	SPFDomain    string
	DKIMResult   string
	DKIMDomain   string
	DKIMSelector string
	DMARCResult  string
	Disposition  string

	// Aligned results feed policy_evaluated.
	SPFAligned  bool
	DKIMAligned bool
}

// LogEntry is a logged validation outcome, the input of grouping.
type LogEntry struct {
	MessageID  string
	SenderIP   string
	FromDomain string

	SPFResult    string
	SPFDomain    string
	DKIMResult   string
	DKIMDomain   string
	DKIMSelector string
	DMARCResult  string
	Disposition  string
	SPFAligned   bool
	DKIMAligned  bool

	ReceivedAt time.Time
}

// Store persists reports.
type Store interface {
	// CreateReport stores r unless a report for its (domain, begin, end)
	// exists. It returns the stored report and whether it was created. The
	// check and insert are atomic.
	CreateReport(ctx context.Context, r *Report) (stored *Report, created bool, err error)

	// FindReport returns the report of a window, or ErrNotFound.
	FindReport(ctx context.Context, domain string, begin, end time.Time) (*Report, error)

	// GetReport returns a report with its records, or ErrNotFound.
	GetReport(ctx context.Context, id string) (*Report, error)

	// UpdateReport saves the lifecycle fields of r: state, sent flag,
	// attempts, last error, path and send time.
	UpdateReport(ctx context.Context, r *Report) error

	// ClaimSend leases unsent report id to one sender until the lease
	// expires or the report is next updated. It reports false when the
	// report is sent or another sender holds a lease that is still valid
	// at now. The check and lease are atomic.
	ClaimSend(ctx context.Context, id string, now, until time.Time) (bool, error)

	// PendingReports returns unsent reports with fewer than maxAttempts
	// send attempts that are not abandoned.
	PendingReports(ctx context.Context, maxAttempts int) ([]*Report, error)

	// ExpiredReports returns reports whose window ended before t.
	ExpiredReports(ctx context.Context, before time.Time) ([]*Report, error)

	DeleteReport(ctx context.Context, id string) error
}

// LogSource supplies logged validation outcomes.
type LogSource interface {
	// Entries returns the completed validations of messages from domain
	// received in [begin, end).
	Entries(ctx context.Context, domain string, begin, end time.Time) ([]LogEntry, error)

	// Domains returns the From domains seen in [begin, end).
	Domains(ctx context.Context, begin, end time.Time) ([]string, error)
}

// Deliverer sends a message with one attached file.
type Deliverer interface {
	SendWithAttachment(ctx context.Context, from, to, subject, body, filePath, contentType string) error
}
