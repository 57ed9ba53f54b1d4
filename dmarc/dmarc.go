package dmarc

import "errors"

var (
	ErrNoRecord = errors.New("dmarc: no DMARC record")

	// ErrMultipleRecords is returned when a domain publishes more than one
	// policy. RFC 7489 treats such a domain as having none.
	ErrMultipleRecords = errors.New("dmarc: multiple DMARC records")

	ErrSyntax = errors.New("dmarc: malformed DMARC record")
	ErrDNS    = errors.New("dmarc: DNS lookup failed")
)

// Status is the outcome of a DMARC evaluation, as written in an
// Authentication-Results header (RFC 8601).
type Status string

const (
	StatusNone      Status = "none"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Policy is the handling a domain requests for messages that fail DMARC.
type Policy string

const (
	PolicyEmpty      Policy = "" // sp= absent
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

// Align is an identifier alignment mode.
type Align string

const (
	AlignRelaxed Align = "r" // organizational domains must match
	AlignStrict  Align = "s" // domains must be equal
)

// Result is the DMARC evaluation of one message.
type Result struct {
	Status Status

	// Policy applies to the From domain: sp= for a subdomain of the record
	// domain when present, p= otherwise.
	Policy Policy

	// Disposition is Policy when Status is fail and none otherwise.
	Disposition Policy

	AlignedSPFPass  bool
	AlignedDKIMPass bool

	// Domain is where the record was found, possibly the organizational
	// domain of the From domain.
	Domain string

	Record *Record

	// Tags holds the raw tag=value pairs of the record as published. It is
	// set for malformed records too.
	Tags map[string]string

	RecordAuthentic bool
	Err             error
}
