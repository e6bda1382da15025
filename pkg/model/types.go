package model

import (
	"regexp"
	"strings"
)

// TargetType identifies what kind of IRR object a target is.
type TargetType string

const (
	TargetASN   TargetType = "asn"
	TargetASSet TargetType = "as-set"
)

// Snapshot is an immutable observation of a target's announced prefixes
// at a point in time. Prefixes are stored sorted; they are opaque strings
// to this layer (no CIDR validation happens here).
type Snapshot struct {
	ID           int64
	Target       string
	TargetType   TargetType
	ObservedAt   int64 // Unix seconds
	Sources      []string
	IPv4Prefixes []string // sorted
	IPv6Prefixes []string // sorted
	ContentHash  string   // SHA-256 over the canonical prefix serialization
	CreatedAt    int64
}

// Diff is the delta between a snapshot and its selected baseline.
// OldSnapshotID is 0 when there was no prior baseline (first observation).
type Diff struct {
	ID            int64
	NewSnapshotID int64
	OldSnapshotID int64
	Target        string
	AddedV4       []string
	RemovedV4     []string
	AddedV6       []string
	RemovedV6     []string
	DiffHash      string // idempotency key for downstream submission
	HasChanges    bool
	CreatedAt     int64
}

// FirstObservation reports whether this diff had no baseline.
func (d *Diff) FirstObservation() bool {
	return d.OldSnapshotID == 0
}

// TicketStatus is the lifecycle state of a ticket record.
type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketCreated   TicketStatus = "created"
	TicketDuplicate TicketStatus = "duplicate"
	TicketFailed    TicketStatus = "failed"
	TicketDryRun    TicketStatus = "dry_run"
)

// Settled reports whether the status blocks further submission attempts
// for the same diff. Only created and duplicate do; failed, pending and
// dry_run tickets may be retried by a later run.
func (s TicketStatus) Settled() bool {
	return s == TicketCreated || s == TicketDuplicate
}

// Ticket records one attempt to notify the downstream ticketing system
// about a diff.
type Ticket struct {
	ID               int64
	DiffID           int64
	Target           string
	ExternalTicketID string // empty until the remote system assigns one
	Status           TicketStatus
	RequestPayload   []byte // exact JSON body sent (or that would be sent)
	ResponsePayload  []byte
	CreatedAt        int64
}

// PrefixResult is what a fetch strategy returns. Partial failure never
// surfaces as an error: failed sources are reported in Errors while the
// prefix sets reflect whatever could be retrieved.
type PrefixResult struct {
	IPv4Prefixes   []string
	IPv6Prefixes   []string
	SourcesQueried []string
	Errors         []string
}

// Empty reports whether no prefixes of either family were retrieved.
func (r *PrefixResult) Empty() bool {
	return len(r.IPv4Prefixes) == 0 && len(r.IPv6Prefixes) == 0
}

// Failed reports a total fetch failure: nothing retrieved and at least
// one source error. Empty with no errors is a legitimate empty observation.
func (r *PrefixResult) Failed() bool {
	return r.Empty() && len(r.Errors) > 0
}

// TicketResponse is the outcome of a ticketing submission.
type TicketResponse struct {
	TicketID     string
	Status       TicketStatus
	IsDuplicate  bool
	ErrorMessage string
}

var targetPattern = regexp.MustCompile(`^AS[-\w:]+$`)

// NormalizeTarget uppercases and trims a target identifier and validates
// it looks like an ASN (AS15169) or AS-SET (AS-EXAMPLE).
func NormalizeTarget(target string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(target))
	if !targetPattern.MatchString(t) {
		return "", ErrInvalidTarget
	}
	return t, nil
}

// Error types
type Error string

const (
	ErrNotFound         Error = "record not found"
	ErrStoreClosed      Error = "store is closed"
	ErrStorage          Error = "storage operation failed"
	ErrFetchFailed      Error = "no usable data from any source"
	ErrSubmissionFailed Error = "ticket submission failed"
	ErrInvalidTarget    Error = "invalid target: must be an ASN or AS-SET"
)

func (e Error) Error() string {
	return string(e)
}
