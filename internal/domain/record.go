package domain

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status values produced outside of the upstream translation table.
const (
	StatusPending = "Pending"
	StatusUnknown = "Unknown"
)

// Record is one student's visa application as stored and displayed.
type Record struct {
	Passport        string          `json:"passport"`
	FullName        string          `json:"fullName"`
	Birthday        string          `json:"birthday"`
	StudentID       string          `json:"studentId,omitempty"`
	Status          string          `json:"status"`
	ApplicationDate string          `json:"applicationDate,omitempty"`
	LastChecked     time.Time       `json:"lastChecked"`
	AutoCheck       bool            `json:"autoCheck"`
	APIResponse     json.RawMessage `json:"apiResponse,omitempty"`
}

// StatusOrUnknown returns the stored status, treating an empty one as Unknown.
func (r Record) StatusOrUnknown() string {
	if r.Status == "" {
		return StatusUnknown
	}
	return r.Status
}

// Details carries the user-editable fields of a record.
type Details struct {
	FullName  string
	Birthday  string
	StudentID string
	AutoCheck bool
}

// CheckUpdate is what a status check writes back to the store.
// ApplicationDate is only persisted when non-empty.
type CheckUpdate struct {
	Status          string
	ApplicationDate string
	CheckedAt       time.Time
	APIResponse     json.RawMessage
}

// Resolution is the normalized outcome of one upstream payload.
type Resolution struct {
	Status          string `json:"status"`
	ApplicationDate string `json:"applicationDate"`
}

// CheckOutcome is the final payload of one upstream check plus polling bookkeeping.
type CheckOutcome struct {
	Payload  json.RawMessage
	TaskID   string
	Polls    int
	TimedOut bool
}

// Err reports an exhausted poll budget as an UpstreamTimeout error, nil otherwise.
// The payload stays usable; callers treat the error as a warning.
func (o CheckOutcome) Err() error {
	if !o.TimedOut {
		return nil
	}
	return &Error{
		Kind:    KindUpstreamTimeout,
		Message: ErrUpstreamTimeout.Message,
		Details: fmt.Sprintf("task %s still pending after %d polls", o.TaskID, o.Polls),
	}
}

// Category groups statuses the way the admin UI tabs do.
type Category string

const (
	CategoryApplication Category = "application"
	CategoryCancelled   Category = "cancelled"
	CategoryApproved    Category = "approved"
)

// Categorize maps any status string to its tab.
func Categorize(status string) Category {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "approved"):
		return CategoryApproved
	case strings.Contains(s, "cancel"), strings.Contains(s, "reject"), strings.Contains(s, "error"):
		return CategoryCancelled
	default:
		return CategoryApplication
	}
}

// ChangeKind enumerates change-feed events.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
	// ChangeSynced marks the end of the initial replay; it carries no record.
	ChangeSynced ChangeKind = "synced"
)

// RecordChange is a single event of the record change feed.
type RecordChange struct {
	Kind   ChangeKind `json:"kind"`
	Record Record     `json:"record"`
}

// CompareRecords orders records oldest application first, records without an
// application date last, then by name and passport.
func CompareRecords(a, b Record) int {
	switch {
	case a.ApplicationDate == "" && b.ApplicationDate != "":
		return 1
	case a.ApplicationDate != "" && b.ApplicationDate == "":
		return -1
	}
	return cmp.Or(
		cmp.Compare(a.ApplicationDate, b.ApplicationDate),
		cmp.Compare(a.FullName, b.FullName),
		cmp.Compare(a.Passport, b.Passport),
	)
}
