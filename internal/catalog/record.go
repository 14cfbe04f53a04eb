package catalog

import (
	"time"
)

// Status is the lifecycle state of a backup record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IDLayout formats a record's creation time into its identifier.
const IDLayout = "20060102_150405"

const (
	payloadPrefix = "backup_"
	payloadExt    = ".sql"
	sidecarExt    = ".json"
)

// Record describes one backup. It is persisted as <ID>.json next to the payload.
type Record struct {
	ID            string        `json:"id"`
	Filename      string        `json:"filename"`
	CreatedAt     time.Time     `json:"created_at"`
	Size          int64         `json:"size"`
	Status        Status        `json:"status"`
	SchemaVersion string        `json:"schema_version,omitempty"`
	Compressed    bool          `json:"compressed"`
	Compression   string        `json:"compression,omitempty"`
	Description   string        `json:"description,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Duration      time.Duration `json:"duration_ns,omitempty"`
}

// Descriptor carries the caller-supplied fields of a new record.
type Descriptor struct {
	Description   string
	Compression   string
	SchemaVersion string
}

// DeleteFailure names an id DeleteMany could not remove.
type DeleteFailure struct {
	ID     string
	Reason string
}

// DeleteResult reports a batch delete per id.
type DeleteResult struct {
	Succeeded []string
	Failed    []DeleteFailure
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}

func payloadFilename(id, codecExt string) string {
	return payloadPrefix + id + payloadExt + codecExt
}

func sidecarFilename(id string) string {
	return id + sidecarExt
}
