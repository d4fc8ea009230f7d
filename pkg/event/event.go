// Package event defines the scan-event record produced by scanning pipelines
// and consumed by the rollup engine.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Acceleration field prefixes used inside rollup hashes. An event with
// Accelerated == nil lands in the unknown bucket.
const (
	AccelAccelerated    = "accelerated"
	AccelNonAccelerated = "non_accelerated"
	AccelUnknown        = "unknown_acceleration"
)

// ScanEvent is one media scan outcome. It is ephemeral: the engine folds it
// into rollup counters and never stores the record itself (the stream copy is
// observational only).
type ScanEvent struct {
	OccurredAt  time.Time       `json:"occurred_at"`
	ScopeID     int64           `json:"scope_id"`
	ContentType string          `json:"content_type"`
	Status      string          `json:"status"`
	Flagged     bool            `json:"flagged"`
	FlagsCount  int64           `json:"flags_count"`
	DurationMS  float64         `json:"duration_ms"`
	BytesSize   int64           `json:"bytes_size"`

	// Video workload fields; zero means "not provided".
	FramesScanned int64 `json:"frames_scanned,omitempty"`
	FramesTarget  int64 `json:"frames_target,omitempty"`
	FramesMedia   int64 `json:"frames_media_total,omitempty"`

	// Accelerated is tri-state: true, false, or unknown (nil).
	Accelerated *bool `json:"accelerated,omitempty"`

	Reference string          `json:"reference,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// MalformedEventError reports an event rejected before any store mutation.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed scan event: %s %s", e.Field, e.Reason)
}

// Validate checks required fields and domains. It must be called before the
// accumulator touches any state so a bad event leaves no partial writes.
func (e *ScanEvent) Validate() error {
	if e.ContentType == "" {
		return &MalformedEventError{Field: "content_type", Reason: "is required"}
	}
	if e.Status == "" {
		return &MalformedEventError{Field: "status", Reason: "is required"}
	}
	if e.ScopeID < 0 {
		return &MalformedEventError{Field: "scope_id", Reason: "must be non-negative"}
	}
	if e.FlagsCount < 0 {
		return &MalformedEventError{Field: "flags_count", Reason: "must be non-negative"}
	}
	if e.DurationMS < 0 {
		return &MalformedEventError{Field: "duration_ms", Reason: "must be non-negative"}
	}
	if e.BytesSize < 0 {
		return &MalformedEventError{Field: "bytes_size", Reason: "must be non-negative"}
	}
	if e.FramesScanned < 0 || e.FramesTarget < 0 || e.FramesMedia < 0 {
		return &MalformedEventError{Field: "frames", Reason: "must be non-negative"}
	}
	return nil
}

// Occurred returns the event time in UTC, defaulting a zero timestamp to now.
func (e *ScanEvent) Occurred() time.Time {
	if e.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return e.OccurredAt.UTC()
}

// AccelPrefix maps the tri-state acceleration flag to its hash field prefix.
func (e *ScanEvent) AccelPrefix() string {
	switch {
	case e.Accelerated == nil:
		return AccelUnknown
	case *e.Accelerated:
		return AccelAccelerated
	default:
		return AccelNonAccelerated
	}
}
