package rollup

import (
	"encoding/json"
	"strconv"
	"time"
)

// Hash field names shared by the write and read paths. Acceleration
// sub-buckets use the same names behind a bucket prefix
// (e.g. "accelerated_scans_count").
const (
	fieldScansCount        = "scans_count"
	fieldFlaggedCount      = "flagged_count"
	fieldFlagsSum          = "flags_sum"
	fieldTotalBytes        = "total_bytes"
	fieldTotalBytesSq      = "total_bytes_sq"
	fieldTotalDurationMS   = "total_duration_ms"
	fieldTotalDurationSqMS = "total_duration_sq_ms"
	fieldFramesScanned     = "total_frames_scanned"
	fieldFramesTarget      = "total_frames_target"
	fieldFramesMedia       = "total_frames_media"
	fieldLastDurationMS    = "last_duration_ms"
	fieldLastStatus        = "last_status"
	fieldLastReference     = "last_reference"
	fieldLastFlaggedAt     = "last_flagged_at"
	fieldLastDetails       = "last_details"
	fieldLastAt            = "last_at"
	fieldUpdatedAt         = "updated_at"
)

// AccelClasses maps caller-facing acceleration class names to their hash
// field prefixes. Iteration over breakdowns always covers all three.
var AccelClasses = map[string]string{
	"accelerated":     "accelerated",
	"non_accelerated": "non_accelerated",
	"unknown":         "unknown_acceleration",
}

// Counters are the raw accumulated values of one bucket, exactly as stored.
type Counters struct {
	ScansCount         int64           `json:"scans_count"`
	FlaggedCount       int64           `json:"flagged_count"`
	FlagsSum           int64           `json:"flags_sum"`
	TotalBytes         int64           `json:"total_bytes"`
	TotalBytesSq       int64           `json:"total_bytes_sq"`
	TotalDurationMS    int64           `json:"total_duration_ms"`
	TotalDurationSqMS  int64           `json:"total_duration_sq_ms"`
	TotalFramesScanned int64           `json:"total_frames_scanned"`
	TotalFramesTarget  int64           `json:"total_frames_target"`
	TotalFramesMedia   int64           `json:"total_frames_media"`
	LastDurationMS     int64           `json:"last_duration_ms"`
	LastStatus         string          `json:"last_status,omitempty"`
	LastReference      string          `json:"last_reference,omitempty"`
	LastFlaggedAt      *time.Time      `json:"last_flagged_at,omitempty"`
	LastAt             *time.Time      `json:"last_at,omitempty"`
	LastDetails        json.RawMessage `json:"last_details,omitempty"`
	UpdatedAt          *time.Time      `json:"updated_at,omitempty"`
}

// AccelBucket is one acceleration partition of a bucket, carrying the same
// counter shape and the same derived statistics as its parent.
type AccelBucket struct {
	Counters
	Stats
}

// Rollup is the caller-facing aggregate for one (date, scope, content type)
// bucket.
type Rollup struct {
	Date        time.Time              `json:"metric_date"`
	ScopeID     int64                  `json:"scope_id"`
	ContentType string                 `json:"content_type"`
	Counters
	Stats
	StatusCounts map[string]int64       `json:"status_counts"`
	Acceleration map[string]AccelBucket `json:"acceleration"`
}

// Totals is the all-time cross-scope aggregate.
type Totals struct {
	Counters
	Stats
	StatusCounts map[string]int64       `json:"status_counts"`
	Acceleration map[string]AccelBucket `json:"acceleration"`
}

// SummaryBucket folds every matching rollup of one content type: raw counters
// are summed first and statistics derived once from the sums.
type SummaryBucket struct {
	ContentType string `json:"content_type"`
	Counters
	Stats
	Acceleration map[string]AccelBucket `json:"acceleration"`
}

// countersFromHash hydrates counters out of a raw hash. An empty prefix reads
// the top-level bucket; an acceleration prefix reads its sub-bucket fields.
func countersFromHash(hash map[string]string, prefix string) Counters {
	get := func(field string) string {
		if prefix != "" {
			return hash[prefix+"_"+field]
		}
		return hash[field]
	}
	asInt := func(field string) int64 {
		v, _ := strconv.ParseInt(get(field), 10, 64)
		return v
	}

	c := Counters{
		ScansCount:         asInt(fieldScansCount),
		FlaggedCount:       asInt(fieldFlaggedCount),
		FlagsSum:           asInt(fieldFlagsSum),
		TotalBytes:         asInt(fieldTotalBytes),
		TotalBytesSq:       asInt(fieldTotalBytesSq),
		TotalDurationMS:    asInt(fieldTotalDurationMS),
		TotalDurationSqMS:  asInt(fieldTotalDurationSqMS),
		TotalFramesScanned: asInt(fieldFramesScanned),
		TotalFramesTarget:  asInt(fieldFramesTarget),
		TotalFramesMedia:   asInt(fieldFramesMedia),
		LastDurationMS:     asInt(fieldLastDurationMS),
		LastStatus:         get(fieldLastStatus),
		LastReference:      get(fieldLastReference),
		LastFlaggedAt:      parseTime(get(fieldLastFlaggedAt)),
		LastAt:             parseTime(get(fieldLastAt)),
		UpdatedAt:          parseTime(get(fieldUpdatedAt)),
	}
	if raw := get(fieldLastDetails); raw != "" && json.Valid([]byte(raw)) {
		c.LastDetails = json.RawMessage(raw)
	}
	return c
}

// accelerationFromHash hydrates the three sub-buckets, deriving statistics
// with the same formulas used for the parent.
func accelerationFromHash(hash map[string]string) map[string]AccelBucket {
	out := make(map[string]AccelBucket, len(AccelClasses))
	for class, prefix := range AccelClasses {
		counters := countersFromHash(hash, prefix)
		out[class] = AccelBucket{Counters: counters, Stats: Derive(counters)}
	}
	return out
}

func statusCountsFromHash(hash map[string]string) map[string]int64 {
	out := make(map[string]int64, len(hash))
	for status, raw := range hash {
		v, _ := strconv.ParseInt(raw, 10, 64)
		out[status] = v
	}
	return out
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
