package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/modwatch/scanmetrics/pkg/event"
	"github.com/modwatch/scanmetrics/pkg/store"
)

// GlobalScope is the scope identifier of the cross-tenant aggregate.
const GlobalScope int64 = 0

// Options configures an Engine.
type Options struct {
	// KeyPrefix namespaces every key the engine touches.
	KeyPrefix string

	// Stream is the append-only event stream name.
	Stream string
}

// Engine is the write path and query façade over a backing store. It holds no
// rollup state of its own: every mutation is a blind delta or overwrite
// against the store, and every read re-fetches.
type Engine struct {
	store  store.Store
	keys   Keys
	stream string
	now    func() time.Time
}

// New creates an engine over the given store.
func New(st store.Store, opts Options) *Engine {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "scanmetrics"
	}
	stream := opts.Stream
	if stream == "" {
		stream = prefix + ":events"
	}
	return &Engine{
		store:  st,
		keys:   Keys{Prefix: prefix},
		stream: stream,
		now:    time.Now,
	}
}

// delta is one pending counter increment.
type delta struct {
	field string
	value int64
}

// Record folds one scan event into its per-scope daily rollup, the global
// daily rollup, and the all-time totals. Each target is updated independently
// with commutative increments and unconditional snapshot overwrites, so any
// number of producers may call Record concurrently without locking.
//
// A failure against one target does not stop the others and is never rolled
// back; the returned error joins every per-target failure. The stream append
// is observational and its failure is only logged.
func (e *Engine) Record(ctx context.Context, ev event.ScanEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	occurred := ev.Occurred()
	date := occurred.Truncate(24 * time.Hour)
	score := DateScore(occurred)
	deltas := buildDeltas(ev)
	snapshot := buildSnapshot(ev, occurred, e.now().UTC())

	scopeKey := e.keys.Rollup(occurred, ev.ScopeID, ev.ContentType)
	globalKey := e.keys.Rollup(occurred, GlobalScope, ev.ContentType)

	var errs []error
	apply := func(targetErr error) {
		if targetErr != nil {
			errs = append(errs, targetErr)
		}
	}

	apply(e.applyRollup(ctx, scopeKey, ev.ScopeID, ev.Status, deltas, snapshot, score))
	if ev.ScopeID != GlobalScope {
		apply(e.applyRollup(ctx, globalKey, GlobalScope, ev.Status, deltas, snapshot, score))
	}
	apply(e.applyHash(ctx, e.keys.Totals(), deltas, snapshot))
	apply(e.incrementStatus(ctx, e.keys.TotalsStatus(), ev.Status))

	if err := e.emit(ctx, ev, occurred, date); err != nil {
		log.Printf("scan event stream append failed: %v", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("record scan: %w", errors.Join(errs...))
	}
	return nil
}

// applyRollup updates one daily rollup hash plus its status histogram and
// registers the key in both indexes. Registration is idempotent; if it fails
// after the counters landed, the next event for the bucket repairs the index.
func (e *Engine) applyRollup(ctx context.Context, key string, scopeID int64, status string, deltas []delta, snapshot map[string]string, score float64) error {
	var errs []error
	if err := e.applyHash(ctx, key, deltas, snapshot); err != nil {
		errs = append(errs, err)
	}
	if err := e.incrementStatus(ctx, e.keys.Status(key), status); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Register(ctx, e.keys.Index(), key, score); err != nil {
		errs = append(errs, fmt.Errorf("index %s: %w", key, err))
	}
	if err := e.store.Register(ctx, e.keys.ScopeIndex(scopeID), key, score); err != nil {
		errs = append(errs, fmt.Errorf("scope index %s: %w", key, err))
	}
	return errors.Join(errs...)
}

func (e *Engine) applyHash(ctx context.Context, key string, deltas []delta, snapshot map[string]string) error {
	for _, d := range deltas {
		if _, err := e.store.Increment(ctx, key, d.field, d.value); err != nil {
			return err
		}
	}
	return e.store.SetSnapshot(ctx, key, snapshot)
}

func (e *Engine) incrementStatus(ctx context.Context, key, status string) error {
	_, err := e.store.Increment(ctx, key, status, 1)
	return err
}

// emit appends the full event to the stream for live consumers.
func (e *Engine) emit(ctx context.Context, ev event.ScanEvent, occurred, date time.Time) error {
	payload, err := json.Marshal(streamRecord{
		OccurredAt:  occurred,
		MetricDate:  date.Format(dateLayout),
		ScopeID:     ev.ScopeID,
		ContentType: ev.ContentType,
		Status:      ev.Status,
		Flagged:     ev.Flagged,
		FlagsCount:  ev.FlagsCount,
		DurationMS:  ev.DurationMS,
		BytesSize:   ev.BytesSize,
		Reference:   ev.Reference,
		Details:     ev.Details,
		Accelerated: ev.Accelerated,
	})
	if err != nil {
		return err
	}
	return e.store.Append(ctx, e.stream, payload)
}

type streamRecord struct {
	OccurredAt  time.Time       `json:"occurred_at"`
	MetricDate  string          `json:"metric_date"`
	ScopeID     int64           `json:"scope_id"`
	ContentType string          `json:"content_type"`
	Status      string          `json:"status"`
	Flagged     bool            `json:"flagged"`
	FlagsCount  int64           `json:"flags_count"`
	DurationMS  float64         `json:"duration_ms"`
	BytesSize   int64           `json:"bytes_size"`
	Reference   string          `json:"reference,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	Accelerated *bool           `json:"accelerated"`
}

// buildDeltas produces the bounded per-field increment set applied to every
// target hash: the base fields plus the same fields behind the event's
// acceleration prefix. Zero-valued deltas are skipped.
func buildDeltas(ev event.ScanEvent) []delta {
	durationMS := int64(math.Round(ev.DurationMS))

	base := []delta{
		{fieldScansCount, 1},
		{fieldFlaggedCount, flagBit(ev.Flagged)},
		{fieldFlagsSum, ev.FlagsCount},
		{fieldTotalBytes, ev.BytesSize},
		{fieldTotalBytesSq, ev.BytesSize * ev.BytesSize},
		{fieldTotalDurationMS, durationMS},
		{fieldTotalDurationSqMS, durationMS * durationMS},
		{fieldFramesScanned, ev.FramesScanned},
		{fieldFramesTarget, ev.FramesTarget},
		{fieldFramesMedia, ev.FramesMedia},
	}

	prefix := ev.AccelPrefix()
	out := make([]delta, 0, len(base)*2)
	for _, d := range base {
		if d.value == 0 {
			continue
		}
		out = append(out, d)
		out = append(out, delta{prefix + "_" + d.field, d.value})
	}
	return out
}

// buildSnapshot produces the overwrite set: top-level "last" fields plus the
// acceleration sub-bucket's own snapshots. Last-writer-wins by arrival order.
func buildSnapshot(ev event.ScanEvent, occurred, now time.Time) map[string]string {
	durationMS := int64(math.Round(ev.DurationMS))
	occurredISO := occurred.Format(time.RFC3339Nano)
	prefix := ev.AccelPrefix()

	fields := map[string]string{
		fieldLastStatus:                    ev.Status,
		fieldLastDurationMS:                strconv.FormatInt(durationMS, 10),
		fieldUpdatedAt:                     now.Format(time.RFC3339Nano),
		prefix + "_" + fieldLastStatus:     ev.Status,
		prefix + "_" + fieldLastDurationMS: strconv.FormatInt(durationMS, 10),
		prefix + "_" + fieldLastAt:         occurredISO,
	}
	if ev.Reference != "" {
		fields[fieldLastReference] = ev.Reference
		fields[prefix+"_"+fieldLastReference] = ev.Reference
	}
	if len(ev.Details) > 0 {
		fields[fieldLastDetails] = string(ev.Details)
		fields[prefix+"_"+fieldLastDetails] = string(ev.Details)
	}
	if ev.Flagged {
		fields[fieldLastFlaggedAt] = occurredISO
		fields[prefix+"_"+fieldLastFlaggedAt] = occurredISO
	}
	return fields
}

func flagBit(flagged bool) int64 {
	if flagged {
		return 1
	}
	return 0
}
