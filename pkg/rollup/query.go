package rollup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// QueryOptions narrow a rollup read.
type QueryOptions struct {
	// ContentType filters buckets to one content type. Empty matches all.
	ContentType string

	// Since drops buckets dated before this day. Zero means unbounded.
	Since time.Time

	// Limit caps the number of rollups returned. Zero or negative means the
	// default of 30.
	Limit int
}

const defaultQueryLimit = 30

// Rollups returns the most recent daily rollups for one scope, newest first.
// When the scope's own index is empty the cross-scope index is scanned
// instead, which repairs reads after a lost scope-index entry; candidates are
// still filtered to the requested scope, so an unknown scope or content type
// yields an empty slice, not an error.
func (e *Engine) Rollups(ctx context.Context, scopeID int64, opts QueryOptions) ([]Rollup, error) {
	return e.fetchRollups(ctx, scopeID, opts, true)
}

// GlobalRollups returns the scope-0 daily rollups, which aggregate every
// scope's traffic per (date, content type).
func (e *Engine) GlobalRollups(ctx context.Context, opts QueryOptions) ([]Rollup, error) {
	return e.fetchRollups(ctx, GlobalScope, opts, false)
}

func (e *Engine) fetchRollups(ctx context.Context, scopeID int64, opts QueryOptions, fallbackToGlobal bool) ([]Rollup, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	candidates, err := e.collectKeys(ctx, e.keys.ScopeIndex(scopeID), fallbackToGlobal, opts.Since, limit)
	if err != nil {
		return nil, err
	}

	results := make([]Rollup, 0, limit)
	seen := make(map[string]struct{}, len(candidates))
	for _, key := range candidates {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		date, keyScope, contentType, ok := e.keys.ParseRollup(key)
		if !ok {
			continue
		}
		if keyScope != scopeID {
			continue
		}
		if !opts.Since.IsZero() && date.Before(opts.Since.UTC().Truncate(24*time.Hour)) {
			continue
		}
		if opts.ContentType != "" && contentType != opts.ContentType {
			continue
		}

		r, err := e.readRollup(ctx, key, date, keyScope, contentType)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Summary folds every matching rollup into one bucket per content type. Raw
// counters are summed across buckets first and statistics derived once from
// the sums; already-derived rates are never averaged.
func (e *Engine) Summary(ctx context.Context, scopeID int64, since time.Time) ([]SummaryBucket, error) {
	candidates, err := e.collectKeys(ctx, e.keys.ScopeIndex(scopeID), true, since, 0)
	if err != nil {
		return nil, err
	}

	type fold struct {
		counters Counters
		accel    map[string]Counters
	}
	buckets := make(map[string]*fold)
	seen := make(map[string]struct{}, len(candidates))

	for _, key := range candidates {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		date, keyScope, contentType, ok := e.keys.ParseRollup(key)
		if !ok {
			continue
		}
		if keyScope != scopeID {
			continue
		}
		if !since.IsZero() && date.Before(since.UTC().Truncate(24*time.Hour)) {
			continue
		}

		hash, err := e.store.ReadAll(ctx, key)
		if err != nil {
			return nil, err
		}

		b, okBucket := buckets[contentType]
		if !okBucket {
			b = &fold{accel: make(map[string]Counters, len(AccelClasses))}
			buckets[contentType] = b
		}
		b.counters = addCounters(b.counters, countersFromHash(hash, ""))
		for class, prefix := range AccelClasses {
			b.accel[class] = addCounters(b.accel[class], countersFromHash(hash, prefix))
		}
	}

	out := make([]SummaryBucket, 0, len(buckets))
	for contentType, b := range buckets {
		summary := SummaryBucket{
			ContentType:  contentType,
			Counters:     b.counters,
			Stats:        Derive(b.counters),
			Acceleration: make(map[string]AccelBucket, len(b.accel)),
		}
		for class, counters := range b.accel {
			summary.Acceleration[class] = AccelBucket{Counters: counters, Stats: Derive(counters)}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScansCount != out[j].ScansCount {
			return out[i].ScansCount > out[j].ScansCount
		}
		return out[i].ContentType < out[j].ContentType
	})
	return out, nil
}

// Totals reads the all-time global aggregate.
func (e *Engine) Totals(ctx context.Context) (Totals, error) {
	hash, err := e.store.ReadAll(ctx, e.keys.Totals())
	if err != nil {
		return Totals{}, err
	}
	statusHash, err := e.store.ReadAll(ctx, e.keys.TotalsStatus())
	if err != nil {
		return Totals{}, err
	}

	counters := countersFromHash(hash, "")
	return Totals{
		Counters:     counters,
		Stats:        Derive(counters),
		StatusCounts: statusCountsFromHash(statusHash),
		Acceleration: accelerationFromHash(hash),
	}, nil
}

// RollupImport is an administrative backfill payload for one bucket.
type RollupImport struct {
	Date         time.Time
	ScopeID      int64
	ContentType  string
	Counters     Counters
	StatusCounts map[string]int64
}

// ImportRollup rebuilds one bucket wholesale: the existing hashes are
// deleted, aggregate fields written as a snapshot, and the index entries
// re-registered. Intended for rebuilding a corrupted bucket from an external
// source of truth, not for normal traffic.
func (e *Engine) ImportRollup(ctx context.Context, imp RollupImport) error {
	if imp.ContentType == "" {
		return fmt.Errorf("import rollup: content type is required")
	}
	if imp.ScopeID < 0 {
		return fmt.Errorf("import rollup: scope must be non-negative")
	}

	key := e.keys.Rollup(imp.Date, imp.ScopeID, imp.ContentType)
	statusKey := e.keys.Status(key)

	if err := e.store.DeleteKeys(ctx, key, statusKey); err != nil {
		return fmt.Errorf("import rollup: %w", err)
	}
	if err := e.store.SetSnapshot(ctx, key, hashFieldsFromCounters(imp.Counters)); err != nil {
		return fmt.Errorf("import rollup: %w", err)
	}
	if len(imp.StatusCounts) > 0 {
		if err := e.store.SetSnapshot(ctx, statusKey, statusFields(imp.StatusCounts)); err != nil {
			return fmt.Errorf("import rollup: %w", err)
		}
	}

	score := DateScore(imp.Date)
	if err := e.store.Register(ctx, e.keys.Index(), key, score); err != nil {
		return fmt.Errorf("import rollup: %w", err)
	}
	if err := e.store.Register(ctx, e.keys.ScopeIndex(imp.ScopeID), key, score); err != nil {
		return fmt.Errorf("import rollup: %w", err)
	}
	return nil
}

// ImportTotals rebuilds the all-time aggregate wholesale.
func (e *Engine) ImportTotals(ctx context.Context, counters Counters, statusCounts map[string]int64) error {
	totalsKey := e.keys.Totals()
	statusKey := e.keys.TotalsStatus()

	if err := e.store.DeleteKeys(ctx, totalsKey, statusKey); err != nil {
		return fmt.Errorf("import totals: %w", err)
	}
	fields := hashFieldsFromCounters(counters)
	fields[fieldUpdatedAt] = e.now().UTC().Format(time.RFC3339Nano)
	if err := e.store.SetSnapshot(ctx, totalsKey, fields); err != nil {
		return fmt.Errorf("import totals: %w", err)
	}
	if len(statusCounts) > 0 {
		if err := e.store.SetSnapshot(ctx, statusKey, statusFields(statusCounts)); err != nil {
			return fmt.Errorf("import totals: %w", err)
		}
	}
	return nil
}

// DropRollup deletes one bucket's hashes. The index entries are left behind
// and go stale until the next event for the bucket re-registers them; readers
// treat the resulting empty hash as an all-zero rollup.
func (e *Engine) DropRollup(ctx context.Context, date time.Time, scopeID int64, contentType string) error {
	key := e.keys.Rollup(date, scopeID, contentType)
	return e.store.DeleteKeys(ctx, key, e.keys.Status(key))
}

// collectKeys pulls candidate members from the scope index, falling back to
// the cross-scope index when permitted and the scope index is empty. It
// over-fetches so post-parse filtering still fills the limit.
func (e *Engine) collectKeys(ctx context.Context, indexKey string, fallbackToGlobal bool, since time.Time, limit int) ([]string, error) {
	minScore := math.Inf(-1)
	if !since.IsZero() {
		minScore = DateScore(since)
	}
	fetch := 0
	if limit > 0 {
		fetch = limit * 5
		if fetch < 50 {
			fetch = 50
		}
	}

	members, err := e.store.RangeQuery(ctx, indexKey, minScore, fetch)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 && fallbackToGlobal && indexKey != e.keys.Index() {
		members, err = e.store.RangeQuery(ctx, e.keys.Index(), minScore, fetch)
		if err != nil {
			return nil, err
		}
	}
	return members, nil
}

func (e *Engine) readRollup(ctx context.Context, key string, date time.Time, scopeID int64, contentType string) (Rollup, error) {
	hash, err := e.store.ReadAll(ctx, key)
	if err != nil {
		return Rollup{}, err
	}
	statusHash, err := e.store.ReadAll(ctx, e.keys.Status(key))
	if err != nil {
		return Rollup{}, err
	}

	counters := countersFromHash(hash, "")
	return Rollup{
		Date:         date,
		ScopeID:      scopeID,
		ContentType:  contentType,
		Counters:     counters,
		Stats:        Derive(counters),
		StatusCounts: statusCountsFromHash(statusHash),
		Acceleration: accelerationFromHash(hash),
	}, nil
}

// addCounters sums the accumulated numeric fields; snapshot fields keep the
// most recent side.
func addCounters(a, b Counters) Counters {
	out := a
	out.ScansCount += b.ScansCount
	out.FlaggedCount += b.FlaggedCount
	out.FlagsSum += b.FlagsSum
	out.TotalBytes += b.TotalBytes
	out.TotalBytesSq += b.TotalBytesSq
	out.TotalDurationMS += b.TotalDurationMS
	out.TotalDurationSqMS += b.TotalDurationSqMS
	out.TotalFramesScanned += b.TotalFramesScanned
	out.TotalFramesTarget += b.TotalFramesTarget
	out.TotalFramesMedia += b.TotalFramesMedia
	if later(b.UpdatedAt, out.UpdatedAt) {
		out.LastDurationMS = b.LastDurationMS
		out.LastStatus = b.LastStatus
		out.LastReference = b.LastReference
		out.LastDetails = b.LastDetails
		out.UpdatedAt = b.UpdatedAt
	}
	if later(b.LastFlaggedAt, out.LastFlaggedAt) {
		out.LastFlaggedAt = b.LastFlaggedAt
	}
	if later(b.LastAt, out.LastAt) {
		out.LastAt = b.LastAt
	}
	return out
}

func later(candidate, current *time.Time) bool {
	if candidate == nil {
		return false
	}
	return current == nil || candidate.After(*current)
}

func hashFieldsFromCounters(c Counters) map[string]string {
	fields := map[string]string{
		fieldScansCount:        strconv.FormatInt(c.ScansCount, 10),
		fieldFlaggedCount:      strconv.FormatInt(c.FlaggedCount, 10),
		fieldFlagsSum:          strconv.FormatInt(c.FlagsSum, 10),
		fieldTotalBytes:        strconv.FormatInt(c.TotalBytes, 10),
		fieldTotalBytesSq:      strconv.FormatInt(c.TotalBytesSq, 10),
		fieldTotalDurationMS:   strconv.FormatInt(c.TotalDurationMS, 10),
		fieldTotalDurationSqMS: strconv.FormatInt(c.TotalDurationSqMS, 10),
		fieldFramesScanned:     strconv.FormatInt(c.TotalFramesScanned, 10),
		fieldFramesTarget:      strconv.FormatInt(c.TotalFramesTarget, 10),
		fieldFramesMedia:       strconv.FormatInt(c.TotalFramesMedia, 10),
		fieldLastDurationMS:    strconv.FormatInt(c.LastDurationMS, 10),
	}
	if c.LastStatus != "" {
		fields[fieldLastStatus] = c.LastStatus
	}
	if c.LastReference != "" {
		fields[fieldLastReference] = c.LastReference
	}
	if c.LastFlaggedAt != nil {
		fields[fieldLastFlaggedAt] = c.LastFlaggedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(c.LastDetails) > 0 {
		fields[fieldLastDetails] = string(c.LastDetails)
	}
	return fields
}

func statusFields(counts map[string]int64) map[string]string {
	out := make(map[string]string, len(counts))
	for status, count := range counts {
		out[status] = strconv.FormatInt(count, 10)
	}
	return out
}
