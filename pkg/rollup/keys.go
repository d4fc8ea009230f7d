package rollup

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// dateLayout is the civil-date form used inside rollup keys.
const dateLayout = "2006-01-02"

// Keys derives every store key from a configured prefix.
//
// Layout:
//
//	<prefix>:rollup:<date>:<scope>:<contentType>   counter hash
//	<rollupKey>:status                             status histogram hash
//	<prefix>:totals                                all-time counter hash
//	<prefix>:totals:status                         all-time status histogram
//	<prefix>:rollups:index                         global sorted index
//	<prefix>:rollups:index:scope:<scope>           per-scope sorted index
type Keys struct {
	Prefix string
}

// Rollup returns the counter-hash key for one (date, scope, content type)
// bucket. Scope 0 is the cross-scope global bucket. Content types are
// percent-encoded so they cannot collide with the key separator.
func (k Keys) Rollup(date time.Time, scopeID int64, contentType string) string {
	return strings.Join([]string{
		k.Prefix,
		"rollup",
		date.UTC().Format(dateLayout),
		strconv.FormatInt(scopeID, 10),
		encodeContentType(contentType),
	}, ":")
}

// Status returns the status-histogram key paired with a rollup key.
func (k Keys) Status(rollupKey string) string {
	return rollupKey + ":status"
}

// Totals returns the all-time totals key.
func (k Keys) Totals() string {
	return k.Prefix + ":totals"
}

// TotalsStatus returns the all-time status-histogram key.
func (k Keys) TotalsStatus() string {
	return k.Totals() + ":status"
}

// Index returns the global rollup index key.
func (k Keys) Index() string {
	return k.Prefix + ":rollups:index"
}

// ScopeIndex returns the per-scope rollup index key.
func (k Keys) ScopeIndex(scopeID int64) string {
	return fmt.Sprintf("%s:rollups:index:scope:%d", k.Prefix, scopeID)
}

// ParseRollup splits a rollup key back into its bucket dimensions. Keys that
// do not match the layout return ok == false and are skipped by readers.
func (k Keys) ParseRollup(key string) (date time.Time, scopeID int64, contentType string, ok bool) {
	rest, found := strings.CutPrefix(key, k.Prefix+":rollup:")
	if !found {
		return time.Time{}, 0, "", false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return time.Time{}, 0, "", false
	}
	date, err := time.ParseInLocation(dateLayout, parts[0], time.UTC)
	if err != nil {
		return time.Time{}, 0, "", false
	}
	scopeID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || scopeID < 0 {
		return time.Time{}, 0, "", false
	}
	contentType, err = url.QueryUnescape(parts[2])
	if err != nil {
		return time.Time{}, 0, "", false
	}
	return date, scopeID, contentType, true
}

// DateScore converts a bucket date to its index score: whole days since the
// Unix epoch, so range queries order by calendar day.
func DateScore(date time.Time) float64 {
	d := date.UTC()
	midnight := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return float64(midnight.Unix() / 86400)
}

func encodeContentType(contentType string) string {
	if contentType == "" {
		contentType = "unknown"
	}
	// QueryEscape encodes ':' and '/'; spaces become %20 so ParseRollup can
	// round-trip with QueryUnescape.
	escaped := url.QueryEscape(contentType)
	return strings.ReplaceAll(escaped, "+", "%20")
}
