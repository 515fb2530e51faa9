package assembly

import (
	"context"
	"time"
)

// Record is one raw row from the telemetry log: an unstructured key/value
// document. The change feed may deliver records with large nested fields
// omitted or truncated; bulk queries always return rows in full.
type Record map[string]any

// String returns the named field if it is a string, otherwise "".
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int64 returns the named field coerced to int64. JSON decoding produces
// float64 for numbers, so both shapes are accepted.
func (r Record) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Time returns the named field as a timestamp. Accepts time.Time values
// and RFC 3339 strings; returns the zero time otherwise.
func (r Record) Time(key string) time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Query selects rows from the telemetry log. Results are returned in
// arbitrary order; the aggregators sort by timestamp themselves.
type Query struct {
	Since          time.Time
	Until          time.Time
	ConversationID string
	Actions        []string
	Limit          int
}

// Log is the external telemetry log the engine consumes. The engine does
// not own persistence of raw spans; the log is an append-only collaborator
// with a bulk query interface and a change-notification feed.
type Log interface {
	// Append adds one row to the log. Feed subscribers are notified with
	// a copy that may have large nested fields dropped.
	Append(ctx context.Context, rec Record) error

	// Query returns all rows matching q, untruncated.
	Query(ctx context.Context, q Query) ([]Record, error)

	// Subscribe delivers newly appended rows whose action matches one of
	// actions. The channel is closed when ctx is cancelled or the feed
	// disconnects.
	Subscribe(ctx context.Context, actions []string) (<-chan Record, error)
}

func actionMatches(actions []string, action string) bool {
	if len(actions) == 0 {
		return true
	}
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}
