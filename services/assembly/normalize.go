package assembly

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// linkage is the conversation/parent identity nested inside a raw record.
// Depending on payload size the transport delivers it as a structured
// object, a serialized JSON string, or not at all.
type linkage struct {
	TraceID              string `json:"request_id"`
	ConversationID       string `json:"conversation_id"`
	ParentConversationID string `json:"parent_conversation_id"`
}

func (l linkage) empty() bool {
	return l.TraceID == "" && l.ConversationID == "" && l.ParentConversationID == ""
}

// linkExtractor is one attempt at pulling linkage out of a raw record.
// Attempts run in order; the first non-empty result wins.
type linkExtractor struct {
	name string
	fn   func(Record) (linkage, bool)
}

var linkExtractors = []linkExtractor{
	{"structured", extractStructured},
	{"serialized", extractSerialized},
	{"reparsed", extractReparsed},
}

// extractStructured reads the context field as a decoded JSON object.
func extractStructured(rec Record) (linkage, bool) {
	obj, ok := rec["context"].(map[string]any)
	if !ok {
		return linkage{}, false
	}
	str := func(key string) string {
		s, _ := obj[key].(string)
		return s
	}
	l := linkage{
		TraceID:              str("request_id"),
		ConversationID:       str("conversation_id"),
		ParentConversationID: str("parent_conversation_id"),
	}
	return l, !l.empty()
}

// extractSerialized reads the context field as a JSON string requiring a
// secondary parse.
func extractSerialized(rec Record) (linkage, bool) {
	raw, ok := rec["context"].(string)
	if !ok || raw == "" {
		return linkage{}, false
	}
	var l linkage
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return linkage{}, false
	}
	return l, !l.empty()
}

// extractReparsed is the last resort: re-serialize the whole record and
// re-parse it through a typed envelope. This recovers linkage delivered in
// shapes the first two attempts cannot see (raw messages, alternate map
// types from upstream decoders).
func extractReparsed(rec Record) (linkage, bool) {
	data, err := json.Marshal(rec)
	if err != nil {
		return linkage{}, false
	}
	var env struct {
		Context linkage `json:"context"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return linkage{}, false
	}
	return env.Context, !env.Context.empty()
}

// extractLinkage runs the extraction pipeline. ok is false when no attempt
// produced linkage, which is normal for truncated feed deliveries.
func extractLinkage(rec Record) (linkage, bool) {
	for _, ex := range linkExtractors {
		if l, ok := ex.fn(rec); ok {
			return l, true
		}
	}
	return linkage{}, false
}

// Normalizer parses raw log records into typed spans. Malformed records
// are dropped and logged, never fatal.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger.With("component", "normalizer")}
}

// Normalize produces a Span from one raw record, or an error when the
// record is malformed (missing id or timestamp). A missing linkage is not
// malformed: the span still aggregates, standing in as its own trace and
// session.
func (n *Normalizer) Normalize(rec Record) (Span, error) {
	id := rec.String("id")
	if id == "" {
		return Span{}, fmt.Errorf("record has no id")
	}
	createdAt := rec.Time("created_at")
	if createdAt.IsZero() {
		return Span{}, fmt.Errorf("record %s has no usable created_at", id)
	}

	span := Span{
		ID:           id,
		ParentSpanID: rec.String("parent_span_id"),
		Action:       rec.String("action"),
		Source:       rec.String("source"),
		AgentName:    rec.String("agent"),
		Severity:     rec.String("severity"),
		DurationMs:   rec.Int64("duration_ms"),
		ErrorMessage: rec.String("error"),
		CreatedAt:    createdAt,
	}

	l, ok := extractLinkage(rec)
	if !ok {
		// Truncated delivery. The backfill path recovers the link later.
		n.logger.Debug("no linkage in record", "span_id", id)
		return span, nil
	}
	span.TraceID = l.TraceID
	span.ConversationID = l.ConversationID
	span.ParentConversationID = l.ParentConversationID
	return span, nil
}
