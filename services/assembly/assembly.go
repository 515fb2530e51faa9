// Package assembly turns a stream of execution spans (tool calls, model
// requests, sub-agent events) into a hierarchical session forest for the
// operator panel. Spans arrive out of order and possibly truncated; the
// engine is rebuildable from the span log at any time.
package assembly

import (
	"time"
)

// Action names recorded by the agent runtime.
const (
	ActionToolCall      = "tool_call"
	ActionModelRequest  = "model_request"
	ActionSubagentSpawn = "subagent_spawn"
)

// DefaultActions is the action filter applied to the change feed and to
// bulk resync queries when the configuration does not override it.
var DefaultActions = []string{ActionToolCall, ActionModelRequest, ActionSubagentSpawn}

// CoordinationActions are the actions that may carry a parent-conversation
// link. Backfill queries are restricted to these.
var CoordinationActions = []string{ActionSubagentSpawn}

// Span is an immutable fact about one unit of work.
type Span struct {
	ID                   string    `json:"id"`
	TraceID              string    `json:"trace_id,omitempty"`
	ConversationID       string    `json:"conversation_id,omitempty"`
	ParentConversationID string    `json:"parent_conversation_id,omitempty"`
	ParentSpanID         string    `json:"parent_span_id,omitempty"`
	Action               string    `json:"action"`
	Source               string    `json:"source,omitempty"`
	AgentName            string    `json:"agent_name,omitempty"`
	Severity             string    `json:"severity,omitempty"`
	DurationMs           int64     `json:"duration_ms,omitempty"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// EffectiveTraceID returns the trace the span belongs to. A span without a
// request id stands alone as a single-span trace keyed by its own id.
func (s Span) EffectiveTraceID() string {
	if s.TraceID != "" {
		return s.TraceID
	}
	return s.ID
}

// IsError reports whether the span recorded a failure.
func (s Span) IsError() bool {
	return s.ErrorMessage != "" || s.Severity == "error"
}

// Trace is an ordered, deduplicated-by-id set of spans sharing a trace id.
type Trace struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Spans          []Span    `json:"spans"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	ErrorCount     int       `json:"error_count"`
	ToolCallCount  int       `json:"tool_call_count"`
}

// EffectiveConversationID returns the conversation the trace belongs to.
// A trace without a conversation id stands alone as a single-trace session
// keyed by its own id.
func (t *Trace) EffectiveConversationID() string {
	if t.ConversationID != "" {
		return t.ConversationID
	}
	return t.ID
}

// Session is an ordered set of traces sharing a conversation id, plus any
// child sessions attached via resolved parent links.
type Session struct {
	ID           string     `json:"id"`
	Traces       []*Trace   `json:"traces"`
	Children     []*Session `json:"children,omitempty"`
	Root         bool       `json:"root"`
	StartTime    time.Time  `json:"start_time"`
	LastActivity time.Time  `json:"last_activity"`
}

// Filter gates which records participate in aggregation. Filtering happens
// on the raw record, before normalization.
type Filter struct {
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
	Source     string    `json:"source,omitempty"`
	AgentName  string    `json:"agent_name,omitempty"`
	ErrorsOnly bool      `json:"errors_only,omitempty"`
}

// Admits reports whether a raw record passes the filter.
func (f Filter) Admits(rec Record) bool {
	if !f.Since.IsZero() || !f.Until.IsZero() {
		at := rec.Time("created_at")
		if at.IsZero() {
			return false
		}
		if !f.Since.IsZero() && at.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && at.After(f.Until) {
			return false
		}
	}
	if f.Source != "" && rec.String("source") != f.Source {
		return false
	}
	if f.AgentName != "" && rec.String("agent") != f.AgentName {
		return false
	}
	if f.ErrorsOnly && rec.String("error") == "" && rec.String("severity") != "error" {
		return false
	}
	return true
}
