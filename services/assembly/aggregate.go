package assembly

import (
	"sort"
)

// aggregator owns the trace and session maps. It is mutated only from the
// engine's writer boundary, so it carries no lock of its own.
type aggregator struct {
	traces   map[string]*Trace          // trace id -> trace
	spanSeen map[string]map[string]bool // trace id -> span ids already merged
	sessions map[string][]*Trace        // conversation id -> traces sorted by start time
}

func newAggregator() *aggregator {
	return &aggregator{
		traces:   make(map[string]*Trace),
		spanSeen: make(map[string]map[string]bool),
		sessions: make(map[string][]*Trace),
	}
}

// ingest merges one span into its trace and keeps the owning session's
// trace list current. Re-delivery of a span id replaces the stored span
// instead of double-counting it. Work is bounded by the span's own trace
// and session, not by the total number of sessions.
func (a *aggregator) ingest(s Span) *Trace {
	tid := s.EffectiveTraceID()
	tr, ok := a.traces[tid]
	if !ok {
		tr = &Trace{ID: tid}
		a.traces[tid] = tr
		a.spanSeen[tid] = make(map[string]bool)
	}
	prevConv := tr.EffectiveConversationID()
	if tr.ConversationID == "" && s.ConversationID != "" {
		tr.ConversationID = s.ConversationID
	}

	seen := a.spanSeen[tid]
	if seen[s.ID] {
		for i := range tr.Spans {
			if tr.Spans[i].ID == s.ID {
				tr.Spans[i] = s
				break
			}
		}
		sort.Slice(tr.Spans, func(i, j int) bool { return spanLess(tr.Spans[i], tr.Spans[j]) })
	} else {
		pos := sort.Search(len(tr.Spans), func(i int) bool { return spanLess(s, tr.Spans[i]) })
		tr.Spans = append(tr.Spans, Span{})
		copy(tr.Spans[pos+1:], tr.Spans[pos:])
		tr.Spans[pos] = s
		seen[s.ID] = true
	}

	a.refresh(tr)
	a.attach(tr, prevConv)
	return tr
}

// refresh recomputes the trace's derived attributes from its span list.
func (a *aggregator) refresh(tr *Trace) {
	tr.ErrorCount = 0
	tr.ToolCallCount = 0
	for _, s := range tr.Spans {
		if s.IsError() {
			tr.ErrorCount++
		}
		if s.Action == ActionToolCall {
			tr.ToolCallCount++
		}
	}
	if len(tr.Spans) > 0 {
		tr.StartTime = tr.Spans[0].CreatedAt
		tr.EndTime = tr.Spans[len(tr.Spans)-1].CreatedAt
	}
}

// attach places the trace in its conversation's ordered trace list,
// relocating it when an out-of-order span moved the trace's start time or
// a late span revealed the real conversation id.
func (a *aggregator) attach(tr *Trace, prevConv string) {
	conv := tr.EffectiveConversationID()
	if prevConv != conv {
		a.detach(prevConv, tr.ID)
	} else {
		a.detach(conv, tr.ID)
	}

	list := a.sessions[conv]
	pos := sort.Search(len(list), func(i int) bool { return traceLess(tr, list[i]) })
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = tr
	a.sessions[conv] = list
}

// detach removes a trace from a conversation's list if present.
func (a *aggregator) detach(conv, traceID string) {
	list, ok := a.sessions[conv]
	if !ok {
		return
	}
	for i, t := range list {
		if t.ID == traceID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(a.sessions, conv)
	} else {
		a.sessions[conv] = list
	}
}

// dropSession removes a conversation and every trace it owns.
func (a *aggregator) dropSession(conv string) {
	for _, tr := range a.sessions[conv] {
		delete(a.traces, tr.ID)
		delete(a.spanSeen, tr.ID)
	}
	delete(a.sessions, conv)
}

func spanLess(a, b Span) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func traceLess(a, b *Trace) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.ID < b.ID
}
