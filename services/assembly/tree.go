package assembly

import (
	"sort"
)

// buildForest assembles the session forest from the current aggregation
// state: fresh Session objects, a reverse parent index unioned from inline
// span declarations and the durable link table, children attached under
// present parents, roots sorted most-recently-active first. Returns the
// roots, the set of coordinator ids (sessions with at least one child),
// and the ids newly promoted to coordinator since the previous build.
//
// The aggregator mutates its traces in place on every ingest, so the
// forest carries deep copies; a published forest never shares data with
// the aggregator.
func buildForest(agg *aggregator, links *linkTable, prevCoordinators map[string]bool) ([]*Session, map[string]bool, []string) {
	byID := make(map[string]*Session, len(agg.sessions))
	ids := make([]string, 0, len(agg.sessions))
	for conv, traces := range agg.sessions {
		owned := make([]*Trace, len(traces))
		for i, tr := range traces {
			cp := *tr
			cp.Spans = append([]Span(nil), tr.Spans...)
			owned[i] = &cp
		}
		sess := &Session{ID: conv, Traces: owned}
		if len(owned) > 0 {
			sess.StartTime = owned[0].StartTime
			for _, tr := range owned {
				if tr.EndTime.After(sess.LastActivity) {
					sess.LastActivity = tr.EndTime
				}
			}
		}
		byID[conv] = sess
		ids = append(ids, conv)
	}
	sort.Strings(ids)

	// Reverse index. The durable table wins; inline declarations cover
	// links recorded by spans currently in the window that predate the
	// table (and keep the union property the builder is specified with).
	parentOf := make(map[string]string, len(byID))
	for _, id := range ids {
		if p, ok := links.parent(id); ok {
			parentOf[id] = p
			continue
		}
		if p := inlineParent(byID[id], id); p != "" {
			parentOf[id] = p
		}
	}

	// Attach children under parents present in the window. A child whose
	// parent is absent stays a root until the parent appears; the link
	// itself is durable, so it re-nests on a later build. Edges that would
	// close a cycle are skipped rather than recursed into.
	attached := make(map[string]bool, len(ids))
	for _, id := range ids {
		p, ok := parentOf[id]
		if !ok || attached[id] {
			continue
		}
		parent, present := byID[p]
		if !present || closesCycle(parentOf, byID, id) {
			continue
		}
		parent.Children = append(parent.Children, byID[id])
		attached[id] = true
	}

	var roots []*Session
	for _, id := range ids {
		sess := byID[id]
		sort.Slice(sess.Children, func(i, j int) bool {
			a, b := sess.Children[i], sess.Children[j]
			if !a.StartTime.Equal(b.StartTime) {
				return a.StartTime.Before(b.StartTime)
			}
			return a.ID < b.ID
		})
		if !attached[id] {
			sess.Root = true
			roots = append(roots, sess)
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		a, b := roots[i], roots[j]
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		return a.ID < b.ID
	})

	coordinators := make(map[string]bool)
	var promoted []string
	for _, id := range ids {
		if len(byID[id].Children) == 0 {
			continue
		}
		coordinators[id] = true
		if !prevCoordinators[id] {
			promoted = append(promoted, id)
		}
	}
	sort.Strings(promoted)

	return roots, coordinators, promoted
}

// inlineParent scans a session's own spans for a declared parent link.
func inlineParent(sess *Session, selfID string) string {
	for _, tr := range sess.Traces {
		for _, s := range tr.Spans {
			if s.ParentConversationID != "" && s.ParentConversationID != selfID {
				return s.ParentConversationID
			}
		}
	}
	return ""
}

// closesCycle reports whether following parent edges (restricted to
// sessions present in the window) from id leads back to id. The durable
// table rejects cycles on write, but inline declarations bypass it.
func closesCycle(parentOf map[string]string, byID map[string]*Session, id string) bool {
	visited := map[string]bool{id: true}
	cur := parentOf[id]
	for cur != "" {
		if visited[cur] {
			return true
		}
		if _, present := byID[cur]; !present {
			return false
		}
		visited[cur] = true
		cur = parentOf[cur]
	}
	return false
}
