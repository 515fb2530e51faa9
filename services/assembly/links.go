package assembly

import (
	"context"
)

// linkTable is the durable child-conversation -> parent-conversation map.
// Once a link is learned it is never overwritten: a conversation has
// exactly one parent for the life of the process, even after the spans
// that revealed the link have been evicted.
type linkTable struct {
	parents map[string]string
}

func newLinkTable() *linkTable {
	return &linkTable{parents: make(map[string]string)}
}

// record stores child -> parent. Returns true only when a new link was
// learned. Self-referential and cyclic edges are rejected outright;
// coordination data is not supposed to declare them, but a malformed
// record must not be able to wedge the tree builder.
func (t *linkTable) record(child, parent string) bool {
	if child == "" || parent == "" || child == parent {
		return false
	}
	if _, exists := t.parents[child]; exists {
		return false
	}
	if t.wouldCycle(child, parent) {
		return false
	}
	t.parents[child] = parent
	return true
}

// wouldCycle walks up from parent looking for child. The walk is bounded
// by the table size so a corrupt table cannot loop forever.
func (t *linkTable) wouldCycle(child, parent string) bool {
	steps := 0
	for cur := parent; cur != ""; cur = t.parents[cur] {
		if cur == child {
			return true
		}
		steps++
		if steps > len(t.parents) {
			return true
		}
	}
	return false
}

// parent returns the recorded parent of a conversation, if any.
func (t *linkTable) parent(child string) (string, bool) {
	p, ok := t.parents[child]
	return p, ok
}

func (t *linkTable) remove(child string) {
	delete(t.parents, child)
}

func (t *linkTable) size() int {
	return len(t.parents)
}

// snapshot returns a copy of the table for iteration outside mutation.
func (t *linkTable) snapshot() map[string]string {
	out := make(map[string]string, len(t.parents))
	for c, p := range t.parents {
		out[c] = p
	}
	return out
}

// LinkMirror persists parent links outside the process so a restarted
// engine starts with the links it had already learned. The in-memory
// table stays authoritative; mirror failures are logged and ignored.
type LinkMirror interface {
	StoreLink(ctx context.Context, child, parent string) error
	LoadLinks(ctx context.Context) (map[string]string, error)
}
