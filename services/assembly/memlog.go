package assembly

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog is an in-memory telemetry log for development and testing.
// Like the production feed, its change notifications drop the nested
// context field when the serialized record exceeds the notify limit;
// bulk queries always return rows in full.
type MemoryLog struct {
	mu          sync.RWMutex
	records     []Record
	subs        map[chan Record][]string
	notifyLimit int
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{subs: make(map[chan Record][]string)}
}

// WithNotifyLimit sets the serialized-size threshold above which feed
// deliveries are truncated. Zero disables truncation.
func (l *MemoryLog) WithNotifyLimit(n int) *MemoryLog {
	l.notifyLimit = n
	return l
}

// Append adds one row and notifies subscribers.
func (l *MemoryLog) Append(ctx context.Context, rec Record) error {
	row := rec.Clone()
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	if row.Time("created_at").IsZero() {
		row["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	l.mu.Lock()
	l.records = append(l.records, row)
	notify := l.truncateForNotify(row)
	for ch, actions := range l.subs {
		if !actionMatches(actions, notify.String("action")) {
			continue
		}
		select {
		case ch <- notify:
		default:
		}
	}
	l.mu.Unlock()
	return nil
}

// Query returns matching rows, untruncated, in append order.
func (l *MemoryLog) Query(ctx context.Context, q Query) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, rec := range l.records {
		at := rec.Time("created_at")
		if !q.Since.IsZero() && at.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && at.After(q.Until) {
			continue
		}
		if !actionMatches(q.Actions, rec.String("action")) {
			continue
		}
		if q.ConversationID != "" {
			lk, ok := extractLinkage(rec)
			if !ok || lk.ConversationID != q.ConversationID {
				continue
			}
		}
		out = append(out, rec.Clone())
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Subscribe registers a feed channel closed when ctx is cancelled.
func (l *MemoryLog) Subscribe(ctx context.Context, actions []string) (<-chan Record, error) {
	ch := make(chan Record, 64)
	l.mu.Lock()
	l.subs[ch] = actions
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, ch)
		close(ch)
		l.mu.Unlock()
	}()
	return ch, nil
}

// Len returns the number of stored rows.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *MemoryLog) truncateForNotify(rec Record) Record {
	if l.notifyLimit <= 0 {
		return rec
	}
	data, err := json.Marshal(rec)
	if err != nil || len(data) <= l.notifyLimit {
		return rec
	}
	out := rec.Clone()
	delete(out, "context")
	return out
}

var _ Log = (*MemoryLog)(nil)
