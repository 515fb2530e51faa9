package assembly

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/instantcocoa/loom/pkg/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultNotifyChannel = "loom_spans"

	// Postgres caps NOTIFY payloads at 8000 bytes. Notifications whose
	// serialized record would exceed this are delivered without the
	// nested context field; bulk queries return the row in full.
	notifyPayloadLimit = 7800
)

// PostgresLog is the production telemetry log: an append-only table with
// LISTEN/NOTIFY as the change-notification feed.
type PostgresLog struct {
	db      *database.DB
	dsn     string
	logger  *slog.Logger
	channel string
}

// NewPostgresLog creates a log over an open database connection. dsn is
// needed separately because pq.Listener manages its own connection.
func NewPostgresLog(db *database.DB, dsn string, logger *slog.Logger) *PostgresLog {
	return &PostgresLog{
		db:      db,
		dsn:     dsn,
		logger:  logger.With("component", "spanlog"),
		channel: defaultNotifyChannel,
	}
}

// WithChannel overrides the notification channel name.
func (l *PostgresLog) WithChannel(name string) *PostgresLog {
	l.channel = name
	return l
}

// Migrate applies the span-log schema.
func (l *PostgresLog) Migrate(ctx context.Context) error {
	m := database.NewMigrator(l.db, "assembly").WithLogger(l.logger)
	if err := m.LoadMigrations(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	return m.Up(ctx)
}

// Append inserts one row and notifies feed listeners. Re-delivery of an
// existing id overwrites the stored payload rather than erroring.
func (l *PostgresLog) Append(ctx context.Context, rec Record) error {
	row := rec.Clone()
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	createdAt := row.Time("created_at")
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
		row["created_at"] = createdAt.Format(time.RFC3339Nano)
	}
	lk, _ := extractLinkage(row)

	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO assembly_spans (id, action, conversation_id, created_at, payload)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload
	`, row.String("id"), row.String("action"), lk.ConversationID, createdAt, payload)
	if err != nil {
		return fmt.Errorf("inserting span row: %w", err)
	}

	notify := payload
	if len(payload) > notifyPayloadLimit {
		truncated := row.Clone()
		delete(truncated, "context")
		if notify, err = json.Marshal(truncated); err != nil {
			return fmt.Errorf("marshaling notify payload: %w", err)
		}
	}
	if _, err := l.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", l.channel, string(notify)); err != nil {
		return fmt.Errorf("notifying feed: %w", err)
	}
	return nil
}

// Query returns matching rows in full.
func (l *PostgresLog) Query(ctx context.Context, q Query) ([]Record, error) {
	sql := "SELECT payload FROM assembly_spans WHERE TRUE"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !q.Since.IsZero() {
		sql += " AND created_at >= " + arg(q.Since)
	}
	if !q.Until.IsZero() {
		sql += " AND created_at <= " + arg(q.Until)
	}
	if q.ConversationID != "" {
		sql += " AND conversation_id = " + arg(q.ConversationID)
	}
	if len(q.Actions) > 0 {
		sql += " AND action = ANY(" + arg(pq.Array(q.Actions)) + ")"
	}
	if q.Limit > 0 {
		sql += " LIMIT " + arg(q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying span rows: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning span row: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			l.logger.Warn("skipping unreadable span row", "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Subscribe listens for feed notifications. The returned channel is
// closed when ctx is cancelled or the listener shuts down.
func (l *PostgresLog) Subscribe(ctx context.Context, actions []string) (<-chan Record, error) {
	listener := pq.NewListener(l.dsn, 2*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				l.logger.Warn("listener event", "event", int(ev), "error", err)
			}
		})
	if err := listener.Listen(l.channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listening on %s: %w", l.channel, err)
	}

	ch := make(chan Record, 64)
	go func() {
		defer close(ch)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// Reconnect marker; rows delivered meanwhile are
					// recovered by the next resync.
					continue
				}
				var rec Record
				if err := json.Unmarshal([]byte(n.Extra), &rec); err != nil {
					l.logger.Warn("dropping unreadable notification", "error", err)
					continue
				}
				if !actionMatches(actions, rec.String("action")) {
					continue
				}
				select {
				case ch <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

var _ Log = (*PostgresLog)(nil)
