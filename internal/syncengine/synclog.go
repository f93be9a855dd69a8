package syncengine

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// SyncLogStore persists the append-only outcome log.
type SyncLogStore interface {
	Append(ctx context.Context, entry SyncLogEntry) error
	Recent(ctx context.Context, limit int) ([]SyncLogEntry, error)
	Close() error
}

// SyncLog wraps a store and fans appended entries out to live
// subscribers (the websocket feed).
type SyncLog struct {
	store SyncLogStore

	mu          sync.Mutex
	subscribers map[chan SyncLogEntry]struct{}
}

func NewSyncLog(store SyncLogStore) *SyncLog {
	if store == nil {
		store = NewMemorySyncLogStore(0)
	}
	return &SyncLog{
		store:       store,
		subscribers: map[chan SyncLogEntry]struct{}{},
	}
}

// Record fills in the entry's identity fields and appends it. Append
// failures are returned but entries are still broadcast, so a flaky log
// backend does not hide outcomes from live watchers.
func (l *SyncLog) Record(ctx context.Context, entry SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	err := l.store.Append(ctx, entry)
	l.broadcast(entry)
	return err
}

func (l *SyncLog) Recent(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	return l.store.Recent(ctx, limit)
}

// Subscribe registers a live feed. The returned cancel func must be
// called; a slow subscriber drops entries rather than blocking Record.
func (l *SyncLog) Subscribe() (<-chan SyncLogEntry, func()) {
	ch := make(chan SyncLogEntry, 64)
	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()
	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subscribers[ch]; ok {
			delete(l.subscribers, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

func (l *SyncLog) broadcast(entry SyncLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

func (l *SyncLog) Close() error {
	l.mu.Lock()
	for ch := range l.subscribers {
		delete(l.subscribers, ch)
		close(ch)
	}
	l.mu.Unlock()
	return l.store.Close()
}

// MemorySyncLogStore keeps the most recent entries in a bounded ring.
type MemorySyncLogStore struct {
	mu       sync.Mutex
	entries  []SyncLogEntry
	capacity int
}

func NewMemorySyncLogStore(capacity int) *MemorySyncLogStore {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemorySyncLogStore{capacity: capacity}
}

func (s *MemorySyncLogStore) Append(ctx context.Context, entry SyncLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.capacity {
		s.entries = s.entries[len(s.entries)-s.capacity:]
	}
	return nil
}

func (s *MemorySyncLogStore) Recent(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]SyncLogEntry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *MemorySyncLogStore) Close() error {
	return nil
}

const postgresSyncLogTableName = "pagebridge_sync_log"

// PostgresSyncLogStore appends entries to a Postgres table. Entries are
// never updated or deleted.
type PostgresSyncLogStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSyncLogStore(dsn string) (*PostgresSyncLogStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSyncLogStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresSyncLogStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		const ddl = `
			CREATE TABLE IF NOT EXISTS ` + postgresSyncLogTableName + ` (
				id TEXT PRIMARY KEY,
				ts TIMESTAMPTZ NOT NULL,
				direction TEXT NOT NULL,
				operation TEXT NOT NULL,
				source_event_id TEXT NOT NULL,
				title TEXT NOT NULL,
				status TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT ''
			)`
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresSyncLogStore) Append(ctx context.Context, entry SyncLogEntry) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	const query = `
		INSERT INTO ` + postgresSyncLogTableName + `
			(id, ts, direction, operation, source_event_id, title, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Timestamp, string(entry.Direction), string(entry.Operation),
		entry.SourceEventID, entry.Title, entry.Status, entry.Error)
	return err
}

func (s *PostgresSyncLogStore) Recent(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	const query = `
		SELECT id, ts, direction, operation, source_event_id, title, status, error
		FROM ` + postgresSyncLogTableName + `
		ORDER BY ts DESC
		LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncLogEntry
	for rows.Next() {
		var entry SyncLogEntry
		var direction, operation string
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &direction, &operation,
			&entry.SourceEventID, &entry.Title, &entry.Status, &entry.Error); err != nil {
			return nil, err
		}
		entry.Direction = Direction(direction)
		entry.Operation = Operation(operation)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresSyncLogStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewSyncLogStoreFromDSN mirrors NewKVStoreFromDSN for the log backend.
func NewSyncLogStoreFromDSN(dsn string) (SyncLogStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == "memory" || strings.HasPrefix(dsn, "memory://") {
		return NewMemorySyncLogStore(0), nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresSyncLogStore(dsn)
	}
	return nil, ErrInvalidInput
}
