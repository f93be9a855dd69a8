package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresKVTableName        = "pagebridge_kv"
	postgresOperationTimeout   = 5 * time.Second
	postgresKVCleanupThreshold = 256
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresKVStore implements KVStore on a single table with per-row
// expiry. Expired rows are treated as absent and reaped opportunistically.
type PostgresKVStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu     sync.Mutex
	writes int
}

func NewPostgresKVStore(dsn string) (*PostgresKVStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresKVStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresKVStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		const ddl = `
			CREATE TABLE IF NOT EXISTS ` + postgresKVTableName + ` (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				expires_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresKVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	const query = `
		SELECT value FROM ` + postgresKVTableName + `
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(value), true, nil
}

func (s *PostgresKVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	const query = `
		INSERT INTO ` + postgresKVTableName + ` (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, key, string(value), expiryArg(ttl))
	if err == nil {
		s.maybeCleanup(ctx)
	}
	return err
}

func (s *PostgresKVStore) SetIfEqual(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if expected == nil {
		// Claim only when no live row exists. An expired row is replaced.
		const query = `
			INSERT INTO ` + postgresKVTableName + ` (key, value, expires_at, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
			WHERE ` + postgresKVTableName + `.expires_at IS NOT NULL
			  AND ` + postgresKVTableName + `.expires_at <= NOW()`
		res, err := s.db.ExecContext(ctx, query, key, string(value), expiryArg(ttl))
		if err != nil {
			return false, err
		}
		affected, _ := res.RowsAffected()
		if affected == 1 {
			s.maybeCleanup(ctx)
		}
		return affected == 1, nil
	}

	const query = `
		UPDATE ` + postgresKVTableName + `
		SET value = $1, expires_at = $2, updated_at = NOW()
		WHERE key = $3 AND value = $4
		  AND (expires_at IS NULL OR expires_at > NOW())`
	res, err := s.db.ExecContext(ctx, query, string(value), expiryArg(ttl), key, string(expected))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

func (s *PostgresKVStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM `+postgresKVTableName+` WHERE key = $1`, key)
	return err
}

func (s *PostgresKVStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// maybeCleanup reaps expired rows every postgresKVCleanupThreshold writes
// so dedupe keys do not accumulate without bound.
func (s *PostgresKVStore) maybeCleanup(ctx context.Context) {
	s.mu.Lock()
	s.writes++
	due := s.writes >= postgresKVCleanupThreshold
	if due {
		s.writes = 0
	}
	s.mu.Unlock()
	if !due {
		return
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM `+postgresKVTableName+` WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
}

func expiryArg(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().UTC().Add(ttl)
}
