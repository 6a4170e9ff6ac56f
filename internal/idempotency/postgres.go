package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps entries in a shared table. Reserve is a single
// INSERT .. ON CONFLICT statement that only replaces rows whose ttl has passed,
// so the unique index on key serializes competing reservations.
type PostgresStore struct {
	pool   *pgxpool.Pool
	prefix string
}

type PostgresOption func(*PostgresStore)

// WithKeyPrefix namespaces every key, so several deployments or test runs can share a table.
func WithKeyPrefix(prefix string) PostgresOption {
	return func(s *PostgresStore) {
		s.prefix = strings.TrimSpace(prefix)
	}
}

func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Reserve(ctx context.Context, key string, ttl time.Duration) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}

	result, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_keys (key, payload, expires_at)
VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
ON CONFLICT (key) DO UPDATE
SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.expires_at <= NOW()
`, s.prefix+key, placeholderPayload, ttl.Milliseconds())
	if err != nil {
		return unavailable("reserve", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadyReserved
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, key string, response CachedResponse, ttl time.Duration) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}
	if err := validateResponse(response); err != nil {
		return err
	}
	raw, err := encodeEntry(response)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO idempotency_keys (key, payload, expires_at)
VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
ON CONFLICT (key) DO UPDATE
SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at
`, s.prefix+key, raw, ttl.Milliseconds())
	if err != nil {
		return unavailable("complete", err)
	}
	return nil
}

func (s *PostgresStore) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Entry{}, false, err
	}

	var raw []byte
	err = s.pool.QueryRow(ctx, `
SELECT payload FROM idempotency_keys
WHERE key = $1 AND expires_at > NOW()
`, s.prefix+key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, unavailable("lookup", err)
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Sweep deletes expired rows. Lookup and Reserve already ignore them, so this only
// bounds table growth.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	return result.RowsAffected(), nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	payload BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires_at ON idempotency_keys (expires_at);`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialize idempotency schema: %w", err)
		}
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
