package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	defaultTablesTTL  = 10 * time.Minute
	defaultQueriesTTL = 30 * time.Minute
)

// cacheStore is a key/value store with per-entry expiry. Values are opaque
// encoded bytes. Implementations must be safe for concurrent use.
type cacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// memoryStore keeps entries for the lifetime of the process.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newMemoryStore(now func() time.Time) *memoryStore {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{entries: make(map[string]cacheEntry), now: now}
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return slices.Clone(e.value), true, nil
}

func (m *memoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = cacheEntry{value: slices.Clone(value), expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *memoryStore) Close() error { return nil }

// sqliteStore persists entries in a SQLite file so repeated runs (for example
// --only-indices after --only-schema) reuse the introspected schema.
type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

func openSQLiteStore(ctx context.Context, path string, now func() time.Time) (*sqliteStore, error) {
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_cache (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache %s: %w", path, err)
	}
	return &sqliteStore{db: db, now: now}, nil
}

// openCacheStore opens the store named in the [cache] section.
func openCacheStore(ctx context.Context, cfg CacheConfig) (cacheStore, error) {
	switch cfg.Store {
	case "memory":
		return newMemoryStore(nil), nil
	case "none":
		return nopStore{}, nil
	case "", "sqlite":
		s, err := openSQLiteStore(ctx, cfg.Path, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, configError("unsupported cache store %q", cfg.Store)
	}
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM schema_cache WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.now().UnixNano() >= expiresAt {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM schema_cache WHERE key = ?", key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return value, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_cache (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, s.now().Add(ttl).UnixNano(),
	)
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// nopStore never holds anything; every lookup recomputes.
type nopStore struct{}

func (nopStore) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (nopStore) Put(context.Context, string, []byte, time.Duration) error { return nil }
func (nopStore) Close() error                                             { return nil }

// remember returns the cached value for key, or computes, stores and returns
// it. Compute errors are returned without touching the store. Store failures
// only cost a recompute.
func remember[T any](ctx context.Context, store cacheStore, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	data, ok, err := store.Get(ctx, key)
	switch {
	case err != nil:
		log.Printf("  WARN: schema cache read %s: %v", key, err)
	case ok:
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return v, nil
		}
		log.Printf("  WARN: schema cache entry %s is unreadable, recomputing", key)
	}

	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	if data, err := json.Marshal(v); err != nil {
		log.Printf("  WARN: schema cache encode %s: %v", key, err)
	} else if err := store.Put(ctx, key, data, ttl); err != nil {
		log.Printf("  WARN: schema cache write %s: %v", key, err)
	}
	return v, nil
}

// schemaSource is what the schema cache needs from a source connection.
type schemaSource interface {
	// Identity names the database the connection points at; it never
	// includes credentials.
	Identity() string
	Introspect(ctx context.Context) ([]Table, error)
}

// SchemaCache memoizes introspected tables and compiled DDL per source
// connection.
type SchemaCache struct {
	store      cacheStore
	tablesTTL  time.Duration
	queriesTTL time.Duration
}

func NewSchemaCache(store cacheStore, tablesTTL, queriesTTL time.Duration) *SchemaCache {
	if store == nil {
		store = nopStore{}
	}
	if tablesTTL <= 0 {
		tablesTTL = defaultTablesTTL
	}
	if queriesTTL <= 0 {
		queriesTTL = defaultQueriesTTL
	}
	return &SchemaCache{store: store, tablesTTL: tablesTTL, queriesTTL: queriesTTL}
}

// Tables returns the source tables, limited to subset when it is non-empty.
// The full list is cached; the subset never changes the cache key.
func (c *SchemaCache) Tables(ctx context.Context, src schemaSource, subset []string) ([]Table, error) {
	all, err := c.allTables(ctx, src)
	if err != nil {
		return nil, err
	}
	return filterTables(all, subset), nil
}

// Statements returns the DDL compiled for the whole source schema on the
// target platform.
func (c *SchemaCache) Statements(ctx context.Context, src schemaSource, target Platform, opts compileOptions) ([]CompiledStatement, error) {
	key := "queries:" + src.Identity() + ":" + target.Name() + opts.cacheSuffix()
	return remember(ctx, c.store, key, c.queriesTTL, func(ctx context.Context) ([]CompiledStatement, error) {
		tables, err := c.allTables(ctx, src)
		if err != nil {
			return nil, err
		}
		return compileSchema(tables, target, opts)
	})
}

func (c *SchemaCache) allTables(ctx context.Context, src schemaSource) ([]Table, error) {
	return remember(ctx, c.store, "tables:"+src.Identity(), c.tablesTTL, src.Introspect)
}

func filterTables(tables []Table, subset []string) []Table {
	if len(subset) == 0 {
		return tables
	}
	out := make([]Table, 0, len(subset))
	for _, t := range tables {
		if slices.Contains(subset, t.Name) {
			out = append(out, t)
		}
	}
	return out
}
