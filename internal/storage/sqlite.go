package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"localagent/internal/clock"
	"localagent/internal/errs"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的本地存储；同一实体类型的写入串行，不同类型可并发
// SQLiteStore is the SQLite-backed local store in WAL mode. Writes to one
// entity type are serialized; different types proceed concurrently.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	clock clock.Clock

	memMu     sync.Mutex
	sessionMu sync.Mutex
	taskMu    sync.Mutex
	stateMu   sync.Mutex
}

type Option func(*SQLiteStore)

// WithClock 替换时间源，测试用
// WithClock overrides the time source
func WithClock(c clock.Clock) Option {
	return func(s *SQLiteStore) { s.clock = c }
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// PRAGMA 通过 DSN 下发，保证连接池中每个连接都生效
	pragmas := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"foreign_keys(1)",
		"synchronous(NORMAL)",
	}
	dsn := "file:" + dbPath + "?_txlock=immediate"
	for _, p := range pragmas {
		dsn += "&_pragma=" + p
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	store := &SQLiteStore{db: db, path: dbPath, clock: clock.Real()}
	for _, opt := range opts {
		opt(store)
	}
	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

// Close 关闭数据库连接 / Close the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) now() time.Time {
	return s.clock.Now().UTC()
}

// withTx runs fn in one transaction; any error rolls back.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage(op, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return errs.Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return errs.Storage("ping", s.db.PingContext(ctx))
}
