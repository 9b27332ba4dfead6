package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Schema version tracking:
// 1 - pending_submissions with sync bookkeeping
// 2 - parked_at column for items withheld from automatic retry
const currentSchemaVersion = 2

var (
	// ErrNotFound 表示 localId 不存在。
	ErrNotFound = errors.New("submission not found")
	// ErrDuplicateID 表示 localId 已被占用。
	ErrDuplicateID = errors.New("submission local id already exists")
)

// Store 是设备本地的待同步提交队列，基于 SQLite。所有变更都在单条语句或事务内完成，
// 多个进程共享同一文件时依赖 WAL + busy_timeout 保证互斥。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open 打开（或创建）队列数据库并执行迁移。
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("queue path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	dsn := cleanPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}

	// SQLite 只允许单写者，限制连接数避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run queue migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close 关闭数据库连接，nil 安全。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SchemaVersion 返回当前数据库的 user_version。
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// runMigrations 依据 user_version 顺序执行增量迁移。
func runMigrations(db *sqlx.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func migrateToV1(db *sqlx.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_submissions (
			seq               INTEGER PRIMARY KEY AUTOINCREMENT,
			local_id          TEXT    NOT NULL UNIQUE,
			payload           TEXT    NOT NULL,
			attachment_ref    TEXT    NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL,
			synced            INTEGER NOT NULL DEFAULT 0,
			sync_attempts     INTEGER NOT NULL DEFAULT 0,
			last_sync_attempt INTEGER,
			last_error        TEXT    NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_pending_synced_seq ON pending_submissions(synced, seq);
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 增加 parked_at；旧库重复执行时忽略 duplicate column。
func migrateToV2(db *sqlx.DB) error {
	_, err := db.Exec(`ALTER TABLE pending_submissions ADD COLUMN parked_at INTEGER`)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
