// Package staging implements the server-side mirror of client submissions:
// one record per (owner, localId) recording sync state, attempts and the last
// error, queryable by owner and by "stuck" (many failed attempts).
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = errors.New("staging: record not found")
	// ErrInvalidReport 表示上报内容缺少必填字段。
	ErrInvalidReport = errors.New("staging: invalid report")
)

// Report 是客户端或 API 写入的一次状态上报。
type Report struct {
	OwnerID         string          `json:"owner_id"`
	LocalID         string          `json:"local_id"`
	Payload         json.RawMessage `json:"payload"`
	Synced          bool            `json:"synced"`
	SyncAttempts    int             `json:"sync_attempts"`
	LastSyncAttempt *time.Time      `json:"last_sync_attempt,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Validate 检查必填字段。
func (r Report) Validate() error {
	switch {
	case strings.TrimSpace(r.OwnerID) == "":
		return fmt.Errorf("%w: owner_id is required", ErrInvalidReport)
	case strings.TrimSpace(r.LocalID) == "":
		return fmt.Errorf("%w: local_id is required", ErrInvalidReport)
	case len(r.Payload) == 0 || !json.Valid(r.Payload):
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidReport)
	case r.SyncAttempts < 0:
		return fmt.Errorf("%w: sync_attempts must be >= 0", ErrInvalidReport)
	}
	return nil
}

// Record 是暂存集合中的一条记录。
type Record struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	LocalID         string          `json:"local_id"`
	Payload         json.RawMessage `json:"payload"`
	Synced          bool            `json:"synced"`
	SyncAttempts    int             `json:"sync_attempts"`
	LastSyncAttempt *time.Time      `json:"last_sync_attempt,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type recordRow struct {
	ID              string        `db:"id"`
	OwnerID         string        `db:"owner_id"`
	LocalID         string        `db:"local_id"`
	Payload         string        `db:"payload"`
	Synced          bool          `db:"synced"`
	SyncAttempts    int           `db:"sync_attempts"`
	LastSyncAttempt sql.NullInt64 `db:"last_sync_attempt"`
	Error           string        `db:"error"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
}

func (r recordRow) record() Record {
	rec := Record{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		LocalID:      r.LocalID,
		Payload:      json.RawMessage(r.Payload),
		Synced:       r.Synced,
		SyncAttempts: r.SyncAttempts,
		Error:        r.Error,
		CreatedAt:    time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:    time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.LastSyncAttempt.Valid {
		at := time.UnixMilli(r.LastSyncAttempt.Int64).UTC()
		rec.LastSyncAttempt = &at
	}
	return rec
}

const recordColumns = `id, owner_id, local_id, payload, synced, sync_attempts, last_sync_attempt, error, created_at, updated_at`

// Store 读写 offline_submissions 表。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New 基于已迁移的数据库构造 Store。
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Upsert 按 (owner_id, local_id) 写入或合并记录。
// synced 一旦为 true 不会被迟到的失败上报改回；sync_attempts 只增不减。
func (s *Store) Upsert(ctx context.Context, report Report) (Record, error) {
	if err := report.Validate(); err != nil {
		return Record{}, err
	}
	now := s.now().UTC().UnixMilli()
	var lastAttempt sql.NullInt64
	if report.LastSyncAttempt != nil {
		lastAttempt = sql.NullInt64{Int64: report.LastSyncAttempt.UTC().UnixMilli(), Valid: true}
	}

	query := s.db.Rebind(`INSERT INTO offline_submissions (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (owner_id, local_id) DO UPDATE SET
    payload = excluded.payload,
    synced = CASE WHEN offline_submissions.synced THEN offline_submissions.synced ELSE excluded.synced END,
    sync_attempts = CASE WHEN excluded.sync_attempts > offline_submissions.sync_attempts
        THEN excluded.sync_attempts ELSE offline_submissions.sync_attempts END,
    last_sync_attempt = COALESCE(excluded.last_sync_attempt, offline_submissions.last_sync_attempt),
    error = CASE WHEN offline_submissions.synced OR excluded.synced THEN '' ELSE excluded.error END,
    updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query,
		uuid.NewString(),
		strings.TrimSpace(report.OwnerID),
		strings.TrimSpace(report.LocalID),
		string(report.Payload),
		report.Synced,
		report.SyncAttempts,
		lastAttempt,
		report.Error,
		now,
		now,
	); err != nil {
		return Record{}, fmt.Errorf("upsert staging record: %w", err)
	}
	return s.Get(ctx, report.OwnerID, report.LocalID)
}

// Get 返回指定记录。
func (s *Store) Get(ctx context.Context, ownerID, localID string) (Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+recordColumns+`
FROM offline_submissions WHERE owner_id = ? AND local_id = ?`),
		strings.TrimSpace(ownerID), strings.TrimSpace(localID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get staging record: %w", err)
	}
	return row.record(), nil
}

// MarkSynced 将记录标记为已同步并清除错误。
func (s *Store) MarkSynced(ctx context.Context, ownerID, localID string) error {
	now := s.now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE offline_submissions
SET synced = ?, error = '', updated_at = ? WHERE owner_id = ? AND local_id = ?`),
		true, now, ownerID, localID)
	if err != nil {
		return fmt.Errorf("mark staging record synced: %w", err)
	}
	return requireAffected(res)
}

// RecordFailure 累加一次失败尝试并记录错误。已同步的记录不受影响。
func (s *Store) RecordFailure(ctx context.Context, ownerID, localID, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE offline_submissions
SET sync_attempts = sync_attempts + 1, last_sync_attempt = ?, error = ?, updated_at = ?
WHERE owner_id = ? AND local_id = ? AND synced = ?`),
		at.UTC().UnixMilli(), reason, s.now().UTC().UnixMilli(), ownerID, localID, false)
	if err != nil {
		return fmt.Errorf("record staging failure: %w", err)
	}
	return requireAffected(res)
}

// ListFilter 控制 ListByOwner 的过滤条件。
type ListFilter struct {
	Synced *bool
	Limit  int
}

// ListByOwner 按创建时间返回 owner 的记录。
func (s *Store) ListByOwner(ctx context.Context, ownerID string, filter ListFilter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM offline_submissions WHERE owner_id = ?`
	args := []any{strings.TrimSpace(ownerID)}
	if filter.Synced != nil {
		query += ` AND synced = ?`
		args = append(args, *filter.Synced)
	}
	query += ` ORDER BY created_at, local_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.selectRecords(ctx, query, args...)
}

// Stuck 返回尝试次数不少于 minAttempts 且仍未同步的记录，尝试次数多的在前。
func (s *Store) Stuck(ctx context.Context, minAttempts, limit int) ([]Record, error) {
	if minAttempts < 1 {
		minAttempts = 1
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM offline_submissions
WHERE synced = ? AND sync_attempts >= ?
ORDER BY sync_attempts DESC, updated_at
LIMIT ?`
	return s.selectRecords(ctx, query, false, minAttempts, limit)
}

func (s *Store) selectRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list staging records: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
