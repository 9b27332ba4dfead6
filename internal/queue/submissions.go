package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload 是不透明的提交内容：结构化记录 + 可选附件引用，原样透传给服务端。
type Payload struct {
	Record        json.RawMessage `json:"record"`
	AttachmentRef string          `json:"attachment_ref,omitempty"`
}

// Submission 是一条待同步提交及其同步状态。
type Submission struct {
	Seq             int64      `json:"seq"`
	LocalID         string     `json:"local_id"`
	Payload         Payload    `json:"payload"`
	CreatedAt       time.Time  `json:"created_at"`
	Synced          bool       `json:"synced"`
	SyncAttempts    int        `json:"sync_attempts"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	ParkedAt        *time.Time `json:"parked_at,omitempty"`
}

// Parked 表示该提交已被暂停自动重试。
func (s Submission) Parked() bool {
	return s.ParkedAt != nil
}

// Counts 汇总未同步提交数量。
type Counts struct {
	Pending int `json:"pending"`
	Parked  int `json:"parked"`
}

type submissionRow struct {
	Seq             int64         `db:"seq"`
	LocalID         string        `db:"local_id"`
	Payload         string        `db:"payload"`
	AttachmentRef   string        `db:"attachment_ref"`
	CreatedAt       int64         `db:"created_at"`
	Synced          bool          `db:"synced"`
	SyncAttempts    int           `db:"sync_attempts"`
	LastSyncAttempt sql.NullInt64 `db:"last_sync_attempt"`
	LastError       string        `db:"last_error"`
	ParkedAt        sql.NullInt64 `db:"parked_at"`
}

const selectColumns = `seq, local_id, payload, attachment_ref, created_at, synced,
	sync_attempts, last_sync_attempt, last_error, parked_at`

func (r submissionRow) toSubmission() Submission {
	sub := Submission{
		Seq:     r.Seq,
		LocalID: r.LocalID,
		Payload: Payload{
			Record:        json.RawMessage(r.Payload),
			AttachmentRef: r.AttachmentRef,
		},
		CreatedAt:    fromMillis(r.CreatedAt),
		Synced:       r.Synced,
		SyncAttempts: r.SyncAttempts,
		LastError:    r.LastError,
	}
	if r.LastSyncAttempt.Valid {
		at := fromMillis(r.LastSyncAttempt.Int64)
		sub.LastSyncAttempt = &at
	}
	if r.ParkedAt.Valid {
		at := fromMillis(r.ParkedAt.Int64)
		sub.ParkedAt = &at
	}
	return sub
}

// NewLocalID 生成 UUIDv7：毫秒时间前缀 + 随机后缀，天然按创建时间单调。
func NewLocalID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate local id: %w", err)
	}
	return id.String(), nil
}

// Enqueue 分配新的 localId 并追加一条未同步提交。持久化失败必须返回错误。
func (s *Store) Enqueue(ctx context.Context, payload Payload) (string, error) {
	localID, err := NewLocalID()
	if err != nil {
		return "", err
	}
	if err := s.EnqueueWithID(ctx, localID, payload); err != nil {
		return "", err
	}
	return localID, nil
}

// EnqueueWithID 以调用方给定的 localId 入队；直接投递失败后转入队列时沿用原幂等键。
func (s *Store) EnqueueWithID(ctx context.Context, localID string, payload Payload) error {
	localID = strings.TrimSpace(localID)
	if localID == "" {
		return errors.New("local id is required")
	}
	record := payload.Record
	if len(record) == 0 {
		record = json.RawMessage("null")
	}
	if !json.Valid(record) {
		return errors.New("payload record must be valid JSON")
	}

	createdAt := toMillis(s.now())
	_, err := retryOnBusy(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			INSERT INTO pending_submissions (local_id, payload, attachment_ref, created_at, synced, sync_attempts)
			VALUES (?, ?, ?, ?, 0, 0)`,
			localID, string(record), payload.AttachmentRef, createdAt)
	})
	if err != nil {
		if isConstraintError(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("enqueue submission: %w", err)
	}
	return nil
}

// ListUnsynced 返回全部 synced=false 的提交，按入队顺序（最早在前）。
func (s *Store) ListUnsynced(ctx context.Context) ([]Submission, error) {
	rows, err := retryOnBusy(ctx, func() ([]submissionRow, error) {
		var rows []submissionRow
		err := s.db.SelectContext(ctx, &rows,
			`SELECT `+selectColumns+` FROM pending_submissions WHERE synced = 0 ORDER BY seq ASC`)
		return rows, err
	})
	if err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	out := make([]Submission, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSubmission())
	}
	return out, nil
}

// Get 返回单条提交。
func (s *Store) Get(ctx context.Context, localID string) (Submission, error) {
	row, err := retryOnBusy(ctx, func() (submissionRow, error) {
		var row submissionRow
		err := s.db.GetContext(ctx, &row,
			`SELECT `+selectColumns+` FROM pending_submissions WHERE local_id = ?`, localID)
		return row, err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Submission{}, ErrNotFound
		}
		return Submission{}, fmt.Errorf("get submission: %w", err)
	}
	return row.toSubmission(), nil
}

// MarkSynced 将提交标记为已同步；已同步或不存在时为 no-op。
func (s *Store) MarkSynced(ctx context.Context, localID string) error {
	_, err := retryOnBusy(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx,
			`UPDATE pending_submissions SET synced = 1 WHERE local_id = ? AND synced = 0`, localID)
	})
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// Remove 物理删除提交；不存在时为 no-op。
func (s *Store) Remove(ctx context.Context, localID string) error {
	_, err := retryOnBusy(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `DELETE FROM pending_submissions WHERE local_id = ?`, localID)
	})
	if err != nil {
		return fmt.Errorf("remove submission: %w", err)
	}
	return nil
}

// RecordFailure 递增尝试次数并记录错误与时间，返回更新后的提交。
func (s *Store) RecordFailure(ctx context.Context, localID, reason string, at time.Time) (Submission, error) {
	res, err := retryOnBusy(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			UPDATE pending_submissions
			SET sync_attempts = sync_attempts + 1, last_error = ?, last_sync_attempt = ?
			WHERE local_id = ? AND synced = 0`,
			reason, toMillis(at), localID)
	})
	if err != nil {
		return Submission{}, fmt.Errorf("record failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Submission{}, ErrNotFound
	}
	return s.Get(ctx, localID)
}

// Park 暂停提交的自动重试，提交保留在队列中直至 Requeue。
func (s *Store) Park(ctx context.Context, localID, reason string, at time.Time) error {
	res, err := retryOnBusy(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			UPDATE pending_submissions SET parked_at = ?, last_error = ?
			WHERE local_id = ? AND synced = 0`,
			toMillis(at), reason, localID)
	})
	if err != nil {
		return fmt.Errorf("park submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue 清除暂停标记与尝试次数，让提交重新参与自动同步。
func (s *Store) Requeue(ctx context.Context, localID string) error {
	res, err := retryOnBusy(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			UPDATE pending_submissions SET parked_at = NULL, sync_attempts = 0
			WHERE local_id = ? AND synced = 0`, localID)
	})
	if err != nil {
		return fmt.Errorf("requeue submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueParked 重新激活全部暂停的提交，返回数量。
func (s *Store) RequeueParked(ctx context.Context) (int, error) {
	res, err := retryOnBusy(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			UPDATE pending_submissions SET parked_at = NULL, sync_attempts = 0
			WHERE parked_at IS NOT NULL AND synced = 0`)
	})
	if err != nil {
		return 0, fmt.Errorf("requeue parked: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Count 返回未同步提交中待重试与已暂停的数量。
func (s *Store) Count(ctx context.Context) (Counts, error) {
	counts, err := retryOnBusy(ctx, func() (Counts, error) {
		var c Counts
		err := s.db.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(CASE WHEN parked_at IS NULL THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN parked_at IS NOT NULL THEN 1 ELSE 0 END), 0)
			FROM pending_submissions WHERE synced = 0`).Scan(&c.Pending, &c.Parked)
		return c, err
	})
	if err != nil {
		return Counts{}, fmt.Errorf("count submissions: %w", err)
	}
	return counts, nil
}
