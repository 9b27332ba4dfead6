// Package issues stores issues created through the reference API. Creation
// is idempotent on the client-supplied key, so a retried delivery of the same
// submission never produces a second issue.
package issues

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
	ErrNotFound       = errors.New("issues: not found")
	ErrMissingKey     = errors.New("issues: idempotency key is required")
	ErrInvalidPayload = errors.New("issues: payload must be a JSON object")
)

// Issue 是一条已创建的问题记录。
type Issue struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	OwnerID        string          `json:"owner_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	AttachmentRef  string          `json:"attachment_ref,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewIssue 是创建请求。
type NewIssue struct {
	IdempotencyKey string
	OwnerID        string
	Payload        json.RawMessage
	AttachmentRef  string
}

type issueRow struct {
	ID             string `db:"id"`
	IdempotencyKey string `db:"idempotency_key"`
	OwnerID        string `db:"owner_id"`
	Payload        string `db:"payload"`
	AttachmentRef  string `db:"attachment_ref"`
	CreatedAt      int64  `db:"created_at"`
}

func (r issueRow) issue() Issue {
	return Issue{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		OwnerID:        r.OwnerID,
		Payload:        json.RawMessage(r.Payload),
		AttachmentRef:  r.AttachmentRef,
		CreatedAt:      time.UnixMilli(r.CreatedAt).UTC(),
	}
}

const issueColumns = `id, idempotency_key, owner_id, payload, attachment_ref, created_at`

// Store 读写 issues 表。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create 创建问题；相同幂等键重复调用返回已有记录，created 为 false。
func (s *Store) Create(ctx context.Context, in NewIssue) (Issue, bool, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return Issue{}, false, ErrMissingKey
	}
	if !isJSONObject(in.Payload) {
		return Issue{}, false, ErrInvalidPayload
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO issues (`+issueColumns+`)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO NOTHING`),
		uuid.NewString(),
		key,
		strings.TrimSpace(in.OwnerID),
		string(in.Payload),
		strings.TrimSpace(in.AttachmentRef),
		s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return Issue{}, false, fmt.Errorf("insert issue: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Issue{}, false, fmt.Errorf("insert issue: %w", err)
	}

	issue, err := s.GetByKey(ctx, key)
	if err != nil {
		return Issue{}, false, err
	}
	return issue, affected > 0, nil
}

// Get 按 ID 查询。
func (s *Store) Get(ctx context.Context, id string) (Issue, error) {
	return s.getOne(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
}

// GetByKey 按幂等键查询。
func (s *Store) GetByKey(ctx context.Context, key string) (Issue, error) {
	return s.getOne(ctx, `SELECT `+issueColumns+` FROM issues WHERE idempotency_key = ?`, strings.TrimSpace(key))
}

// Count 返回问题总数。
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM issues`); err != nil {
		return 0, fmt.Errorf("count issues: %w", err)
	}
	return n, nil
}

func (s *Store) getOne(ctx context.Context, query string, arg string) (Issue, error) {
	var row issueRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return Issue{}, ErrNotFound
	}
	if err != nil {
		return Issue{}, fmt.Errorf("get issue: %w", err)
	}
	return row.issue(), nil
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return len(raw) > 0 && json.Unmarshal(raw, &obj) == nil && obj != nil
}
