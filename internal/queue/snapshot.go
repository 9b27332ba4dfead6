package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// SnapshotVersion 是导出格式的当前版本。版本 1 不含 parked_at。
const SnapshotVersion = 2

// Snapshot 是整个队列的可移植 JSON 表示，用于备份或迁移到新设备存储。
type Snapshot struct {
	Version     int          `json:"version"`
	ExportedAt  time.Time    `json:"exported_at"`
	Submissions []Submission `json:"submissions"`
}

// Export 将全部提交（包括已暂停）写为 JSON 快照。
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	rows, err := retryOnBusy(ctx, func() ([]submissionRow, error) {
		var rows []submissionRow
		err := s.db.SelectContext(ctx, &rows,
			`SELECT `+selectColumns+` FROM pending_submissions ORDER BY seq ASC`)
		return rows, err
	})
	if err != nil {
		return 0, fmt.Errorf("export submissions: %w", err)
	}

	snap := Snapshot{
		Version:     SnapshotVersion,
		ExportedAt:  s.now().UTC(),
		Submissions: make([]Submission, 0, len(rows)),
	}
	for _, row := range rows {
		snap.Submissions = append(snap.Submissions, row.toSubmission())
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	return len(snap.Submissions), nil
}

// Import 读取快照并写入缺失的提交，已存在的 localId 跳过；整个导入在单个事务内完成。
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := upgradeSnapshot(&snap); err != nil {
		return 0, err
	}

	imported, err := retryOnBusy(ctx, func() (int, error) {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return 0, err
		}
		defer tx.Rollback()

		imported := 0
		for _, sub := range snap.Submissions {
			if sub.LocalID == "" {
				continue
			}
			record := sub.Payload.Record
			if len(record) == 0 {
				record = json.RawMessage("null")
			}
			createdAt := sub.CreatedAt
			if createdAt.IsZero() {
				createdAt = s.now()
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO pending_submissions
					(local_id, payload, attachment_ref, created_at, synced, sync_attempts, last_sync_attempt, last_error, parked_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(local_id) DO NOTHING`,
				sub.LocalID, string(record), sub.Payload.AttachmentRef, toMillis(createdAt),
				sub.Synced, sub.SyncAttempts, nullableMillis(sub.LastSyncAttempt), sub.LastError,
				nullableMillis(sub.ParkedAt))
			if err != nil {
				return 0, err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				imported++
			}
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		return imported, nil
	})
	if err != nil {
		return 0, fmt.Errorf("import snapshot: %w", err)
	}
	return imported, nil
}

// upgradeSnapshot 将旧版本快照升级为当前结构。
func upgradeSnapshot(snap *Snapshot) error {
	switch {
	case snap.Version <= 0:
		return errors.New("snapshot version missing")
	case snap.Version > SnapshotVersion:
		return fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, SnapshotVersion)
	case snap.Version == 1:
		for i := range snap.Submissions {
			snap.Submissions[i].ParkedAt = nil
		}
	}
	snap.Version = SnapshotVersion
	return nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}
