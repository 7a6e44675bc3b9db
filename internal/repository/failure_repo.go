package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskviews/internal/model"
	"taskviews/pkg/otel"
)

// FailureRepository 重算失败视图的重试台账
type FailureRepository struct {
	db *pgxpool.Pool
}

func NewFailureRepository(db *pgxpool.Pool) *FailureRepository {
	return &FailureRepository{db: db}
}

// Record marks keys as pending. A key already in the ledger keeps its attempt
// count; a dead key is revived since a new change touched it.
func (r *FailureRepository) Record(ctx context.Context, failures []model.ViewFailureRecord) error {
	if len(failures) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range failures {
		batch.Queue(`
			INSERT INTO view_failures (view_type, view_id, status, last_error, next_retry_at)
			VALUES ($1, $2, 'pending', $3, NOW())
			ON CONFLICT (view_type, view_id) DO UPDATE SET
				status     = 'pending',
				last_error = EXCLUDED.last_error,
				updated_at = NOW()
		`, string(f.Key.Type), f.Key.ID, f.LastError)
	}
	err := otel.Query(ctx, "upsert", "view_failures", func(ctx context.Context) error {
		return r.db.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("record view failures: %w", err)
	}
	return nil
}

// GetDue 已到重试时间的 pending 记录，最早的在前
func (r *FailureRepository) GetDue(ctx context.Context, now time.Time, limit int) ([]model.ViewFailureRecord, error) {
	return r.list(ctx, `
		SELECT view_type, view_id, status, attempts, last_error, next_retry_at, created_at, updated_at
		FROM view_failures
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY next_retry_at, created_at
		LIMIT $2
	`, now, limit)
}

// List returns failures with the given status, most recent first; an empty
// status lists everything.
func (r *FailureRepository) List(ctx context.Context, status model.FailureStatus, limit int) ([]model.ViewFailureRecord, error) {
	return r.list(ctx, `
		SELECT view_type, view_id, status, attempts, last_error, next_retry_at, created_at, updated_at
		FROM view_failures
		WHERE $1 = '' OR status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, string(status), limit)
}

func (r *FailureRepository) list(ctx context.Context, query string, args ...any) ([]model.ViewFailureRecord, error) {
	var out []model.ViewFailureRecord
	err := otel.Query(ctx, "select", "view_failures", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ViewFailureRecord, error) {
			var f model.ViewFailureRecord
			var typ string
			err := row.Scan(&typ, &f.Key.ID, &f.Status, &f.Attempts, &f.LastError, &f.NextRetryAt, &f.CreatedAt, &f.UpdatedAt)
			f.Key.Type = model.ViewType(typ)
			return f, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list view failures: %w", err)
	}
	return out, nil
}

// Resolve 从台账中移除
func (r *FailureRepository) Resolve(ctx context.Context, key model.ViewKey) error {
	err := otel.Query(ctx, "delete", "view_failures", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `DELETE FROM view_failures WHERE view_type = $1 AND view_id = $2`, string(key.Type), key.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("resolve view failure %s: %w", key, err)
	}
	return nil
}

// MarkFailed 失败次数加一，按线性退避重试，达到 maxAttempts 后标记为 dead
func (r *FailureRepository) MarkFailed(ctx context.Context, key model.ViewKey, lastError string, maxAttempts int) error {
	err := otel.Query(ctx, "update", "view_failures", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			UPDATE view_failures SET
				attempts      = attempts + 1,
				status        = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'pending' END,
				next_retry_at = NOW() + make_interval(secs => $4 * (attempts + 1)),
				last_error    = $5,
				updated_at    = NOW()
			WHERE view_type = $1 AND view_id = $2
		`, string(key.Type), key.ID, maxAttempts, model.FailureBackoff.Seconds(), lastError)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark view failure %s: %w", key, err)
	}
	return nil
}

// Replay 让 dead 记录重新进入重试
func (r *FailureRepository) Replay(ctx context.Context, key model.ViewKey) error {
	var affected int64
	err := otel.Query(ctx, "update", "view_failures", func(ctx context.Context) error {
		ct, err := r.db.Exec(ctx, `
			UPDATE view_failures
			SET status = 'pending', attempts = 0, next_retry_at = NOW(), updated_at = NOW()
			WHERE view_type = $1 AND view_id = $2
		`, string(key.Type), key.ID)
		affected = ct.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("replay view failure %s: %w", key, err)
	}
	if affected == 0 {
		return fmt.Errorf("view failure %s: %w", key, model.ErrNotFound)
	}
	return nil
}
