package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"taskviews/internal/model"
	"taskviews/pkg/circuitbreaker"
	"taskviews/pkg/otel"
)

// ViewRepository stores view documents as JSONB alongside the columns the
// read queries filter and sort on. Writes are guarded by a circuit breaker
// and replace the stored document; a task view keeps the larger of the
// stored and the written lastUpdated.
type ViewRepository struct {
	db     *pgxpool.Pool
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
}

func NewViewRepository(db *pgxpool.Pool, cb *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ViewRepository {
	if cb == nil {
		cb = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ViewRepository{db: db, cb: cb, logger: logger}
}

const upsertTaskViewSQL = `
	INSERT INTO task_views (id, assigned_to_user_id, created_by_user_id, status, due_date, created_at, last_updated, doc)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO UPDATE SET
		assigned_to_user_id = EXCLUDED.assigned_to_user_id,
		created_by_user_id  = EXCLUDED.created_by_user_id,
		status              = EXCLUDED.status,
		due_date            = EXCLUDED.due_date,
		created_at          = EXCLUDED.created_at,
		last_updated        = GREATEST(task_views.last_updated, EXCLUDED.last_updated),
		doc                 = CASE
			WHEN task_views.last_updated > EXCLUDED.last_updated
			THEN jsonb_set(EXCLUDED.doc, '{lastUpdated}', task_views.doc->'lastUpdated')
			ELSE EXCLUDED.doc
		END
`

// UpsertTaskViews 一次往返写入，每个视图对应一个错误位
func (r *ViewRepository) UpsertTaskViews(ctx context.Context, views []model.TaskView) []error {
	errs := make([]error, len(views))
	if len(views) == 0 {
		return errs
	}

	batch := &pgx.Batch{}
	for i, v := range views {
		doc, err := json.Marshal(v)
		if err != nil {
			errs[i] = fmt.Errorf("encode task view %s: %w", v.ID, err)
			continue
		}
		batch.Queue(upsertTaskViewSQL,
			v.ID, v.AssignedToUserID, v.CreatedByUserID, string(v.Status), v.DueDate, v.CreatedAt, v.LastUpdated, doc,
		)
	}
	if batch.Len() == 0 {
		return errs
	}

	err := r.cb.Execute(ctx, func(ctx context.Context) error {
		return otel.Query(ctx, "upsert", "task_views", func(ctx context.Context) error {
			br := r.db.SendBatch(ctx, batch)
			return br.Close()
		})
	})
	if err != nil {
		for i := range errs {
			if errs[i] == nil {
				errs[i] = fmt.Errorf("upsert task view %s: %w", views[i].ID, err)
			}
		}
		return errs
	}
	r.logger.Debug("Task views upserted", zap.Int("count", batch.Len()))
	return errs
}

func (r *ViewRepository) DeleteTaskView(ctx context.Context, id string) error {
	return r.exec(ctx, "delete", "task_views", `DELETE FROM task_views WHERE id = $1`, id)
}

func (r *ViewRepository) UpsertUserActivity(ctx context.Context, v model.UserActivityView) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode activity view %s: %w", v.ID, err)
	}
	return r.exec(ctx, "upsert", "user_activity_views", `
		INSERT INTO user_activity_views (id, total_assigned, tasks_completed, average_completion_days, last_updated, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			total_assigned          = EXCLUDED.total_assigned,
			tasks_completed         = EXCLUDED.tasks_completed,
			average_completion_days = EXCLUDED.average_completion_days,
			last_updated            = EXCLUDED.last_updated,
			doc                     = EXCLUDED.doc
	`, v.ID, v.TotalAssigned, v.TasksCompleted, v.AverageCompletionDays, v.LastUpdated, doc)
}

func (r *ViewRepository) DeleteUserActivity(ctx context.Context, id string) error {
	return r.exec(ctx, "delete", "user_activity_views", `DELETE FROM user_activity_views WHERE id = $1`, id)
}

func (r *ViewRepository) UpsertDashboard(ctx context.Context, v model.DashboardView) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode dashboard: %w", err)
	}
	return r.exec(ctx, "upsert", "dashboard_view", `
		INSERT INTO dashboard_view (id, last_updated, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET last_updated = EXCLUDED.last_updated, doc = EXCLUDED.doc
	`, v.ID, v.LastUpdated, doc)
}

func (r *ViewRepository) exec(ctx context.Context, op, table, query string, args ...any) error {
	err := r.cb.Execute(ctx, func(ctx context.Context) error {
		return otel.Query(ctx, op, table, func(ctx context.Context) error {
			_, err := r.db.Exec(ctx, query, args...)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, table, err)
	}
	return nil
}

// ListViewIDs 指定类型的全部视图 id
func (r *ViewRepository) ListViewIDs(ctx context.Context, viewType model.ViewType) ([]string, error) {
	var table string
	switch viewType {
	case model.ViewTypeTask:
		table = "task_views"
	case model.ViewTypeUserActivity:
		table = "user_activity_views"
	case model.ViewTypeDashboard:
		table = "dashboard_view"
	default:
		return nil, fmt.Errorf("unknown view type %q", viewType)
	}

	var ids []string
	err := otel.Query(ctx, "select", table, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `SELECT id FROM `+table+` ORDER BY id`)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", table, err)
	}
	return ids, nil
}

func (r *ViewRepository) GetTaskView(ctx context.Context, id string) (model.TaskView, error) {
	return getDoc[model.TaskView](ctx, r.db, "task_views", `SELECT doc FROM task_views WHERE id = $1`, id)
}

// ListTaskViewsForUser returns tasks assigned to or created by userID, newest first.
func (r *ViewRepository) ListTaskViewsForUser(ctx context.Context, userID string) ([]model.TaskView, error) {
	return listDocs[model.TaskView](ctx, r.db, "task_views", `
		SELECT doc FROM task_views
		WHERE assigned_to_user_id = $1 OR created_by_user_id = $1
		ORDER BY created_at DESC, id`, userID)
}

func (r *ViewRepository) ListTaskViews(ctx context.Context, limit int) ([]model.TaskView, error) {
	return listDocs[model.TaskView](ctx, r.db, "task_views", `
		SELECT doc FROM task_views ORDER BY created_at DESC, id LIMIT $1`, limit)
}

func (r *ViewRepository) ListTaskViewsByStatus(ctx context.Context, status model.TaskStatus) ([]model.TaskView, error) {
	return listDocs[model.TaskView](ctx, r.db, "task_views", `
		SELECT doc FROM task_views WHERE status = $1 ORDER BY created_at DESC, id`, string(status))
}

// ListOverdueTaskViews 按 now 判断逾期，而不是写入时
func (r *ViewRepository) ListOverdueTaskViews(ctx context.Context, now time.Time) ([]model.TaskView, error) {
	views, err := listDocs[model.TaskView](ctx, r.db, "task_views", `
		SELECT doc FROM task_views
		WHERE due_date IS NOT NULL AND due_date < $1 AND status <> $2
		ORDER BY due_date, id`, now, string(model.TaskStatusDone))
	for i := range views {
		views[i].IsOverdue = true
	}
	return views, err
}

func (r *ViewRepository) GetUserActivity(ctx context.Context, userID string) (model.UserActivityView, error) {
	return getDoc[model.UserActivityView](ctx, r.db, "user_activity_views", `SELECT doc FROM user_activity_views WHERE id = $1`, userID)
}

// ListUserActivity returns every activity view, busiest users first.
func (r *ViewRepository) ListUserActivity(ctx context.Context) ([]model.UserActivityView, error) {
	return listDocs[model.UserActivityView](ctx, r.db, "user_activity_views", `
		SELECT doc FROM user_activity_views ORDER BY total_assigned DESC, id`)
}

// TopPerformers ranks users with assigned tasks by completions, then by the
// fastest average completion.
func (r *ViewRepository) TopPerformers(ctx context.Context, n int) ([]model.UserActivityView, error) {
	return listDocs[model.UserActivityView](ctx, r.db, "user_activity_views", `
		SELECT doc FROM user_activity_views
		WHERE total_assigned > 0
		ORDER BY tasks_completed DESC, average_completion_days ASC NULLS LAST, id
		LIMIT $1`, n)
}

func (r *ViewRepository) GetDashboard(ctx context.Context) (model.DashboardView, error) {
	return getDoc[model.DashboardView](ctx, r.db, "dashboard_view", `SELECT doc FROM dashboard_view WHERE id = $1`, model.DashboardID)
}

func getDoc[T any](ctx context.Context, db *pgxpool.Pool, table, query string, args ...any) (T, error) {
	var v T
	var doc []byte
	err := otel.Query(ctx, "select", table, func(ctx context.Context) error {
		return db.QueryRow(ctx, query, args...).Scan(&doc)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return v, fmt.Errorf("%s: %w", table, model.ErrNotFound)
	}
	if err != nil {
		return v, fmt.Errorf("get %s: %w", table, err)
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", table, err)
	}
	return v, nil
}

func listDocs[T any](ctx context.Context, db *pgxpool.Pool, table, query string, args ...any) ([]T, error) {
	var docs [][]byte
	err := otel.Query(ctx, "select", table, func(ctx context.Context) error {
		rows, err := db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		docs, err = pgx.CollectRows(rows, pgx.RowTo[[]byte])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}

	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", table, err)
		}
		out = append(out, v)
	}
	return out, nil
}
