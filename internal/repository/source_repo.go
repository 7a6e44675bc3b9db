package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskviews/internal/model"
	"taskviews/pkg/otel"
)

// TaskRepository 读取任务服务维护的 tasks 表
type TaskRepository struct {
	db *pgxpool.Pool
}

func NewTaskRepository(db *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, title, COALESCE(description, ''), status, priority,
	COALESCE(assigned_to_user_id, ''), COALESCE(created_by_user_id, ''),
	created_at, updated_at, due_date, completed_at, COALESCE(category, ''), COALESCE(tags, '{}')`

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.AssignedToUserID, &t.CreatedByUserID,
		&t.CreatedAt, &t.UpdatedAt, &t.DueDate, &t.CompletedAt, &t.Category, &t.Tags,
	)
	return t, err
}

func (r *TaskRepository) GetTask(ctx context.Context, id string) (model.Task, error) {
	var t model.Task
	err := otel.Query(ctx, "select", "tasks", func(ctx context.Context) error {
		var err error
		t, err = scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasksByUser returns tasks assigned to or created by userID.
func (r *TaskRepository) ListTasksByUser(ctx context.Context, userID string) ([]model.Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE assigned_to_user_id = $1 OR created_by_user_id = $1
		ORDER BY created_at, id`, userID)
}

// ListTasks 按创建时间返回全部任务
func (r *TaskRepository) ListTasks(ctx context.Context) ([]model.Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
}

func (r *TaskRepository) list(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	var tasks []model.Task
	err := otel.Query(ctx, "select", "tasks", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		tasks, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Task, error) {
			return scanTask(row)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// UserRepository 读取身份服务维护的 users 表
type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, first_name, last_name, email, role, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (r *UserRepository) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := otel.Query(ctx, "select", "users", func(ctx context.Context) error {
		var err error
		u, err = scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// GetUsersByIDs 一次查询多个用户，不存在的 id 忽略
func (r *UserRepository) GetUsersByIDs(ctx context.Context, ids []string) (map[string]model.User, error) {
	out := make(map[string]model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	users, err := r.list(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (r *UserRepository) ListUsers(ctx context.Context) ([]model.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
}

func (r *UserRepository) list(ctx context.Context, query string, args ...any) ([]model.User, error) {
	var users []model.User
	err := otel.Query(ctx, "select", "users", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		users, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.User, error) {
			return scanUser(row)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
