package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName            = "eisenhower/domain"
	DefaultCompletedLimit = 100
)

// TaskService implements the task lifecycle on top of a Store. Every
// mutation runs as a single atomic unit so concurrent requests never observe
// a half-applied ordering.
type TaskService struct {
	st             Store
	completedLimit int
	now            func() time.Time
}

func NewTaskService(st Store, completedLimit int) *TaskService {
	if completedLimit <= 0 {
		completedLimit = DefaultCompletedLimit
	}
	return &TaskService{st: st, completedLimit: completedLimit, now: time.Now}
}

// CreateTask appends a new task to the end of bucket.
func (s *TaskService) CreateTask(ctx context.Context, title string, bucket Bucket) (task Task, err error) {
	ctx, span := startSpan(ctx, "CreateTask", attribute.String("task.bucket", string(bucket)))
	defer func() { endSpan(span, err) }()

	title, err = validTitle(title)
	if err != nil {
		return Task{}, err
	}
	if _, ok := ParseBucket(string(bucket)); !ok {
		return Task{}, fmt.Errorf("%w: unknown bucket %q", ErrValidation, bucket)
	}

	now := s.clock()
	err = s.atomic(ctx, "CreateTask", func(repo Repository) error {
		active, err := repo.ListBucket(ctx, bucket)
		if err != nil {
			return err
		}
		task = Task{
			Title:     title,
			TaskType:  bucket.HomeType(),
			Bucket:    bucket,
			CreatedAt: now,
			UpdatedAt: now,
		}
		order := Insert(active, task, len(active))
		changed := Reindex(order)
		task.Position = order[len(order)-1].Position
		// the new row has no id yet
		if err := saveAll(ctx, repo, Remove(changed, 0)); err != nil {
			return err
		}
		return repo.InsertTask(ctx, &task)
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask returns a single task.
func (s *TaskService) GetTask(ctx context.Context, id int64) (task Task, err error) {
	ctx, span := startSpan(ctx, "GetTask", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	found, err := s.st.GetTask(ctx, id)
	if err != nil {
		return Task{}, storeFailure("GetTask", err)
	}
	if found == nil {
		return Task{}, notFound(id)
	}
	return *found, nil
}

// EditTitle renames a task. A title that trims to nothing is rejected
// without touching the row.
func (s *TaskService) EditTitle(ctx context.Context, id int64, title string) (task Task, err error) {
	ctx, span := startSpan(ctx, "EditTitle", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	now := s.clock()
	err = s.atomic(ctx, "EditTitle", func(repo Repository) error {
		current, err := loadTask(ctx, repo, id)
		if err != nil {
			return err
		}
		trimmed, err := validTitle(title)
		if err != nil {
			return err
		}
		current.Title = trimmed
		current.UpdatedAt = now
		task = *current
		return repo.SaveTask(ctx, task)
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// MoveTask drags a task to index within bucket, closing the gap it leaves
// in its source column.
func (s *TaskService) MoveTask(ctx context.Context, id int64, bucket Bucket, index int) (task Task, err error) {
	ctx, span := startSpan(ctx, "MoveTask",
		attribute.Int64("task.id", id),
		attribute.String("task.bucket", string(bucket)),
		attribute.Int("task.index", index),
	)
	defer func() { endSpan(span, err) }()

	if _, ok := ParseBucket(string(bucket)); !ok {
		return Task{}, fmt.Errorf("%w: unknown bucket %q", ErrValidation, bucket)
	}

	now := s.clock()
	err = s.atomic(ctx, "MoveTask", func(repo Repository) error {
		current, err := loadTask(ctx, repo, id)
		if err != nil {
			return err
		}
		if current.Completed {
			return fmt.Errorf("%w: task %d is completed", ErrInvalidState, id)
		}
		source, err := repo.ListBucket(ctx, current.Bucket)
		if err != nil {
			return err
		}
		var target []Task
		if bucket != current.Bucket {
			if target, err = repo.ListBucket(ctx, bucket); err != nil {
				return err
			}
		}

		src, dst, _ := Move(source, target, *current, bucket, index)
		if err := saveAll(ctx, repo, Reindex(src)); err != nil {
			return err
		}
		changed := Reindex(dst)
		if err := saveAll(ctx, repo, Remove(changed, id)); err != nil {
			return err
		}
		task = dst[IndexOf(dst, id)]
		task.UpdatedAt = now
		return repo.SaveTask(ctx, task)
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// ReorderBucket rewrites the order of a bucket from the ids a client sends
// after a drag. Active tasks left out of ids keep their relative order after
// the listed ones.
func (s *TaskService) ReorderBucket(ctx context.Context, bucket Bucket, ids []int64) (order []Task, err error) {
	ctx, span := startSpan(ctx, "ReorderBucket",
		attribute.String("task.bucket", string(bucket)),
		attribute.Int("task.count", len(ids)),
	)
	defer func() { endSpan(span, err) }()

	if _, ok := ParseBucket(string(bucket)); !ok {
		return nil, fmt.Errorf("%w: unknown bucket %q", ErrValidation, bucket)
	}

	now := s.clock()
	err = s.atomic(ctx, "ReorderBucket", func(repo Repository) error {
		active, err := repo.ListBucket(ctx, bucket)
		if err != nil {
			return err
		}
		byID := make(map[int64]Task, len(active))
		for _, t := range active {
			byID[t.ID] = t
		}
		order = make([]Task, 0, len(active))
		seen := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			t, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: task %d is not active in %s", ErrValidation, id, bucket)
			}
			if _, dup := seen[id]; dup {
				return fmt.Errorf("%w: task %d listed twice", ErrValidation, id)
			}
			seen[id] = struct{}{}
			order = append(order, t)
		}
		for _, t := range active {
			if _, ok := seen[t.ID]; !ok {
				order = append(order, t)
			}
		}
		changed := Reindex(order)
		for i := range changed {
			changed[i].UpdatedAt = now
			order[IndexOf(order, changed[i].ID)].UpdatedAt = now
		}
		return saveAll(ctx, repo, changed)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CompleteTask moves an active task to the completed list. Its bucket and
// position stay frozen; the remaining tasks of the bucket close ranks.
func (s *TaskService) CompleteTask(ctx context.Context, id int64) (task Task, err error) {
	ctx, span := startSpan(ctx, "CompleteTask", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	now := s.clock()
	err = s.atomic(ctx, "CompleteTask", func(repo Repository) error {
		current, err := loadTask(ctx, repo, id)
		if err != nil {
			return err
		}
		task, err = complete(ctx, repo, *current, now)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// RestoreTask brings a completed task back to the end of its home quadrant.
func (s *TaskService) RestoreTask(ctx context.Context, id int64) (task Task, err error) {
	ctx, span := startSpan(ctx, "RestoreTask", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	now := s.clock()
	err = s.atomic(ctx, "RestoreTask", func(repo Repository) error {
		current, err := loadTask(ctx, repo, id)
		if err != nil {
			return err
		}
		task, err = restore(ctx, repo, *current, now)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// ToggleTask completes an active task or restores a completed one.
func (s *TaskService) ToggleTask(ctx context.Context, id int64) (task Task, err error) {
	ctx, span := startSpan(ctx, "ToggleTask", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	now := s.clock()
	err = s.atomic(ctx, "ToggleTask", func(repo Repository) error {
		current, err := loadTask(ctx, repo, id)
		if err != nil {
			return err
		}
		if current.Completed {
			task, err = restore(ctx, repo, *current, now)
		} else {
			task, err = complete(ctx, repo, *current, now)
		}
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// DeleteTask removes a task permanently.
func (s *TaskService) DeleteTask(ctx context.Context, id int64) (err error) {
	ctx, span := startSpan(ctx, "DeleteTask", attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	return s.atomic(ctx, "DeleteTask", func(repo Repository) error {
		current, err := loadTask(ctx, repo, id)
		if err != nil {
			return err
		}
		if err := repo.DeleteTask(ctx, id); err != nil {
			return err
		}
		if current.Completed {
			return nil
		}
		rest, err := repo.ListBucket(ctx, current.Bucket)
		if err != nil {
			return err
		}
		return saveAll(ctx, repo, Reindex(rest))
	})
}

// ListBoard returns every column in position order plus the completed list.
func (s *TaskService) ListBoard(ctx context.Context) (board Board, err error) {
	ctx, span := startSpan(ctx, "ListBoard")
	defer func() { endSpan(span, err) }()

	active, completed, err := s.st.Board(ctx, s.completedLimit)
	if err != nil {
		return Board{}, storeFailure("ListBoard", err)
	}

	board = newBoard()
	for _, t := range active {
		board.Columns[t.Bucket] = append(board.Columns[t.Bucket], t)
	}
	board.Completed = append(board.Completed, completed...)
	span.SetAttributes(attribute.Int("board.active", len(active)), attribute.Int("board.completed", len(completed)))
	return board, nil
}

func complete(ctx context.Context, repo Repository, task Task, now time.Time) (Task, error) {
	if task.Completed {
		return Task{}, fmt.Errorf("%w: task %d is already completed", ErrInvalidState, task.ID)
	}
	active, err := repo.ListBucket(ctx, task.Bucket)
	if err != nil {
		return Task{}, err
	}
	if err := saveAll(ctx, repo, Reindex(Remove(active, task.ID))); err != nil {
		return Task{}, err
	}
	task.Completed = true
	task.UpdatedAt = now
	return task, repo.SaveTask(ctx, task)
}

func restore(ctx context.Context, repo Repository, task Task, now time.Time) (Task, error) {
	if !task.Completed {
		return Task{}, fmt.Errorf("%w: task %d is not completed", ErrInvalidState, task.ID)
	}
	home := task.TaskType.Bucket()
	active, err := repo.ListBucket(ctx, home)
	if err != nil {
		return Task{}, err
	}
	task.Bucket = home
	task.Completed = false
	order := Insert(active, task, len(active))
	changed := Reindex(order)
	if err := saveAll(ctx, repo, Remove(changed, task.ID)); err != nil {
		return Task{}, err
	}
	task = order[len(order)-1]
	task.UpdatedAt = now
	return task, repo.SaveTask(ctx, task)
}

// saveAll writes rows whose rank shifted. Siblings renumbered as a side
// effect keep their updated_at.
func saveAll(ctx context.Context, repo Repository, tasks []Task) error {
	for _, t := range tasks {
		if err := repo.SaveTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func loadTask(ctx context.Context, repo Repository, id int64) (*Task, error) {
	task, err := repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, notFound(id)
	}
	return task, nil
}

func validTitle(title string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", fmt.Errorf("%w: title is required", ErrValidation)
	}
	return trimmed, nil
}

func notFound(id int64) error {
	return fmt.Errorf("%w: %d", ErrNotFound, id)
}

func (s *TaskService) clock() time.Time {
	return s.now().UTC()
}

// atomic runs fn in one store transaction. Domain errors pass through
// untouched; anything else is a store failure.
func (s *TaskService) atomic(ctx context.Context, op string, fn func(Repository) error) error {
	err := s.st.Atomic(ctx, fn)
	if err == nil || isDomainError(err) {
		return err
	}
	return storeFailure(op, err)
}

func storeFailure(op string, err error) error {
	log.WithError(err).WithField("operation", op).Error("task store failure")
	return fmt.Errorf("%w: %w", ErrStore, err)
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) || errors.Is(err, ErrStore)
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tasks."+op)
	span.SetAttributes(append(attrs, attribute.String("task.operation", op))...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
