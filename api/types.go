package api

import (
	"context"

	"eisenhower/domain"
)

// TaskService is the task lifecycle the handlers drive.
type TaskService interface {
	ListBoard(ctx context.Context) (domain.Board, error)
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	CreateTask(ctx context.Context, title string, bucket domain.Bucket) (domain.Task, error)
	EditTitle(ctx context.Context, id int64, title string) (domain.Task, error)
	MoveTask(ctx context.Context, id int64, bucket domain.Bucket, index int) (domain.Task, error)
	ReorderBucket(ctx context.Context, bucket domain.Bucket, ids []int64) ([]domain.Task, error)
	CompleteTask(ctx context.Context, id int64) (domain.Task, error)
	RestoreTask(ctx context.Context, id int64) (domain.Task, error)
	ToggleTask(ctx context.Context, id int64) (domain.Task, error)
	DeleteTask(ctx context.Context, id int64) error
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deduper prevents processing of duplicate requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, key string) error
}

type createTaskRequest struct {
	Title  string `json:"title" form:"title"`
	Bucket string `json:"bucket" form:"bucket"`
}

type editTaskRequest struct {
	Title string `json:"title" form:"title"`
}

type moveTaskRequest struct {
	Bucket string `json:"bucket" form:"bucket"`
	Index  *int   `json:"index" form:"index"`
}

type reorderRequest struct {
	OrderedIDs []int64 `json:"orderedIds"`
}

type errorResponse struct {
	Error string `json:"error"`
}
