package domain

import "context"

// Repository gives the service access to task rows. It is bound either to
// the database directly or to a running transaction.
type Repository interface {
	// GetTask returns nil without error when no task has the id.
	GetTask(ctx context.Context, id int64) (*Task, error)
	// ListBucket returns the active tasks of a bucket ordered by position.
	ListBucket(ctx context.Context, bucket Bucket) ([]Task, error)
	// ListActive returns every active task ordered by bucket and position.
	ListActive(ctx context.Context) ([]Task, error)
	// ListCompleted returns completed tasks, most recently updated first.
	ListCompleted(ctx context.Context, limit int) ([]Task, error)
	InsertTask(ctx context.Context, task *Task) error
	SaveTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, id int64) error
}

// Store is a Repository that can also run a unit of work atomically. Any
// error returned by fn rolls the unit back.
type Store interface {
	Repository
	Atomic(ctx context.Context, fn func(Repository) error) error
	// Board reads the active and completed lists from one snapshot, so a
	// task never shows up in both lists or in neither.
	Board(ctx context.Context, completedLimit int) (active, completed []Task, err error)
}
