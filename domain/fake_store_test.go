package domain

import (
	"cmp"
	"context"
	"slices"
)

type fakeStore struct {
	tasks  map[int64]Task
	nextID int64
	saves  []Task
	// failWith, when set, makes every repository call inside Atomic fail.
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[int64]Task{}}
}

func (f *fakeStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) ListBucket(ctx context.Context, bucket Bucket) ([]Task, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []Task
	for _, t := range f.tasks {
		if t.Bucket == bucket && !t.Completed {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b Task) int {
		return cmp.Or(cmp.Compare(a.Position, b.Position), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (f *fakeStore) ListActive(ctx context.Context) ([]Task, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []Task
	for _, b := range Buckets {
		tasks, _ := f.ListBucket(ctx, b)
		out = append(out, tasks...)
	}
	return out, nil
}

func (f *fakeStore) ListCompleted(ctx context.Context, limit int) ([]Task, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []Task
	for _, t := range f.tasks {
		if t.Completed {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b Task) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(b.ID, a.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, task *Task) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.nextID++
	task.ID = f.nextID
	f.tasks[task.ID] = *task
	return nil
}

func (f *fakeStore) SaveTask(ctx context.Context, task Task) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.tasks[task.ID] = task
	f.saves = append(f.saves, task)
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id int64) error {
	if f.failWith != nil {
		return f.failWith
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) Board(ctx context.Context, limit int) ([]Task, []Task, error) {
	active, err := f.ListActive(ctx)
	if err != nil {
		return nil, nil, err
	}
	completed, err := f.ListCompleted(ctx, limit)
	if err != nil {
		return nil, nil, err
	}
	return active, completed, nil
}

// Atomic runs fn against a copy of the rows and keeps the copy only when fn
// succeeds.
func (f *fakeStore) Atomic(ctx context.Context, fn func(Repository) error) error {
	tx := &fakeStore{tasks: make(map[int64]Task, len(f.tasks)), nextID: f.nextID, failWith: f.failWith}
	for id, t := range f.tasks {
		tx.tasks[id] = t
	}
	if err := fn(tx); err != nil {
		return err
	}
	f.tasks = tx.tasks
	f.nextID = tx.nextID
	f.saves = append(f.saves, tx.saves...)
	return nil
}
