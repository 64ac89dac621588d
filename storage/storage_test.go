package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eisenhower/domain"
)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insert(t *testing.T, s *Storage, title string, bucket domain.Bucket, pos int64, at time.Time) domain.Task {
	t.Helper()
	task := domain.Task{
		Title:     title,
		TaskType:  bucket.HomeType(),
		Bucket:    bucket,
		Position:  pos,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := s.InsertTask(context.Background(), &task); err != nil {
		t.Fatalf("insert %q: %v", title, err)
	}
	return task
}

func titles(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestFileDatabasePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	task := insert(t, s, "Persist me", domain.NotUrgentImportant, 1, time.Now().UTC())
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Title != "Persist me" {
		t.Fatalf("unexpected task after reopen: %#v", got)
	}
}

func TestInsertAndGetTask(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	task := insert(t, s, "Pay taxes", domain.UrgentImportant, 1, at)
	if task.ID == 0 {
		t.Fatalf("expected id to be assigned")
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected task %d", task.ID)
	}
	if got.Title != "Pay taxes" || got.Bucket != domain.UrgentImportant || got.TaskType != domain.TaskType(domain.UrgentImportant) {
		t.Fatalf("unexpected task: %#v", got)
	}
	if got.Completed || got.Position != 1 {
		t.Fatalf("unexpected state: completed=%v position=%d", got.Completed, got.Position)
	}
	if !got.CreatedAt.Equal(at) || !got.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected timestamps: %v %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestGetTaskMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetTask(context.Background(), 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %#v", got)
	}
}

func TestIDsAreNotReused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := insert(t, s, "first", domain.Today, 1, time.Now().UTC())
	if err := s.DeleteTask(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second := insert(t, s, "second", domain.Today, 1, time.Now().UTC())
	if second.ID <= first.ID {
		t.Fatalf("expected id greater than %d, got %d", first.ID, second.ID)
	}
}

func TestInsertRejectsUnknownBucket(t *testing.T) {
	s := newTestStore(t)
	task := domain.Task{Title: "bad", TaskType: "UrgentImportant", Bucket: "Someday", Position: 1}
	if err := s.InsertTask(context.Background(), &task); err == nil {
		t.Fatalf("expected check constraint violation")
	}
}

func TestInsertRejectsTodayAsTaskType(t *testing.T) {
	s := newTestStore(t)
	task := domain.Task{Title: "bad", TaskType: "Today", Bucket: domain.Today, Position: 1}
	if err := s.InsertTask(context.Background(), &task); err == nil {
		t.Fatalf("expected check constraint violation")
	}
}

func TestListBucketOrdersActiveByPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insert(t, s, "third", domain.UrgentNotImportant, 3, now)
	insert(t, s, "first", domain.UrgentNotImportant, 1, now)
	done := insert(t, s, "done", domain.UrgentNotImportant, 2, now)
	insert(t, s, "second", domain.UrgentNotImportant, 2, now)
	insert(t, s, "elsewhere", domain.Today, 1, now)

	done.Completed = true
	if err := s.SaveTask(ctx, done); err != nil {
		t.Fatalf("save: %v", err)
	}

	tasks, err := s.ListBucket(ctx, domain.UrgentNotImportant)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := titles(tasks); !equalStrings(got, []string{"first", "second", "third"}) {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestListActiveSkipsCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insert(t, s, "a", domain.Today, 1, now)
	done := insert(t, s, "b", domain.NotUrgentNotImportant, 1, now)
	done.Completed = true
	if err := s.SaveTask(ctx, done); err != nil {
		t.Fatalf("save: %v", err)
	}

	tasks, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if got := titles(tasks); !equalStrings(got, []string{"a"}) {
		t.Fatalf("unexpected active tasks: %v", got)
	}
}

func TestListCompletedNewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, title := range []string{"oldest", "middle", "newest"} {
		task := insert(t, s, title, domain.UrgentImportant, int64(i+1), base)
		task.Completed = true
		task.UpdatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	tasks, err := s.ListCompleted(ctx, 2)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if got := titles(tasks); !equalStrings(got, []string{"newest", "middle"}) {
		t.Fatalf("unexpected completed order: %v", got)
	}

	all, err := s.ListCompleted(ctx, 0)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 completed tasks without limit, got %d", len(all))
	}
}

func TestSaveTaskMissingRowFails(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveTask(context.Background(), domain.Task{ID: 7, Title: "ghost", TaskType: "UrgentImportant", Bucket: domain.UrgentImportant})
	if err == nil {
		t.Fatalf("expected error for missing row")
	}
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(repo domain.Repository) error {
		task := domain.Task{Title: "rolled back", TaskType: "UrgentImportant", Bucket: domain.Today, Position: 1}
		if err := repo.InsertTask(ctx, &task); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	tasks, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected rollback, found %v", titles(tasks))
	}
}

func TestAtomicCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var id int64
	err := s.Atomic(ctx, func(repo domain.Repository) error {
		task := domain.Task{Title: "kept", TaskType: "NotUrgentImportant", Bucket: domain.NotUrgentImportant, Position: 1}
		if err := repo.InsertTask(ctx, &task); err != nil {
			return err
		}
		id = task.ID
		return nil
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	got, err := s.GetTask(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("expected committed task, got %v (err %v)", got, err)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

// The service scenario again, this time against SQLite rather than the fake.
func TestTaskServiceAgainstSQLite(t *testing.T) {
	s := newTestStore(t)
	svc := domain.NewTaskService(s, 0)
	ctx := context.Background()

	var ids []int64
	for _, title := range []string{"Pay taxes", "Call bank", "Book flights"} {
		task, err := svc.CreateTask(ctx, title, domain.UrgentImportant)
		if err != nil {
			t.Fatalf("create %q: %v", title, err)
		}
		ids = append(ids, task.ID)
	}

	if _, err := svc.MoveTask(ctx, ids[0], domain.Today, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := svc.MoveTask(ctx, ids[2], domain.UrgentImportant, 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if _, err := svc.CompleteTask(ctx, ids[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}
	restored, err := svc.RestoreTask(ctx, ids[0])
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Bucket != domain.UrgentImportant || restored.Position != 3 {
		t.Fatalf("unexpected restored task: %#v", restored)
	}

	board, err := svc.ListBoard(ctx)
	if err != nil {
		t.Fatalf("list board: %v", err)
	}
	column := board.Columns[domain.UrgentImportant]
	if got := titles(column); !equalStrings(got, []string{"Book flights", "Call bank", "Pay taxes"}) {
		t.Fatalf("unexpected column: %v", got)
	}
	for i, task := range column {
		if task.Position != int64(i+1) {
			t.Fatalf("expected dense positions, got %d at %d", task.Position, i)
		}
	}
	if len(board.Columns[domain.Today]) != 0 || len(board.Completed) != 0 {
		t.Fatalf("expected empty Today and Completed, got %#v", board)
	}
}

func newFileStore(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// assertBoardConsistent checks dense 1..n positions per column and that each
// of ids appears exactly once across the columns and the completed list.
func assertBoardConsistent(t *testing.T, board domain.Board, ids []int64) {
	t.Helper()
	seen := make(map[int64]int, len(ids))
	for bucket, tasks := range board.Columns {
		for i, task := range tasks {
			if task.Position != int64(i+1) || task.Bucket != bucket || task.Completed {
				t.Fatalf("column %s broken at %d: %#v", bucket, i, task)
			}
			seen[task.ID]++
		}
	}
	for _, task := range board.Completed {
		if !task.Completed {
			t.Fatalf("active task %d in completed list", task.ID)
		}
		seen[task.ID]++
	}
	for _, id := range ids {
		if seen[id] != 1 {
			t.Fatalf("task %d appears %d times on board (want 1)", id, seen[id])
		}
	}
	if len(seen) != len(ids) {
		t.Fatalf("board holds %d tasks, want %d", len(seen), len(ids))
	}
}

func TestConcurrentMutationsKeepOrderingDense(t *testing.T) {
	svc := domain.NewTaskService(newFileStore(t), 0)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 12; i++ {
		task, err := svc.CreateTask(ctx, "task", domain.Buckets[i%len(domain.Buckets)])
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, task.ID)
	}

	const workers, ops = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed*31+7))
			for i := 0; i < ops; i++ {
				id := ids[rng.IntN(len(ids))]
				var err error
				switch rng.IntN(5) {
				case 0:
					_, err = svc.ToggleTask(ctx, id)
				default:
					bucket := domain.Buckets[rng.IntN(len(domain.Buckets))]
					_, err = svc.MoveTask(ctx, id, bucket, rng.IntN(6))
				}
				if err != nil && !errors.Is(err, domain.ErrInvalidState) {
					t.Errorf("mutation of task %d: %v", id, err)
					return
				}
			}
		}(uint64(w + 1))
	}
	wg.Wait()

	board, err := svc.ListBoard(ctx)
	if err != nil {
		t.Fatalf("list board: %v", err)
	}
	assertBoardConsistent(t, board, ids)
}

func TestListBoardIsConsistentWhileTasksToggle(t *testing.T) {
	svc := domain.NewTaskService(newFileStore(t), 0)
	ctx := context.Background()

	var ids []int64
	for _, title := range []string{"Pay taxes", "Call bank", "Book flights"} {
		task, err := svc.CreateTask(ctx, title, domain.UrgentImportant)
		if err != nil {
			t.Fatalf("create %q: %v", title, err)
		}
		ids = append(ids, task.ID)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := svc.ToggleTask(ctx, ids[i%len(ids)]); err != nil {
				t.Errorf("toggle: %v", err)
				return
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for i := 0; i < 200; i++ {
		board, err := svc.ListBoard(ctx)
		if err != nil {
			t.Fatalf("list board: %v", err)
		}
		assertBoardConsistent(t, board, ids)
	}
}

func TestBoardReadsBothListsTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 4, 15, 9, 0, 0, 0, time.UTC)
	insert(t, s, "open", domain.Today, 1, base)
	done := insert(t, s, "done", domain.UrgentImportant, 1, base)
	done.Completed = true
	if err := s.SaveTask(ctx, done); err != nil {
		t.Fatalf("save: %v", err)
	}

	active, completed, err := s.Board(ctx, 10)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if got := titles(active); !equalStrings(got, []string{"open"}) {
		t.Fatalf("unexpected active: %v", got)
	}
	if got := titles(completed); !equalStrings(got, []string{"done"}) {
		t.Fatalf("unexpected completed: %v", got)
	}
}
