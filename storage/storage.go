package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"eisenhower/domain"
)

//go:embed schema.sql
var schemaSQL string

const memoryPath = ":memory:"

// Storage persists tasks in a SQLite database.
type Storage struct {
	repository
	db *gorm.DB
}

// repository implements domain.Repository on top of a gorm handle that is
// either the database itself or a running transaction.
type repository struct {
	db *gorm.DB
}

type taskRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Title     string    `gorm:"column:title"`
	TaskType  string    `gorm:"column:task_type"`
	Bucket    string    `gorm:"column:bucket"`
	Completed bool      `gorm:"column:completed"`
	Position  int64     `gorm:"column:position"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (taskRow) TableName() string { return "tasks" }

// New opens the database at path and applies the schema. Use ":memory:" for
// a throwaway database.
func New(path string) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("db path is required")
	}
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger: logger.New(log.StandardLogger(), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps an in-memory database
	// alive for the lifetime of the Storage.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	s := &Storage{repository: repository{db: db}, db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	params := []string{"_pragma=busy_timeout(5000)", "_pragma=foreign_keys(1)"}
	if path != memoryPath {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	return path + "?" + strings.Join(params, "&")
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *Storage) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec(schemaSQL).Error; err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Atomic runs fn inside a single transaction.
func (s *Storage) Atomic(ctx context.Context, fn func(domain.Repository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(repository{db: tx})
	})
}

// Board reads the active and completed lists inside one transaction so a
// write committing between the two queries cannot tear the board.
func (s *Storage) Board(ctx context.Context, completedLimit int) (active, completed []domain.Task, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository{db: tx}
		if active, err = repo.ListActive(ctx); err != nil {
			return err
		}
		completed, err = repo.ListCompleted(ctx, completedLimit)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return active, completed, nil
}

// Ping checks that the database answers.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r repository) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	var row taskRow
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	task := row.toDomain()
	return &task, nil
}

func (r repository) ListBucket(ctx context.Context, bucket domain.Bucket) ([]domain.Task, error) {
	var rows []taskRow
	err := r.db.WithContext(ctx).
		Where("bucket = ? AND completed = ?", string(bucket), false).
		Order("position ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

func (r repository) ListActive(ctx context.Context) ([]domain.Task, error) {
	var rows []taskRow
	err := r.db.WithContext(ctx).
		Where("completed = ?", false).
		Order("bucket ASC, position ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

func (r repository) ListCompleted(ctx context.Context, limit int) ([]domain.Task, error) {
	var rows []taskRow
	q := r.db.WithContext(ctx).
		Where("completed = ?", true).
		Order("updated_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

func (r repository) InsertTask(ctx context.Context, task *domain.Task) error {
	row := fromDomain(*task)
	row.ID = 0
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	task.ID = row.ID
	return nil
}

func (r repository) SaveTask(ctx context.Context, task domain.Task) error {
	row := fromDomain(task)
	res := r.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", task.ID).Updates(map[string]any{
		"title":      row.Title,
		"task_type":  row.TaskType,
		"bucket":     row.Bucket,
		"completed":  row.Completed,
		"position":   row.Position,
		"updated_at": row.UpdatedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %d not updated: row missing", task.ID)
	}
	return nil
}

func (r repository) DeleteTask(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&taskRow{}).Error
}

func fromDomain(t domain.Task) taskRow {
	return taskRow{
		ID:        t.ID,
		Title:     t.Title,
		TaskType:  string(t.TaskType),
		Bucket:    string(t.Bucket),
		Completed: t.Completed,
		Position:  t.Position,
		CreatedAt: t.CreatedAt.UTC(),
		UpdatedAt: t.UpdatedAt.UTC(),
	}
}

func (row taskRow) toDomain() domain.Task {
	return domain.Task{
		ID:        row.ID,
		Title:     row.Title,
		TaskType:  domain.TaskType(row.TaskType),
		Bucket:    domain.Bucket(row.Bucket),
		Completed: row.Completed,
		Position:  row.Position,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
}

func toDomain(rows []taskRow) []domain.Task {
	tasks := make([]domain.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.toDomain())
	}
	return tasks
}
