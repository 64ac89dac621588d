package domain

import "time"

// Bucket is the column a task currently occupies on the board.
type Bucket string

const (
	UrgentImportant       Bucket = "UrgentImportant"
	UrgentNotImportant    Bucket = "UrgentNotImportant"
	NotUrgentImportant    Bucket = "NotUrgentImportant"
	NotUrgentNotImportant Bucket = "NotUrgentNotImportant"
	Today                 Bucket = "Today"
)

// Buckets lists every board column in display order.
var Buckets = []Bucket{UrgentImportant, UrgentNotImportant, Today, NotUrgentImportant, NotUrgentNotImportant}

// ParseBucket validates a raw bucket name.
func ParseBucket(s string) (Bucket, bool) {
	switch b := Bucket(s); b {
	case UrgentImportant, UrgentNotImportant, NotUrgentImportant, NotUrgentNotImportant, Today:
		return b, true
	}
	return "", false
}

// IsQuadrant reports whether b is one of the four matrix quadrants.
func (b Bucket) IsQuadrant() bool {
	_, ok := ParseBucket(string(b))
	return ok && b != Today
}

// HomeType returns the task type a task adopts when it lands in b.
// Today has no quadrant of its own; tasks created there are filed as
// urgent and important.
func (b Bucket) HomeType() TaskType {
	if b == Today {
		return TaskType(UrgentImportant)
	}
	return TaskType(b)
}

// TaskType is the origin quadrant of a task.
type TaskType string

// Bucket returns the quadrant column for the task type.
func (t TaskType) Bucket() Bucket { return Bucket(t) }

// Task represents a single board item.
type Task struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	TaskType  TaskType  `json:"taskType"`
	Bucket    Bucket    `json:"bucket"`
	Completed bool      `json:"completed"`
	Position  int64     `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Board is the full view rendered by clients: the ordered active tasks of
// every column plus the completed list.
type Board struct {
	Columns   map[Bucket][]Task `json:"columns"`
	Completed []Task            `json:"completed"`
}

func newBoard() Board {
	b := Board{Columns: make(map[Bucket][]Task, len(Buckets)), Completed: []Task{}}
	for _, bucket := range Buckets {
		b.Columns[bucket] = []Task{}
	}
	return b
}
