package domain

// Positions are dense and 1-based within a bucket: the active tasks of a
// bucket always hold exactly the ranks 1..n. Every function here works on a
// slice already ordered by position and never touches completed tasks.

// Insert places task at index within the ordered list. Indexes below zero
// clamp to the front and indexes past the end clamp to an append. The
// returned slice is a new ordering; positions are not rewritten until
// Reindex is called.
func Insert(tasks []Task, task Task, index int) []Task {
	index = clampIndex(index, len(tasks))
	out := make([]Task, 0, len(tasks)+1)
	out = append(out, tasks[:index]...)
	out = append(out, task)
	return append(out, tasks[index:]...)
}

// Remove drops the task with the given id, closing the gap it leaves.
func Remove(tasks []Task, id int64) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

// Move takes task out of its source ordering and inserts it at index in the
// target bucket. When the task stays in the same bucket only target is
// returned and source is nil. A task dropped straight into a quadrant adopts
// that quadrant as its type; Today keeps the origin type so the task can go
// home later.
func Move(source, target []Task, task Task, to Bucket, index int) (src, dst []Task, moved Task) {
	from := task.Bucket
	task.Bucket = to
	if to.IsQuadrant() {
		task.TaskType = TaskType(to)
	}
	if from == to {
		return nil, Insert(Remove(source, task.ID), task, index), task
	}
	return Remove(source, task.ID), Insert(Remove(target, task.ID), task, index), task
}

// Reindex rewrites positions to 1..n in slice order and returns copies of
// the tasks whose position changed, i.e. the rows that need writing.
func Reindex(tasks []Task) []Task {
	var changed []Task
	for i := range tasks {
		pos := int64(i + 1)
		if tasks[i].Position == pos {
			continue
		}
		tasks[i].Position = pos
		changed = append(changed, tasks[i])
	}
	return changed
}

// IndexOf returns the index of the task with id, or -1.
func IndexOf(tasks []Task, id int64) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func clampIndex(index, n int) int {
	if index < 0 {
		return 0
	}
	if index > n {
		return n
	}
	return index
}
