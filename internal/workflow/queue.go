package workflow

// Task is one unit of work addressed by a stable id.
type Task[T any] struct {
	ID      string
	Payload T
}

// TaskQueue is the ordered work list for one phase. It is built once and
// never mutated; the pool dispatches tasks in queue order.
type TaskQueue[T any] struct {
	tasks []Task[T]
}

// NewTaskQueue builds a queue from items in their submitted order, keying
// each by the supplied id function.
func NewTaskQueue[T any](items []T, key func(T) string) *TaskQueue[T] {
	tasks := make([]Task[T], 0, len(items))
	for _, it := range items {
		tasks = append(tasks, Task[T]{ID: key(it), Payload: it})
	}
	return &TaskQueue[T]{tasks: tasks}
}

// Len returns the number of queued tasks.
func (q *TaskQueue[T]) Len() int { return len(q.tasks) }

// Tasks returns the queued tasks in dispatch order. The returned slice is a
// copy; the queue itself stays immutable.
func (q *TaskQueue[T]) Tasks() []Task[T] {
	out := make([]Task[T], len(q.tasks))
	copy(out, q.tasks)
	return out
}
