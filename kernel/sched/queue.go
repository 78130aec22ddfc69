package sched

import "capos/kernel/list"

// TaskQueue is a FIFO of tasks. All queues of a scheduler share its task
// arena, so a task can be a member of at most one queue at a time.
type TaskQueue struct {
	q     *list.Queue[*Task]
	tasks *list.Arena[*Task]
}

// NewTaskQueue returns an empty queue for tasks of this scheduler.
func (s *Scheduler) NewTaskQueue() *TaskQueue {
	return &TaskQueue{q: list.NewQueue(s.tasks), tasks: s.tasks}
}

// PushTail appends t to the queue.
func (q *TaskQueue) PushTail(t *Task) {
	q.q.PushTail(t.slot)
	t.queue = q
}

// PushHead inserts t in front of the queue.
func (q *TaskQueue) PushHead(t *Task) {
	q.q.PushHead(t.slot)
	t.queue = q
}

// PopHead removes and returns the first task.
func (q *TaskQueue) PopHead() (*Task, bool) {
	idx, ok := q.q.PopHead()
	if !ok {
		return nil, false
	}

	t := q.tasks.Value(idx)
	t.queue = nil
	return t, true
}

// Remove unlinks t if it is a member of q.
func (q *TaskQueue) Remove(t *Task) bool {
	if t.queue != q {
		return false
	}

	q.q.Remove(t.slot)
	t.queue = nil
	return true
}

// Contains returns true if t is a member of q.
func (q *TaskQueue) Contains(t *Task) bool { return t.queue == q }

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int { return q.q.Len() }

// Empty returns true if no task is queued.
func (q *TaskQueue) Empty() bool { return q.q.Empty() }

// Tasks returns the queued tasks from head to tail.
func (q *TaskQueue) Tasks() []*Task {
	out := make([]*Task, 0, q.q.Len())
	q.q.Each(func(_ int, t *Task) bool {
		out = append(out, t)
		return true
	})
	return out
}
