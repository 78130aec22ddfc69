// Package sched implements the cooperative scheduler. Tasks run until they
// block in IPC, yield or exit; every transfer of control goes through
// SwitchTo.
package sched

import (
	"runtime"

	"capos/kernel"
	"capos/kernel/list"
	"capos/kernel/mm/pmm"
	"capos/kernel/proc"
)

// ErrTooManyTasks is returned when the task table is full.
var ErrTooManyTasks = &kernel.Error{Module: "sched", Message: "task table is full", Kind: kernel.KindResourceExhausted}

// SwitchHook is notified of every context switch.
type SwitchHook func(from, to *Task)

// FaultHandler receives internal inconsistencies the scheduler cannot
// recover from, such as a kernel stack that cannot be returned to the
// frame allocator.
type FaultHandler func(err error)

// Scheduler owns the task table, the ready queue and the current task.
type Scheduler struct {
	alloc    *pmm.Allocator
	switcher Switcher
	tasks    *list.Arena[*Task]
	ready    *TaskQueue

	idle    *Task
	current *Task

	nextID   ID
	switches uint64
	hook     SwitchHook
	fault    FaultHandler
}

// New returns a scheduler for at most maxTasks tasks. The calling goroutine
// becomes the idle task and is the current task on return. A nil switcher
// selects the goroutine based implementation.
func New(alloc *pmm.Allocator, maxTasks int, switcher Switcher) *Scheduler {
	if switcher == nil {
		switcher = goroutineSwitcher{}
	}

	s := &Scheduler{
		alloc:    alloc,
		switcher: switcher,
		tasks:    list.NewArena[*Task](maxTasks),
	}
	s.ready = s.NewTaskQueue()

	s.idle = &Task{
		sched:    s,
		slot:     -1,
		state:    StateRunning,
		resume:   make(chan struct{}, 1),
		launched: true,
	}
	s.current = s.idle
	return s
}

// SetSwitchHook registers fn to be called on every context switch.
func (s *Scheduler) SetSwitchHook(fn SwitchHook) { s.hook = fn }

// SetFaultHandler registers fn to receive scheduler faults. Without a
// handler a fault panics.
func (s *Scheduler) SetFaultHandler(fn FaultHandler) { s.fault = fn }

// NewTask creates a task for p that executes body when first scheduled. A
// one page kernel stack is allocated for it.
func (s *Scheduler) NewTask(p *proc.Process, body Body) (*Task, error) {
	t := &Task{
		sched:   s,
		process: p,
		body:    body,
		state:   StateInit,
		resume:  make(chan struct{}, 1),
	}

	slot, ok := s.tasks.Alloc(t)
	if !ok {
		return nil, ErrTooManyTasks
	}

	kstack, err := s.alloc.Alloc()
	if err != nil {
		s.tasks.Free(slot)
		return nil, err
	}

	s.nextID++
	t.id, t.slot, t.kstack = s.nextID, slot, kstack
	return t, nil
}

// Start moves t from Init to Ready with the given entry point and parameter.
func (s *Scheduler) Start(t *Task, entry, param uint32) {
	t.Context.Regs[RegPC] = entry
	t.Context.Regs[RegR0] = param
	s.AddTail(t)
}

// Current returns the running task.
func (s *Scheduler) Current() *Task { return s.current }

// Idle returns the idle task.
func (s *Scheduler) Idle() *Task { return s.idle }

// HasReady returns true if a task is waiting in the ready queue.
func (s *Scheduler) HasReady() bool { return !s.ready.Empty() }

// Ready returns the ready queue contents from head to tail.
func (s *Scheduler) Ready() []*Task { return s.ready.Tasks() }

// Switches returns the number of context switches performed so far.
func (s *Scheduler) Switches() uint64 { return s.switches }

// TaskCount returns the number of live tasks excluding the idle task.
func (s *Scheduler) TaskCount() int { return s.tasks.Len() }

// AddHead makes t ready and schedules it next.
func (s *Scheduler) AddHead(t *Task) {
	t.state, t.blocker = StateReady, nil
	s.ready.PushHead(t)
}

// AddTail makes t ready behind every other ready task.
func (s *Scheduler) AddTail(t *Task) {
	t.state, t.blocker = StateReady, nil
	s.ready.PushTail(t)
}

// RunNext switches to the head of the ready queue. When the queue is empty
// control returns to the idle task.
func (s *Scheduler) RunNext() {
	if next, ok := s.ready.PopHead(); ok {
		s.SwitchTo(next)
		return
	}

	if s.current != s.idle {
		s.SwitchTo(s.idle)
	}
}

// SwitchTo unconditionally hands the CPU to t. The state of the outgoing
// task is left untouched; callers set it before switching.
func (s *Scheduler) SwitchTo(t *Task) {
	from := s.current
	s.ready.Remove(t)
	t.state = StateRunning
	if from == t {
		return
	}

	s.current = t
	s.switches++
	if s.hook != nil {
		s.hook(from, t)
	}

	s.switcher.Switch(from, t)

	// Killed while parked: unwind now that this goroutine owns the CPU.
	if from.dying {
		runtime.Goexit()
	}
}

// Yield moves the current task to the tail of the ready queue and runs the
// next ready task. A dying task cannot yield.
func (s *Scheduler) Yield() {
	cur := s.current
	if cur.dying {
		return
	}
	if cur != s.idle {
		s.AddTail(cur)
	}
	s.RunNext()
}

// Exit terminates the current task. When called from a task goroutine it
// unwinds that goroutine and does not return; the task is retired once its
// deferred calls have run. Exit is a no-op for the idle task and for a task
// that is already unwinding.
func (s *Scheduler) Exit() {
	cur := s.current
	if cur == s.idle || cur.dying {
		return
	}

	cur.dying = true
	if cur.launched {
		runtime.Goexit()
	}
	s.finish(cur)
}

// Kill terminates t wherever it is: running, ready or blocked. A parked
// task finishes unwinding before Kill returns.
func (s *Scheduler) Kill(t *Task) {
	switch {
	case t.state == StateDead:
		return
	case t == s.current:
		s.Exit()
		return
	}

	if t.blocker != nil {
		t.blocker.Detach(t)
	}
	if t.queue != nil {
		t.queue.Remove(t)
	}

	t.dying = true
	if !t.launched {
		s.retire(t)
		return
	}

	// The parked goroutine of t runs its deferred calls as the current task
	// and hands the CPU straight back once it has retired.
	t.killer = s.current
	s.SwitchTo(t)
}

// TasksOf returns the live tasks belonging to p.
func (s *Scheduler) TasksOf(p *proc.Process) []*Task {
	var out []*Task
	s.tasks.Each(func(_ int, t *Task) bool {
		if t.process == p {
			out = append(out, t)
		}
		return true
	})
	return out
}

// finish retires t and performs its final switch, either back to the task
// that killed it or to the next ready task.
func (s *Scheduler) finish(t *Task) {
	s.retire(t)

	next := t.killer
	t.killer = nil
	if next == nil {
		var ok bool
		if next, ok = s.ready.PopHead(); !ok {
			next = s.idle
		}
	}

	next.state = StateRunning
	s.current = next
	s.switches++
	if s.hook != nil {
		s.hook(t, next)
	}

	s.switcher.Finish(t, next)
}

func (s *Scheduler) retire(t *Task) {
	if tx, ok := t.handoff.(proc.Transaction); ok {
		tx.Abandon()
	}

	t.state, t.blocker, t.handoff = StateDead, nil, nil
	t.dying = true
	if err := s.alloc.Free(t.kstack); err != nil {
		s.raise(err)
	}
	s.tasks.Free(t.slot)
}

func (s *Scheduler) raise(err error) {
	if s.fault == nil {
		panic(err)
	}
	s.fault(err)
}
