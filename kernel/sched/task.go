package sched

import (
	"capos/kernel/mm"
	"capos/kernel/proc"
)

// State is the scheduling state of a Task.
type State uint8

const (
	// StateInit is the state of a freshly created task.
	StateInit State = iota
	StateReady
	StateRunning
	StateReceiveBlock
	StateSendBlock
	StateReplyBlock
	StateDead
)

var stateNames = [...]string{"init", "ready", "running", "receive-block", "send-block", "reply-block", "dead"}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Blocked returns true for the three IPC wait states.
func (s State) Blocked() bool {
	return s == StateReceiveBlock || s == StateSendBlock || s == StateReplyBlock
}

// Register indices into Context.Regs.
const (
	RegR0   = 0
	RegSP   = 13
	RegLR   = 14
	RegPC   = 15
	NumRegs = 16
)

// Context holds the saved user register state of a task.
type Context struct {
	Regs [NumRegs]uint32
	CPSR uint32
}

// ID identifies a task.
type ID uint32

// Body is the code a task executes once it is first switched to.
type Body func(t *Task)

// Blocker is the wait object a blocked task is queued on. Detach is invoked
// when the task is killed and must remove every trace of it.
type Blocker interface {
	Detach(t *Task)
}

// Task is a schedulable thread of execution inside a process.
type Task struct {
	Context Context

	id      ID
	slot    int
	sched   *Scheduler
	process *proc.Process
	body    Body
	state   State
	kstack  mm.Frame

	blocker Blocker
	queue   *TaskQueue
	handoff any

	resume   chan struct{}
	launched bool
	dying    bool
	killer   *Task
}

// ID returns the task identifier.
func (t *Task) ID() ID { return t.id }

// Process returns the process the task belongs to. The idle task has none.
func (t *Task) Process() *proc.Process { return t.process }

// State returns the scheduling state.
func (t *Task) State() State { return t.state }

// KernelStack returns the frame holding the kernel stack of the task.
func (t *Task) KernelStack() mm.Frame { return t.kstack }

// Block records that the task is about to wait in state on b. The caller is
// expected to switch away afterwards.
func (t *Task) Block(state State, b Blocker) {
	t.state = state
	t.blocker = b
}

// Blocker returns the object the task is waiting on, if any.
func (t *Task) Blocker() Blocker { return t.blocker }

// SetHandoff stores a value for the task to pick up when it resumes.
func (t *Task) SetHandoff(v any) { t.handoff = v }

// TakeHandoff returns and clears the value stored by SetHandoff.
func (t *Task) TakeHandoff() any {
	v := t.handoff
	t.handoff = nil
	return v
}

// Dying returns true once the task has started to terminate. Deferred code
// of a dying task still runs but may no longer block.
func (t *Task) Dying() bool { return t.dying }

// run is the goroutine entry point. The task is retired and the CPU handed
// on only after every deferred call of body has completed.
func (t *Task) run() {
	defer t.sched.finish(t)
	t.body(t)
}
