package sched

// Switcher transfers the CPU between tasks. Switch is invoked on the
// goroutine of from and must not return until from is scheduled again.
// Finish is the last handoff of a task that has finished unwinding; it must
// wake to without waiting for from to be scheduled again.
type Switcher interface {
	Switch(from, to *Task)
	Finish(from, to *Task)
}

// goroutineSwitcher backs every task with its own goroutine and hands
// control over by waking exactly one goroutine and parking the other, so
// only one task ever executes at a time.
type goroutineSwitcher struct{}

func (goroutineSwitcher) Switch(from, to *Task) {
	wake(to)
	<-from.resume
}

// Finish wakes to as the very last action of the dying goroutine.
func (goroutineSwitcher) Finish(_, to *Task) {
	wake(to)
}

func wake(t *Task) {
	if !t.launched {
		t.launched = true
		go t.run()
		return
	}
	t.resume <- struct{}{}
}
