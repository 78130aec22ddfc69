package ipc

import (
	"capos/kernel/list"
	"capos/kernel/sched"
)

// Object is a reference-counted IPC endpoint. At any time either its message
// queue or its receiver queue is empty.
type Object struct {
	ipc        *IPC
	id         uint64
	refs       int
	messages   *list.Queue[*Message]
	receivers  *sched.TaskQueue
	targetData uintptr
	destroyed  bool
}

// ID returns the object identifier.
func (o *Object) ID() uint64 { return o.id }

// Refs returns the reference count.
func (o *Object) Refs() int { return o.refs }

// TargetData returns the value supplied when the object was created.
func (o *Object) TargetData() uintptr { return o.targetData }

// Destroyed returns true once the last reference has been released.
func (o *Object) Destroyed() bool { return o.destroyed }

// PendingMessages returns the number of queued messages.
func (o *Object) PendingMessages() int { return o.messages.Len() }

// WaitingReceivers returns the number of tasks blocked in Receive.
func (o *Object) WaitingReceivers() int { return o.receivers.Len() }

// Acquire adds a reference.
func (o *Object) Acquire() { o.refs++ }

// Release drops a reference and destroys the object when none remain.
func (o *Object) Release() {
	o.refs--
	if o.refs <= 0 && !o.destroyed {
		o.destroy()
	}
}

// Post queues an event for the next receiver. A waiting receiver is handed
// the event and made ready; no scheduling decision is taken.
func (o *Object) Post(eventType, value uint32) error {
	if o.destroyed {
		return ErrObjectGone
	}

	msg, err := o.ipc.newMessage(o)
	if err != nil {
		return err
	}

	msg.event = &Event{Type: eventType, Value: value}
	o.ipc.observer.EventPosted()

	if receiver, ok := o.receivers.PopHead(); ok {
		receiver.SetHandoff(msg)
		o.ipc.sched.AddTail(receiver)
		return nil
	}

	o.messages.PushTail(msg.slot)
	return nil
}

// Detach removes a killed task from the object: either a receiver waiting
// on it or the sender of a queued message.
func (o *Object) Detach(t *sched.Task) {
	if o.receivers.Remove(t) {
		return
	}

	found := -1
	o.messages.Each(func(idx int, msg *Message) bool {
		if msg.sender == t {
			found = idx
			return false
		}
		return true
	})

	if found >= 0 {
		o.messages.Remove(found)
		o.ipc.free(o.ipc.messages.Value(found))
	}
}

// destroy fails queued senders and wakes waiting receivers.
func (o *Object) destroy() {
	o.destroyed = true

	for {
		idx, ok := o.messages.PopHead()
		if !ok {
			break
		}

		msg := o.ipc.messages.Value(idx)
		if msg.event != nil {
			o.ipc.free(msg)
			continue
		}
		o.ipc.complete(msg, -1, ErrObjectGone)
	}

	for {
		receiver, ok := o.receivers.PopHead()
		if !ok {
			break
		}
		o.ipc.sched.AddTail(receiver)
	}

	o.ipc.liveObjects--
	o.ipc.observer.ObjectDestroyed()
}
