package ipc

import (
	"capos/kernel/proc"
	"capos/kernel/sched"
)

// EventSize is the size of the record delivered for an event message: the
// event type followed by its value, both little-endian words.
const EventSize = 8

// Event is the payload of a posted message.
type Event struct {
	Type  uint32
	Value uint32
}

type msgState uint8

const (
	msgQueued msgState = iota
	msgReceived
	msgDone
)

// Message is one send/receive/reply transaction.
type Message struct {
	ipc    *IPC
	slot   int
	object *Object

	sender     *sched.Task
	senderProc *proc.Process
	senderGone bool
	receiver   *sched.Task

	sendHdr  Header
	replyHdr Header
	event    *Event
	cache    translateCache

	state        msgState
	received     uintptr
	replied      uintptr
	replyObjects Header
	ret          int32
	err          error
}

// Event returns the event carried by a posted message.
func (m *Message) Event() (Event, bool) {
	if m.event == nil {
		return Event{}, false
	}
	return *m.event, true
}

// IsEvent returns true for posted messages.
func (m *Message) IsEvent() bool { return m.event != nil }

// Received returns the number of payload bytes copied to the receiver.
func (m *Message) Received() uintptr { return m.received }

// Replied returns the number of reply bytes copied back to the sender.
func (m *Message) Replied() uintptr { return m.replied }

// Sender returns the sending task. It is nil for events.
func (m *Message) Sender() *sched.Task { return m.sender }

// Object returns the object the message was sent to.
func (m *Message) Object() *Object { return m.object }

// Detach is invoked when the sender is killed while waiting for the reply.
func (m *Message) Detach(*sched.Task) {
	m.senderGone = true
}

// Abandon releases a message whose holder went away. A sender still waiting
// for it is woken with ErrAbandoned.
func (m *Message) Abandon() {
	switch {
	case m.state == msgDone:
		return
	case m.event != nil, m.senderGone:
		m.ipc.free(m)
	default:
		m.ipc.complete(m, -1, ErrAbandoned)
	}
}

// completion is handed to a sender whose message finished while it was not
// running.
type completion struct {
	msg *Message
}

// Abandon implements proc.Transaction.
func (c completion) Abandon() { c.msg.ipc.free(c.msg) }
