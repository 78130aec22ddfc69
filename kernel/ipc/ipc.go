// Package ipc implements synchronous rendezvous messaging between tasks.
// A sender blocks on an Object until a receiver has taken its message and
// replied; payloads and embedded capability handles are copied directly
// between the two address spaces.
package ipc

import (
	"encoding/binary"

	"capos/kernel"
	"capos/kernel/list"
	"capos/kernel/sched"
)

var (
	// ErrObjectGone is returned when the target object has been destroyed.
	ErrObjectGone = &kernel.Error{Module: "ipc", Message: "object has been destroyed", Kind: kernel.KindNotFound}

	// ErrAbandoned is returned to a sender whose receiver went away
	// without replying.
	ErrAbandoned = &kernel.Error{Module: "ipc", Message: "message abandoned by receiver", Kind: kernel.KindNotFound}

	// ErrSenderGone is returned when reading from a message whose sender
	// has been killed.
	ErrSenderGone = &kernel.Error{Module: "ipc", Message: "sender no longer exists", Kind: kernel.KindNotFound}

	// ErrMessagePoolFull is returned when no message slot is available.
	ErrMessagePoolFull = &kernel.Error{Module: "ipc", Message: "message pool exhausted", Kind: kernel.KindResourceExhausted}

	// ErrBadReply is returned when replying to a message that is not
	// awaiting a reply from the current task.
	ErrBadReply = &kernel.Error{Module: "ipc", Message: "message is not awaiting a reply from this task", Kind: kernel.KindUsageFault}

	// ErrCapabilitySlot is returned when a capability handle straddles a
	// source segment boundary or is not word aligned within the objects
	// region.
	ErrCapabilitySlot = &kernel.Error{Module: "ipc", Message: "capability slot is split across segments", Kind: kernel.KindUsageFault}

	// ErrNoProcess is returned when a task without a process issues IPC.
	ErrNoProcess = &kernel.Error{Module: "ipc", Message: "current task has no process", Kind: kernel.KindUsageFault}
)

// Observer receives IPC activity notifications.
type Observer interface {
	MessageSent()
	MessageReceived()
	MessageReplied()
	EventPosted()
	CapabilityDuplicated()
	ObjectDestroyed()
}

type nopObserver struct{}

func (nopObserver) MessageSent()          {}
func (nopObserver) MessageReceived()      {}
func (nopObserver) MessageReplied()       {}
func (nopObserver) EventPosted()          {}
func (nopObserver) CapabilityDuplicated() {}
func (nopObserver) ObjectDestroyed()      {}

// IPC owns the message pool and drives the scheduler on behalf of the
// messaging primitives.
type IPC struct {
	sched    *sched.Scheduler
	messages *list.Arena[*Message]
	observer Observer

	nextObject  uint64
	liveObjects int
}

// New returns an IPC layer with room for maxMessages in-flight messages. A
// nil observer discards notifications.
func New(s *sched.Scheduler, maxMessages int, observer Observer) *IPC {
	if observer == nil {
		observer = nopObserver{}
	}

	return &IPC{
		sched:    s,
		messages: list.NewArena[*Message](maxMessages),
		observer: observer,
	}
}

// InFlight returns the number of allocated messages.
func (ipc *IPC) InFlight() int { return ipc.messages.Len() }

// Objects returns the number of live objects.
func (ipc *IPC) Objects() int { return ipc.liveObjects }

// NewObject creates an object with no references. targetData is an opaque
// value reported to receivers through Info.
func (ipc *IPC) NewObject(targetData uintptr) *Object {
	ipc.nextObject++
	ipc.liveObjects++

	return &Object{
		ipc:        ipc,
		id:         ipc.nextObject,
		messages:   list.NewQueue(ipc.messages),
		receivers:  ipc.sched.NewTaskQueue(),
		targetData: targetData,
	}
}

// Result describes the completion of a sent message as seen by the sender.
// The objects region is the one the replier declared; handles found there
// in the reply buffers have been translated into the sender's table.
type Result struct {
	Ret           int32
	Len           uintptr
	ObjectsOffset uintptr
	ObjectsCount  int
}

// Send delivers a message to obj and blocks the current task until the
// message is replied to. It returns the reply value.
func (ipc *IPC) Send(obj *Object, sendHdr, replyHdr Header) (int32, error) {
	res, err := ipc.Call(obj, sendHdr, replyHdr)
	return res.Ret, err
}

// Call is Send returning the full reply description.
func (ipc *IPC) Call(obj *Object, sendHdr, replyHdr Header) (Result, error) {
	failed := Result{Ret: -1}

	cur := ipc.sched.Current()
	switch {
	case cur.Process() == nil:
		return failed, ErrNoProcess
	case obj.destroyed:
		return failed, ErrObjectGone
	}

	msg, err := ipc.newMessage(obj)
	if err != nil {
		return failed, err
	}

	msg.sender, msg.senderProc = cur, cur.Process()
	msg.sendHdr, msg.replyHdr = sendHdr, replyHdr
	ipc.observer.MessageSent()

	cur.Block(sched.StateSendBlock, obj)
	if receiver, ok := obj.receivers.PopHead(); ok {
		receiver.SetHandoff(msg)
		ipc.sched.SwitchTo(receiver)
	} else {
		obj.messages.PushTail(msg.slot)
		ipc.sched.RunNext()
	}

	cur.TakeHandoff()
	res := Result{
		Ret:           msg.ret,
		Len:           msg.replied,
		ObjectsOffset: msg.replyObjects.ObjectsOffset,
		ObjectsCount:  msg.replyObjects.ObjectsCount,
	}
	err = msg.err
	ipc.free(msg)
	return res, err
}

// Receive takes the oldest message queued on obj, blocking the current task
// until one arrives. The send payload is copied into the buffers described
// by hdr. Event messages need no reply.
func (ipc *IPC) Receive(obj *Object, hdr Header) (*Message, error) {
	cur := ipc.sched.Current()
	switch {
	case cur.Process() == nil:
		return nil, ErrNoProcess
	case obj.destroyed:
		return nil, ErrObjectGone
	}

	var msg *Message
	if idx, ok := obj.messages.PopHead(); ok {
		msg = ipc.messages.Value(idx)
	} else {
		obj.receivers.PushTail(cur)
		cur.Block(sched.StateReceiveBlock, obj)
		ipc.sched.RunNext()

		if msg, ok = cur.TakeHandoff().(*Message); !ok {
			return nil, ErrObjectGone
		}
	}

	if err := ipc.deliver(cur, msg, hdr); err != nil {
		return nil, err
	}

	ipc.observer.MessageReceived()
	return msg, nil
}

func (ipc *IPC) deliver(cur *sched.Task, msg *Message, hdr Header) error {
	msg.receiver = cur
	dst := cur.Process()

	if msg.event != nil {
		var record [EventSize]byte
		binary.LittleEndian.PutUint32(record[0:], msg.event.Type)
		binary.LittleEndian.PutUint32(record[4:], msg.event.Value)

		n, err := copyOut(dst.AddressSpace(), hdr, record[:])
		msg.received = n
		ipc.free(msg)
		return err
	}

	n, err := ipc.copyPayload(dst, hdr, msg.senderProc, msg.sendHdr, 0, msg.cache)
	msg.received = n
	if err != nil {
		ipc.complete(msg, -1, err)
		return err
	}

	msg.state = msgReceived
	msg.sender.Block(sched.StateReplyBlock, msg)
	return nil
}

// Reply copies the reply payload described by hdr back to the sender,
// completes msg with ret and switches to the sender. The current task is
// placed on the ready queue.
func (ipc *IPC) Reply(msg *Message, ret int32, hdr Header) error {
	cur := ipc.sched.Current()
	if msg == nil || msg.state != msgReceived || msg.receiver != cur {
		return ErrBadReply
	}

	if msg.senderGone {
		msg.state = msgDone
		ipc.free(msg)
		return nil
	}

	n, err := ipc.copyPayload(msg.senderProc, msg.replyHdr, cur.Process(), hdr, 0, translateCache{})
	msg.replied = n
	if err != nil {
		ret = -1
	} else {
		msg.replyObjects = Header{ObjectsOffset: hdr.ObjectsOffset, ObjectsCount: hdr.ObjectsCount}
	}

	msg.state = msgDone
	msg.ret, msg.err = ret, err
	ipc.observer.MessageReplied()

	ipc.sched.AddTail(cur)
	ipc.sched.SwitchTo(msg.sender)
	return err
}

// Read copies the send payload of msg, starting offset bytes in, into the
// buffers described by hdr. Capability translation shares the cache used
// when the message was received.
func (ipc *IPC) Read(msg *Message, hdr Header, offset uintptr) (uintptr, error) {
	if err := ipc.checkReceived(msg); err != nil {
		return 0, err
	}

	return ipc.copyPayload(ipc.sched.Current().Process(), hdr, msg.senderProc, msg.sendHdr, offset, msg.cache)
}

// Info describes an in-flight message. ObjectsOffset and ObjectsCount give
// the sender's objects region: the words there arrive as handles in the
// receiver's table.
type Info struct {
	ObjectID      uint64
	TargetData    uintptr
	SenderPID     uint32
	SendLen       uintptr
	ReplyLen      uintptr
	ObjectsOffset uintptr
	ObjectsCount  int
}

// Info returns the metadata of a message received by the current task.
func (ipc *IPC) Info(msg *Message) (Info, error) {
	if err := ipc.checkReceived(msg); err != nil {
		return Info{}, err
	}

	return Info{
		ObjectID:      msg.object.id,
		TargetData:    msg.object.targetData,
		SenderPID:     uint32(msg.senderProc.PID()),
		SendLen:       msg.sendHdr.Len(),
		ReplyLen:      msg.replyHdr.Len(),
		ObjectsOffset: msg.sendHdr.ObjectsOffset,
		ObjectsCount:  max(msg.sendHdr.ObjectsCount, 0),
	}, nil
}

func (ipc *IPC) checkReceived(msg *Message) error {
	switch {
	case msg == nil || msg.state != msgReceived || msg.receiver != ipc.sched.Current():
		return ErrBadReply
	case msg.senderGone:
		return ErrSenderGone
	}

	return nil
}

func (ipc *IPC) newMessage(obj *Object) (*Message, error) {
	msg := &Message{ipc: ipc, object: obj, cache: translateCache{}}

	slot, ok := ipc.messages.Alloc(msg)
	if !ok {
		return nil, ErrMessagePoolFull
	}

	msg.slot = slot
	return msg, nil
}

// complete finishes msg with a result and makes the sender ready. The
// sender holds the message until it runs, so killing it in between still
// returns the message to the pool.
func (ipc *IPC) complete(msg *Message, ret int32, err error) {
	msg.state = msgDone
	msg.ret, msg.err = ret, err
	msg.sender.SetHandoff(completion{msg})
	ipc.sched.AddTail(msg.sender)
}

func (ipc *IPC) free(msg *Message) {
	if msg.slot < 0 {
		return
	}

	ipc.messages.Free(msg.slot)
	msg.slot = -1
	msg.state = msgDone
}
