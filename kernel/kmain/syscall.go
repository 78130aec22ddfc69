package kmain

import (
	"errors"

	"capos/kernel/ipc"
	"capos/kernel/mm/vmm"
	"capos/kernel/proc"
	"capos/kernel/sched"
)

// EventToken is returned by Receive for event messages, which need no reply.
const EventToken = 0

// User is the system call surface available to a running task. Every call
// operates on behalf of that task and first delivers pending interrupts.
type User struct {
	k    *Kernel
	task *sched.Task
}

// Task returns the calling task.
func (u *User) Task() *sched.Task { return u.task }

// Process returns the process of the calling task.
func (u *User) Process() *proc.Process { return u.task.Process() }

// PID returns the identifier of the calling process.
func (u *User) PID() proc.PID { return u.task.Process().PID() }

// Param returns the start parameter of the task.
func (u *User) Param() uint32 { return u.task.Context.Regs[sched.RegR0] }

// Entry returns the entry point the task was started at.
func (u *User) Entry() uint32 { return u.task.Context.Regs[sched.RegPC] }

// Send sends the payload described by send to the object at handle and
// blocks until the receiver replies. Reply data lands in the buffers
// described by reply.
func (u *User) Send(handle int, send, reply ipc.Header) (int32, error) {
	if err := u.enter(); err != nil {
		return -1, err
	}
	obj, err := u.object(handle)
	if err != nil {
		return -1, err
	}

	return u.k.ipc.Send(obj, send, reply)
}

// Call is Send returning the reply length and the objects region the
// receiver declared for the reply.
func (u *User) Call(handle int, send, reply ipc.Header) (ipc.Result, error) {
	failed := ipc.Result{Ret: -1}
	if err := u.enter(); err != nil {
		return failed, err
	}
	obj, err := u.object(handle)
	if err != nil {
		return failed, err
	}

	return u.k.ipc.Call(obj, send, reply)
}

// Receive waits for a message on the object at handle and copies its
// payload into the buffers described by hdr. It returns the token that
// identifies the message in Reply, Read and Info, and the number of bytes
// received. Events are returned with EventToken.
func (u *User) Receive(handle int, hdr ipc.Header) (int, uintptr, error) {
	if err := u.enter(); err != nil {
		return -1, 0, err
	}
	obj, err := u.object(handle)
	if err != nil {
		return -1, 0, err
	}

	msg, err := u.k.ipc.Receive(obj, hdr)
	if err != nil {
		return -1, 0, err
	}
	if msg.IsEvent() {
		return EventToken, msg.Received(), nil
	}

	token, err := u.Process().RefMessage(msg)
	if err != nil {
		msg.Abandon()
		return -1, 0, err
	}

	return token, msg.Received(), nil
}

// Reply completes the message identified by token with ret and the reply
// payload described by hdr, then runs the sender.
func (u *User) Reply(token int, ret int32, hdr ipc.Header) error {
	if err := u.enter(); err != nil {
		return err
	}
	msg, err := u.message(token)
	if err != nil {
		return err
	}

	err = u.k.ipc.Reply(msg, ret, hdr)
	if errors.Is(err, ipc.ErrBadReply) {
		return err
	}

	_ = u.Process().UnrefMessage(token)
	return err
}

// Read copies the send payload of the message identified by token, starting
// offset bytes in, into the buffers described by hdr.
func (u *User) Read(token int, hdr ipc.Header, offset uintptr) (uintptr, error) {
	if err := u.enter(); err != nil {
		return 0, err
	}
	msg, err := u.message(token)
	if err != nil {
		return 0, err
	}

	return u.k.ipc.Read(msg, hdr, offset)
}

// Info describes the message identified by token.
func (u *User) Info(token int) (ipc.Info, error) {
	if err := u.enter(); err != nil {
		return ipc.Info{}, err
	}
	msg, err := u.message(token)
	if err != nil {
		return ipc.Info{}, err
	}

	return u.k.ipc.Info(msg)
}

// CreateObject creates an object and returns a handle to it.
func (u *User) CreateObject(targetData uintptr) (int, error) {
	if err := u.enter(); err != nil {
		return -1, err
	}
	obj := u.k.ipc.NewObject(targetData)

	handle, err := u.Process().RefObject(obj)
	if err != nil {
		// Nothing references the object; let it go.
		obj.Acquire()
		obj.Release()
		return -1, err
	}

	return handle, nil
}

// ReleaseObject drops the reference held at handle.
func (u *User) ReleaseObject(handle int) error {
	if err := u.enter(); err != nil {
		return err
	}
	return u.Process().UnrefObject(handle)
}

// Yield lets other ready tasks run.
func (u *User) Yield() {
	if u.enter() == nil {
		u.k.sched.Yield()
	}
}

// Exit terminates the calling task. It does not return unless the task is
// already unwinding.
func (u *User) Exit() {
	u.k.drainIRQs()
	u.k.sched.Exit()
}

// Kill destroys the process identified by pid. Killing the calling process
// does not return.
func (u *User) Kill(pid proc.PID) error {
	if err := u.enter(); err != nil {
		return err
	}
	return u.k.Kill(pid)
}

// Spawn creates a process. Inherited handles are taken from the calling
// process.
func (u *User) Spawn(spec SpawnSpec) (proc.PID, error) {
	if err := u.enter(); err != nil {
		return 0, err
	}
	spec.Parent = u.Process()

	p, _, err := u.k.Spawn(spec)
	if err != nil {
		return 0, err
	}
	return p.PID(), nil
}

// MapPhys maps size bytes of physical memory at physAddr into the calling
// process at virtAddr.
func (u *User) MapPhys(virtAddr, physAddr, size uintptr, perm vmm.Permission) error {
	if err := u.enter(); err != nil {
		return err
	}
	area, err := vmm.NewPhysArea(size, physAddr)
	if err != nil {
		return err
	}

	return u.Process().AddressSpace().Map(area, virtAddr, 0, area.Size(), perm)
}

// MapAnon maps size bytes of zeroed memory into the calling process at
// virtAddr.
func (u *User) MapAnon(virtAddr, size uintptr, perm vmm.Permission) error {
	if err := u.enter(); err != nil {
		return err
	}
	_, err := u.Process().AddressSpace().MapPages(virtAddr, size, perm)
	return u.k.fail(err)
}

// Unmap removes the mappings of the calling process in the given range.
func (u *User) Unmap(virtAddr, size uintptr) error {
	if err := u.enter(); err != nil {
		return err
	}
	return u.Process().AddressSpace().Unmap(virtAddr, size)
}

// Subscribe delivers interrupt n as events of type eventType to the object
// at handle.
func (u *User) Subscribe(n, handle int, eventType uint32) error {
	if err := u.enter(); err != nil {
		return err
	}
	obj, err := u.object(handle)
	if err != nil {
		return err
	}

	return u.k.irq.Subscribe(n, obj, eventType)
}

// Unsubscribe stops the delivery of interrupt n.
func (u *User) Unsubscribe(n int) error {
	if err := u.enter(); err != nil {
		return err
	}
	return u.k.irq.Unsubscribe(n)
}

// Acknowledge re-enables delivery of interrupt n.
func (u *User) Acknowledge(n int) error {
	if err := u.enter(); err != nil {
		return err
	}
	return u.k.irq.Acknowledge(n)
}

// Store writes data to user memory at virtAddr.
func (u *User) Store(virtAddr uintptr, data []byte) (int, error) {
	as, err := u.space()
	if err != nil {
		return 0, err
	}
	return as.CopyOut(virtAddr, data)
}

// Load reads user memory at virtAddr into buf.
func (u *User) Load(virtAddr uintptr, buf []byte) (int, error) {
	as, err := u.space()
	if err != nil {
		return 0, err
	}
	return as.CopyIn(virtAddr, buf)
}

// StoreWord writes a 32-bit word to user memory.
func (u *User) StoreWord(virtAddr uintptr, value uint32) error {
	as, err := u.space()
	if err != nil {
		return err
	}
	return as.WriteWord(virtAddr, value)
}

// LoadWord reads a 32-bit word from user memory.
func (u *User) LoadWord(virtAddr uintptr) (uint32, error) {
	as, err := u.space()
	if err != nil {
		return 0, err
	}
	return as.ReadWord(virtAddr)
}

// enter delivers pending interrupts. Deferred code of an exiting task runs
// after the task has been marked dying and is refused every system call.
func (u *User) enter() error {
	if u.task.Dying() {
		return ErrTaskDying
	}
	u.k.drainIRQs()
	return nil
}

func (u *User) space() (*vmm.AddressSpace, error) {
	as := u.Process().AddressSpace()
	if as == nil {
		return nil, proc.ErrProcessDead
	}
	return as, nil
}

func (u *User) object(handle int) (*ipc.Object, error) {
	c, err := u.Process().Object(handle)
	if err != nil {
		return nil, err
	}

	obj, ok := c.(*ipc.Object)
	if !ok {
		return nil, proc.ErrInvalidHandle
	}
	return obj, nil
}

func (u *User) message(token int) (*ipc.Message, error) {
	tx, err := u.Process().Message(token)
	if err != nil {
		return nil, err
	}

	msg, ok := tx.(*ipc.Message)
	if !ok {
		return nil, proc.ErrInvalidToken
	}
	return msg, nil
}
