// Package proc implements processes: an address space plus the process-local
// tables that map small integer handles to kernel objects and tokens to
// in-flight messages.
package proc

import (
	"capos/kernel"
	"capos/kernel/mm/vmm"
)

// ManagerHandle is the handle reserved in every process for the inherited
// process-manager endpoint.
const ManagerHandle = 0

var (
	// ErrInvalidHandle is returned when a handle does not reference an object.
	ErrInvalidHandle = &kernel.Error{Module: "proc", Message: "invalid object handle", Kind: kernel.KindNotFound}

	// ErrInvalidToken is returned when a token does not reference an
	// in-flight message.
	ErrInvalidToken = &kernel.Error{Module: "proc", Message: "invalid message token", Kind: kernel.KindNotFound}

	// ErrObjectTableFull is returned when the capability table has no free slot.
	ErrObjectTableFull = &kernel.Error{Module: "proc", Message: "object table is full", Kind: kernel.KindResourceExhausted}

	// ErrMessageTableFull is returned when the message token table has no free slot.
	ErrMessageTableFull = &kernel.Error{Module: "proc", Message: "message table is full", Kind: kernel.KindResourceExhausted}

	// ErrHandleInUse is returned when installing an object into an occupied slot.
	ErrHandleInUse = &kernel.Error{Module: "proc", Message: "handle is already in use", Kind: kernel.KindUsageFault}

	// ErrProcessDead is returned by operations on a destroyed process.
	ErrProcessDead = &kernel.Error{Module: "proc", Message: "process has been destroyed", Kind: kernel.KindUsageFault}
)

// PID identifies a process.
type PID uint32

// Capability is a reference-counted kernel object that can be stored in a
// process object table.
type Capability interface {
	Acquire()
	Release()
}

// Transaction is an in-flight message owned by a receiving process.
// Abandon is invoked when the process goes away before replying.
type Transaction interface {
	Abandon()
}

// Process is an isolated execution context.
type Process struct {
	pid      PID
	name     string
	as       *vmm.AddressSpace
	objects  *slotTable[Capability]
	messages *slotTable[Transaction]
	dead     bool
}

// New returns a process owning as. The object table holds maxObjects handles,
// one of which is the reserved manager handle; the message table holds
// maxMessages tokens with token 0 reserved for events. as may be nil for
// kernel-owned processes.
func New(pid PID, name string, as *vmm.AddressSpace, maxObjects, maxMessages int) *Process {
	return &Process{
		pid:      pid,
		name:     name,
		as:       as,
		objects:  newSlotTable[Capability](maxObjects, ManagerHandle+1),
		messages: newSlotTable[Transaction](maxMessages+1, 1),
	}
}

// PID returns the process identifier.
func (p *Process) PID() PID { return p.pid }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// AddressSpace returns the address space of the process.
func (p *Process) AddressSpace() *vmm.AddressSpace { return p.as }

// Dead returns true once Destroy has been called.
func (p *Process) Dead() bool { return p.dead }

// ObjectCount returns the number of occupied object handles.
func (p *Process) ObjectCount() int { return p.objects.used }

// MessageCount returns the number of outstanding message tokens.
func (p *Process) MessageCount() int { return p.messages.used }

// RefObject stores a new reference to obj in the lowest free handle.
func (p *Process) RefObject(obj Capability) (int, error) {
	if p.dead {
		return -1, ErrProcessDead
	}

	handle, ok := p.objects.alloc(obj)
	if !ok {
		return -1, ErrObjectTableFull
	}

	obj.Acquire()
	return handle, nil
}

// RefObjectAt stores a new reference to obj at a specific handle.
func (p *Process) RefObjectAt(handle int, obj Capability) error {
	switch {
	case p.dead:
		return ErrProcessDead
	case !p.objects.valid(handle):
		return ErrInvalidHandle
	}

	if _, used := p.objects.get(handle); used {
		return ErrHandleInUse
	}

	p.objects.set(handle, obj)
	obj.Acquire()
	return nil
}

// UnrefObject drops the reference held at handle and frees the slot.
func (p *Process) UnrefObject(handle int) error {
	obj, ok := p.objects.clear(handle)
	if !ok {
		return ErrInvalidHandle
	}

	obj.Release()
	return nil
}

// Object returns the object referenced by handle.
func (p *Process) Object(handle int) (Capability, error) {
	obj, ok := p.objects.get(handle)
	if !ok {
		return nil, ErrInvalidHandle
	}

	return obj, nil
}

// DupObjectRef resolves srcHandle in src and stores a new reference to the
// same object in p. This is the only way a capability crosses a process
// boundary.
func (p *Process) DupObjectRef(src *Process, srcHandle int) (int, error) {
	obj, err := src.Object(srcHandle)
	if err != nil {
		return -1, err
	}

	return p.RefObject(obj)
}

// DupObjectRefTo works like DupObjectRef but installs the reference at handle.
func (p *Process) DupObjectRefTo(handle int, src *Process, srcHandle int) error {
	obj, err := src.Object(srcHandle)
	if err != nil {
		return err
	}

	return p.RefObjectAt(handle, obj)
}

// RefMessage returns a token that identifies tx within this process.
func (p *Process) RefMessage(tx Transaction) (int, error) {
	if p.dead {
		return -1, ErrProcessDead
	}

	token, ok := p.messages.alloc(tx)
	if !ok {
		return -1, ErrMessageTableFull
	}

	return token, nil
}

// Message returns the transaction identified by token.
func (p *Process) Message(token int) (Transaction, error) {
	tx, ok := p.messages.get(token)
	if !ok {
		return nil, ErrInvalidToken
	}

	return tx, nil
}

// UnrefMessage forgets token.
func (p *Process) UnrefMessage(token int) error {
	if _, ok := p.messages.clear(token); !ok {
		return ErrInvalidToken
	}

	return nil
}

// Destroy abandons outstanding messages, releases every held object
// reference and finally tears down the address space.
func (p *Process) Destroy() error {
	if p.dead {
		return ErrProcessDead
	}
	p.dead = true

	p.messages.drain(func(_ int, tx Transaction) { tx.Abandon() })
	p.objects.drain(func(_ int, obj Capability) { obj.Release() })

	if p.as == nil {
		return nil
	}

	err := p.as.Destroy()
	p.as = nil
	return err
}
