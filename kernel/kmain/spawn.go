package kmain

import (
	"capos/kernel/mm"
	"capos/kernel/mm/vmm"
	"capos/kernel/proc"
	"capos/kernel/sched"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// HeapBase is the virtual address of the heap mapping of every process.
const HeapBase = uintptr(0x00100000)

// Program is the code executed by a task. It interacts with the kernel only
// through the supplied system call surface.
type Program func(u *User)

// Inherit copies the capability at handle From of the parent process into
// handle To of a new process.
type Inherit struct {
	From int
	To   int
}

// SpawnSpec describes a process to create.
type SpawnSpec struct {
	Name    string
	Program Program

	// Entry and Param seed the PC and R0 registers of the first task. When
	// an image is supplied the loader decides the entry point.
	Entry uint32
	Param uint32
	Image []byte

	// Parent owns the handles listed in Inherit. A nil parent selects the
	// kernel process.
	Parent  *proc.Process
	Inherit []Inherit
}

// Spawn creates a process with a user stack mapped just below the kernel
// half, a heap at HeapBase and an optional loaded image, then starts its
// first task.
func (k *Kernel) Spawn(spec SpawnSpec) (*proc.Process, *sched.Task, error) {
	if spec.Program == nil {
		return nil, nil, ErrNoProgram
	}

	p, err := k.NewProcess(spec.Name)
	if err != nil {
		return nil, nil, err
	}

	t, err := k.setup(p, spec)
	if err != nil {
		delete(k.procs, p.PID())
		return nil, nil, multierr.Append(err, p.Destroy())
	}

	k.log.Info("process spawned",
		zap.Uint32("pid", uint32(p.PID())),
		zap.String("name", spec.Name),
		zap.Uint32("entry", t.Context.Regs[sched.RegPC]),
	)
	return p, t, nil
}

func (k *Kernel) setup(p *proc.Process, spec SpawnSpec) (*sched.Task, error) {
	parent := spec.Parent
	if parent == nil {
		parent = k.kproc
	}
	for _, in := range spec.Inherit {
		if err := p.DupObjectRefTo(in.To, parent, in.From); err != nil {
			return nil, err
		}
	}

	as := p.AddressSpace()
	stackBase := k.userStackBase()
	if _, err := as.MapPages(stackBase, mm.KernelStart-stackBase, vmm.PermRW); err != nil {
		return nil, k.fail(err)
	}
	if heap := uintptr(k.cfg.Memory.HeapSize); heap != 0 {
		if _, err := as.MapPages(HeapBase, heap, vmm.PermRW); err != nil {
			return nil, k.fail(err)
		}
	}

	entry := spec.Entry
	if spec.Image != nil {
		var err error
		if entry, err = k.loader.Load(as, spec.Image); err != nil {
			return nil, k.fail(err)
		}
	}

	return k.startTask(p, spec.Program, entry, spec.Param)
}

// StartTask adds a task running program to an existing process.
func (k *Kernel) StartTask(p *proc.Process, program Program, entry, param uint32) (*sched.Task, error) {
	if program == nil {
		return nil, ErrNoProgram
	}
	if p.Dead() {
		return nil, proc.ErrProcessDead
	}
	return k.startTask(p, program, entry, param)
}

func (k *Kernel) startTask(p *proc.Process, program Program, entry, param uint32) (*sched.Task, error) {
	t, err := k.sched.NewTask(p, func(t *sched.Task) {
		program(&User{k: k, task: t})
	})
	if err != nil {
		return nil, k.fail(err)
	}

	t.Context.Regs[sched.RegSP] = uint32(mm.KernelStart)
	k.sched.Start(t, entry, param)
	return t, nil
}
