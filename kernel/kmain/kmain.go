// Package kmain wires the kernel subsystems together. Boot builds physical
// memory, the master page table, the scheduler, the IPC layer, the interrupt
// controller and the process-manager endpoint that every spawned process
// inherits as handle 0.
package kmain

import (
	"context"
	"sort"
	"strconv"

	"capos/kernel"
	"capos/kernel/config"
	"capos/kernel/ipc"
	"capos/kernel/irq"
	"capos/kernel/klog"
	"capos/kernel/metrics"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
	"capos/kernel/mm/vmm"
	"capos/kernel/proc"
	"capos/kernel/sched"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// KernelPID is the identifier of the process that owns the manager endpoint.
const KernelPID proc.PID = 0

var (
	// ErrNoSuchProcess is returned for unknown process identifiers.
	ErrNoSuchProcess = &kernel.Error{Module: "kmain", Message: "no such process", Kind: kernel.KindNotFound}

	// ErrNoProgram is returned when a process is spawned without a program.
	ErrNoProgram = &kernel.Error{Module: "kmain", Message: "spawn requires a program", Kind: kernel.KindUsageFault}

	// ErrNotIdle is returned when a kernel-side entry point is called from a
	// task instead of the boot goroutine.
	ErrNotIdle = &kernel.Error{Module: "kmain", Message: "operation must run on the idle task", Kind: kernel.KindUsageFault}

	// ErrTaskDying is returned for system calls made by deferred code of a
	// task that is exiting or being killed.
	ErrTaskDying = &kernel.Error{Module: "kmain", Message: "task is exiting", Kind: kernel.KindUsageFault}
)

// Kernel is a booted kernel instance.
type Kernel struct {
	bootID  uuid.UUID
	cfg     *config.Config
	log     *klog.Logger
	alloc   *pmm.Allocator
	master  *vmm.PageTable
	sched   *sched.Scheduler
	ipc     *ipc.IPC
	irq     *irq.Controller
	metrics *metrics.Metrics
	loader  Loader

	kproc   *proc.Process
	manager *ipc.Object
	procs   map[proc.PID]*proc.Process
	nextPID proc.PID
}

// Boot brings up a kernel instance described by cfg. The calling goroutine
// becomes the idle task; all other kernel entry points on the returned
// Kernel must be called from it. A nil logger discards output.
func Boot(cfg *config.Config, logger *klog.Logger) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = klog.NewNop()
	}

	k := &Kernel{
		bootID: uuid.New(),
		cfg:    cfg,
		procs:  make(map[proc.PID]*proc.Process),
	}
	k.log = logger.Named("kernel").With(zap.String("boot_id", k.bootID.String()))

	var err error
	if k.alloc, err = pmm.NewAllocator(uintptr(cfg.Memory.RAMSize)); err != nil {
		return nil, err
	}
	if k.master, err = vmm.NewKernelPageTable(k.alloc); err != nil {
		return nil, err
	}

	k.sched = sched.New(k.alloc, cfg.Process.MaxTasks, nil)
	k.irq = irq.NewController()
	k.metrics = metrics.New(prometheus.NewRegistry(), metrics.Sources{
		FreeFrames: func() float64 { return float64(k.alloc.FreeFrames()) },
		Tasks:      func() float64 { return float64(k.sched.TaskCount()) },
		InFlight:   func() float64 { return float64(k.ipc.InFlight()) },
		Objects:    func() float64 { return float64(k.ipc.Objects()) },
		L2Reuses:   k.l2Reuses,
	})
	k.ipc = ipc.New(k.sched, cfg.IPC.MaxMessages, k.metrics)
	k.loader = NewFlatLoader(k.alloc)

	k.sched.SetSwitchHook(func(_, _ *sched.Task) { k.metrics.ContextSwitches.Inc() })
	k.sched.SetFaultHandler(func(err error) { klog.Panic(k.log, err) })
	k.irq.SetDeliverHook(func(n int) { k.metrics.IRQsDelivered.WithLabelValues(strconv.Itoa(n)).Inc() })

	as, err := vmm.NewAddressSpace(k.alloc, k.master)
	if err != nil {
		return nil, err
	}
	k.kproc = proc.New(KernelPID, "kernel", as, cfg.Process.MaxObjects, cfg.Process.MaxMessages)
	k.manager = k.ipc.NewObject(uintptr(KernelPID))
	if err = k.kproc.RefObjectAt(proc.ManagerHandle, k.manager); err != nil {
		return nil, err
	}

	k.log.Info("kernel booted",
		zap.Uint64("ram_size", cfg.Memory.RAMSize),
		zap.Int("frames", k.alloc.TotalFrames()),
		zap.Int("free_frames", k.alloc.FreeFrames()),
		zap.Uintptr("l1_table", k.master.PhysAddr()),
	)
	return k, nil
}

// BootID returns the unique identifier of this kernel instance.
func (k *Kernel) BootID() uuid.UUID { return k.bootID }

// Config returns the boot configuration.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *klog.Logger { return k.log }

// Allocator returns the physical frame allocator.
func (k *Kernel) Allocator() *pmm.Allocator { return k.alloc }

// MasterTable returns the page table holding the kernel mappings.
func (k *Kernel) MasterTable() *vmm.PageTable { return k.master }

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// IPC returns the IPC layer.
func (k *Kernel) IPC() *ipc.IPC { return k.ipc }

// IRQ returns the interrupt controller.
func (k *Kernel) IRQ() *irq.Controller { return k.irq }

// Metrics returns the kernel metrics.
func (k *Kernel) Metrics() *metrics.Metrics { return k.metrics }

// Manager returns the process-manager endpoint.
func (k *Kernel) Manager() *ipc.Object { return k.manager }

// SetLoader replaces the image loader used by Spawn.
func (k *Kernel) SetLoader(l Loader) { k.loader = l }

// Process returns the live process identified by pid.
func (k *Kernel) Process(pid proc.PID) (*proc.Process, error) {
	p, ok := k.procs[pid]
	if !ok {
		return nil, ErrNoSuchProcess
	}
	return p, nil
}

// Processes returns the live user processes ordered by PID.
func (k *Kernel) Processes() []*proc.Process {
	out := make([]*proc.Process, 0, len(k.procs))
	for _, p := range k.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID() < out[j].PID() })
	return out
}

// NewProcess creates an empty process whose manager handle refers to the
// process-manager endpoint.
func (k *Kernel) NewProcess(name string) (*proc.Process, error) {
	as, err := vmm.NewAddressSpace(k.alloc, k.master)
	if err != nil {
		return nil, k.fail(err)
	}

	k.nextPID++
	p := proc.New(k.nextPID, name, as, k.cfg.Process.MaxObjects, k.cfg.Process.MaxMessages)
	if err = p.DupObjectRefTo(proc.ManagerHandle, k.kproc, proc.ManagerHandle); err != nil {
		_ = p.Destroy()
		return nil, err
	}

	k.procs[p.PID()] = p
	k.metrics.ProcessesSpawned.Inc()
	k.log.Debug("process created", zap.Uint32("pid", uint32(p.PID())), zap.String("name", name))
	return p, nil
}

// Kill destroys the process identified by pid together with all of its
// tasks. When the current task belongs to the process Kill does not return.
func (k *Kernel) Kill(pid proc.PID) error {
	p, err := k.Process(pid)
	if err != nil {
		return err
	}

	cur := k.sched.Current()
	self := false
	for _, t := range k.sched.TasksOf(p) {
		if t == cur {
			self = true
			continue
		}
		k.sched.Kill(t)
	}

	delete(k.procs, pid)
	err = p.Destroy()
	k.metrics.ProcessesKilled.Inc()
	k.log.Debug("process killed", zap.Uint32("pid", uint32(pid)), zap.String("name", p.Name()), zap.Error(err))

	if self {
		k.sched.Kill(cur)
	}
	return err
}

// Raise marks an interrupt line as pending. It may be called from any
// goroutine.
func (k *Kernel) Raise(n int) error { return k.irq.Raise(n) }

// Run executes ready tasks and delivers interrupts until ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	if k.sched.Current() != k.sched.Idle() {
		return ErrNotIdle
	}

	for {
		k.drainIRQs()
		if k.sched.HasReady() {
			k.sched.RunNext()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.irq.Notify():
		}
	}
}

// RunUntilIdle executes tasks until none is ready and no deliverable
// interrupt is pending.
func (k *Kernel) RunUntilIdle() error {
	if k.sched.Current() != k.sched.Idle() {
		return ErrNotIdle
	}

	for {
		k.drainIRQs()
		if !k.sched.HasReady() {
			return nil
		}
		k.sched.RunNext()
	}
}

// Shutdown kills every process, drops all interrupt subscriptions and
// releases the manager endpoint.
func (k *Kernel) Shutdown() error {
	if k.sched.Current() != k.sched.Idle() {
		return ErrNotIdle
	}

	var errs error
	for _, p := range k.Processes() {
		errs = multierr.Append(errs, k.Kill(p.PID()))
	}

	k.irq.Close()
	errs = multierr.Append(errs, k.kproc.Destroy())

	k.log.Info("kernel halted",
		zap.Uint64("context_switches", k.sched.Switches()),
		zap.Int("free_frames", k.alloc.FreeFrames()),
		zap.Int("messages_in_flight", k.ipc.InFlight()),
	)
	_ = k.log.Sync()
	return errs
}

func (k *Kernel) drainIRQs() {
	if n, err := k.irq.Drain(); err != nil {
		k.log.Warn("interrupt delivery failed", zap.Int("delivered", n), zap.Error(err))
	}
}

func (k *Kernel) l2Reuses() float64 {
	var n int
	for _, p := range k.procs {
		if as := p.AddressSpace(); as != nil {
			n += as.PageTable().Stats().L2Reuses
		}
	}
	return float64(n)
}

// fail halts the kernel on unrecoverable errors and returns err otherwise.
func (k *Kernel) fail(err error) error {
	if kernel.IsKind(err, kernel.KindFatal) {
		klog.Panic(k.log, err)
	}
	return err
}

// userStackBase returns the lowest address of the user stack mapping.
func (k *Kernel) userStackBase() uintptr {
	return mm.KernelStart - mm.RoundUp(uintptr(k.cfg.Memory.UserStackSize))
}
