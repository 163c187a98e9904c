// Package cpu runs guest threads on hardware vcpus. Each guest thread owns an
// ExecutionContext; vcpus come from a Pool shared by every context of the
// process.
package cpu

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/pagetable"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/timeslice"
)

var (
	tsGuestTime      = timeslice.RegisterKind("cpu_guest_time", timeslice.SliceFlagGuestTime)
	tsHostTime       = timeslice.RegisterKind("cpu_host_time", timeslice.SliceFlagHostTime)
	tsSupervisorCall = timeslice.RegisterKind("cpu_supervisor_call", timeslice.SliceFlagHostTime)
	tsInterrupt      = timeslice.RegisterKind("cpu_interrupt", timeslice.SliceFlagHostTime)
	tsDataAbort      = timeslice.RegisterKind("cpu_data_abort", timeslice.SliceFlagHostTime)
	tsSystemRegister = timeslice.RegisterKind("cpu_system_register", timeslice.SliceFlagHostTime)
	tsVirtualTimer   = timeslice.RegisterKind("cpu_virtual_timer", timeslice.SliceFlagHostTime)
	tsDebug          = timeslice.RegisterKind("cpu_debug", timeslice.SliceFlagHostTime)
)

const instructionSize = 4

// Memory is the part of the memory manager a context uses.
type Memory interface {
	AddressSpace() *pagetable.AddressSpace
	// HandleFault resolves a guest data abort. False means nothing covers
	// the access.
	HandleFault(va, size uint64, write bool) bool
	Read(va uint64, data []byte) error
}

// Callbacks run on the thread inside Execute, with any ephemeral vcpu
// returned to the pool. The context's Registers are valid inside them.
type Callbacks struct {
	// OnSupervisorCall is called for "svc #imm" at pc. The guest resumes
	// after the instruction.
	OnSupervisorCall func(c *ExecutionContext, pc uint64, imm uint16)
	// OnInterrupt is called once per batch of RequestInterrupt calls.
	OnInterrupt func(c *ExecutionContext)
	// OnBreak is called for "brk #imm" at pc. The guest resumes after the
	// instruction unless the callback moved the PC.
	OnBreak func(c *ExecutionContext, pc uint64, imm uint16)
	// OnUndefined is called for an undefined instruction at pc. The guest
	// resumes wherever the callback leaves the PC.
	OnUndefined func(c *ExecutionContext, pc uint64, opcode uint32)
}

// ExecutionContext is the state of one guest thread.
type ExecutionContext struct {
	pool      *Pool
	mem       Memory
	callbacks Callbacks
	log       *slog.Logger

	state State
	rec   *timeslice.Recorder

	// mu guards vcpu and regs against RequestInterrupt and StopRunning.
	// Only the executing thread writes them.
	mu   sync.Mutex
	vcpu *Vcpu
	regs Registers

	stopped   atomic.Bool
	interrupt atomic.Bool
}

func NewExecutionContext(pool *Pool, mem Memory, callbacks Callbacks) *ExecutionContext {
	c := &ExecutionContext{
		pool:      pool,
		mem:       mem,
		callbacks: callbacks,
		log:       pool.log,
	}
	c.regs = shadowRegisters{&c.state}
	return c
}

// Registers returns the current register view: the vcpu while one is held,
// the shadow state otherwise. Only the executing thread may use it while
// Execute runs.
func (c *ExecutionContext) Registers() Registers { return c.regs }

// Running reports whether StopRunning has not been called yet.
func (c *ExecutionContext) Running() bool { return !c.stopped.Load() }

func (c *ExecutionContext) setVcpu(v *Vcpu) {
	c.vcpu = v
	if v != nil {
		c.regs = &v.regs
	} else {
		c.regs = shadowRegisters{&c.state}
	}
}

// forceExit kicks the attached vcpu out of Run, if there is one.
func (c *ExecutionContext) forceExit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vcpu == nil {
		return
	}
	if err := c.pool.host.ExitVcpus(c.vcpu.hw); err != nil {
		c.log.Error("cpu: force exit", "id", c.vcpu.hw.ID(), "error", err)
	}
}

// RequestInterrupt makes the guest thread call OnInterrupt soon. Requests
// made before the thread observes the first one are merged.
func (c *ExecutionContext) RequestInterrupt() {
	if c.interrupt.Swap(true) {
		return
	}
	c.forceExit()
}

// StopRunning makes Execute return at its next vm exit. It may be called
// from any goroutine.
func (c *ExecutionContext) StopRunning() {
	c.stopped.Store(true)
	c.forceExit()
}

func (c *ExecutionContext) returnVcpu() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.pool.Return(c.vcpu, &c.state)
	c.setVcpu(v)
	return err
}

func (c *ExecutionContext) rentVcpu() error {
	// Rent can wait for a free vcpu; do not hold mu meanwhile.
	v, err := c.pool.Rent(c.vcpu, c.mem.AddressSpace(), &c.state)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.setVcpu(v)
	c.mu.Unlock()

	// A request that arrived while no vcpu was attached had nothing to kick.
	if c.interrupt.Load() || c.stopped.Load() {
		c.forceExit()
	}
	return nil
}

func (c *ExecutionContext) releaseVcpu() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vcpu == nil {
		return nil
	}
	err := c.pool.Destroy(c.vcpu, &c.state)
	c.setVcpu(nil)
	return err
}

// suspend leaves the guest to run fn, which may take arbitrarily long.
func (c *ExecutionContext) suspend(kind timeslice.TimesliceID, fn func()) error {
	if err := c.returnVcpu(); err != nil {
		return err
	}
	fn()
	c.rec.Record(kind)
	return c.rentVcpu()
}

// Execute runs the guest thread from entry until StopRunning is called or
// the guest takes a trap nothing resolves. It locks the calling goroutine
// to its OS thread for the duration.
func (c *ExecutionContext) Execute(entry uint64) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.regs.SetPC(entry)
	c.rec = timeslice.NewRecorder()

	if err := c.rentVcpu(); err != nil {
		return err
	}
	defer func() {
		if rerr := c.releaseVcpu(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	for !c.stopped.Load() {
		if err := c.resume(); err != nil {
			return err
		}
		c.rec.Record(tsHostTime)

		exit, err := c.vcpu.hw.Run()
		c.rec.Record(tsGuestTime)
		if err != nil {
			return fmt.Errorf("cpu: run vcpu: %w", err)
		}

		switch exit.Reason {
		case hv.ExitException:
			err = c.synchronousException(exit)
		case hv.ExitCanceled, hv.ExitVtimerActivated:
			err = c.asynchronousExit(exit.Reason)
		default:
			c.vcpu.regs.park()
			err = &GuestFault{Kind: FaultUnexpectedExit, PC: c.regs.PC(), Syndrome: exit.Syndrome}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// resume points the vcpu at the trampoline. The invalidating target is used
// whenever the user tables changed since this vcpu last flushed, whichever
// thread changed them.
func (c *ExecutionContext) resume() error {
	v := c.vcpu
	invalidate := c.mem.AddressSpace().User.ConsumeInvalidation(&v.seen)
	v.regs.enter(pagetable.ResumeTarget(invalidate))
	if err := v.regs.err; err != nil {
		return fmt.Errorf("cpu: vcpu registers: %w", err)
	}
	return nil
}

func (c *ExecutionContext) asynchronousExit(reason hv.ExitReason) error {
	c.vcpu.regs.park()

	if c.interrupt.Swap(false) {
		err := c.suspend(tsInterrupt, func() {
			if c.callbacks.OnInterrupt != nil {
				c.callbacks.OnInterrupt(c)
			}
		})
		if err != nil {
			return err
		}
	}

	if reason == hv.ExitVtimerActivated {
		c.vcpu.armTimer(c.pool.timerDelay)
		c.rec.Record(tsVirtualTimer)
	}
	return nil
}

func (c *ExecutionContext) synchronousException(exit hv.Exit) error {
	regs := &c.vcpu.regs
	if ec := syndromeClass(exit.Syndrome); ec != exceptionClassHvc64 {
		regs.park()
		return &GuestFault{Kind: FaultUnsupportedException, PC: regs.PC(), Syndrome: exit.Syndrome}
	}

	esr := regs.sys(hv.SysRegESREL1)
	ec := syndromeClass(esr)
	elr := regs.PC()
	c.log.Debug("cpu: guest trap", "class", ec, "pc", elr, "esr", esr)

	switch ec {
	case exceptionClassDataAbortLowerEL:
		return c.dataAbort(esr, elr)

	case exceptionClassMsrAccess:
		return c.msrAccess(esr, elr)

	case exceptionClassSvc64:
		// ELR already points past the svc.
		pc := elr - instructionSize
		if c.callbacks.OnSupervisorCall == nil {
			return &GuestFault{Kind: FaultUnsupportedException, PC: pc, Syndrome: esr}
		}
		return c.suspend(tsSupervisorCall, func() {
			c.callbacks.OnSupervisorCall(c, pc, uint16(esr))
		})

	case exceptionClassBrk64:
		if c.callbacks.OnBreak == nil {
			return &GuestFault{Kind: FaultBreakpoint, PC: elr, Syndrome: esr}
		}
		err := c.suspend(tsDebug, func() {
			c.callbacks.OnBreak(c, elr, uint16(esr))
		})
		if err != nil {
			return err
		}
		if c.regs.PC() == elr {
			c.regs.SetPC(elr + instructionSize)
		}
		return nil

	case exceptionClassUnknown:
		if c.callbacks.OnUndefined == nil {
			return &GuestFault{Kind: FaultUndefinedInstruction, PC: elr, Syndrome: esr}
		}
		var insn [instructionSize]byte
		if err := c.mem.Read(elr, insn[:]); err != nil {
			c.log.Debug("cpu: read undefined instruction", "pc", elr, "error", err)
		}
		opcode := binary.LittleEndian.Uint32(insn[:])
		return c.suspend(tsDebug, func() {
			c.callbacks.OnUndefined(c, elr, opcode)
		})

	default:
		return &GuestFault{Kind: FaultUnsupportedException, PC: elr, Syndrome: esr}
	}
}

func (c *ExecutionContext) dataAbort(esr, elr uint64) error {
	info := decodeDataAbort(esr)
	if !info.farValid {
		c.log.Warn("cpu: data abort without a fault address", "pc", elr, "esr", esr)
		return &GuestFault{Kind: FaultDataAbort, PC: elr, Syndrome: esr}
	}

	far := c.vcpu.regs.sys(hv.SysRegFAREL1)
	if !c.mem.HandleFault(far, info.size, info.write) {
		c.log.Warn("cpu: unresolved data abort", "pc", elr, "address", far, "size", info.size, "write", info.write)
		return &GuestFault{Kind: FaultDataAbort, PC: elr, Address: far, Syndrome: esr}
	}
	c.rec.Record(tsDataAbort)
	// The access is retried when the guest resumes.
	return nil
}

func (c *ExecutionContext) msrAccess(esr, elr uint64) error {
	info := decodeMsrAccess(esr)
	if !info.read {
		return &GuestFault{Kind: FaultSystemRegister, PC: elr, Syndrome: esr}
	}

	var value uint64
	switch {
	case info.matches(3, 3, 14, 0, 0): // CNTFRQ_EL0
		value = c.pool.ticks.Frequency()
	case info.matches(3, 3, 14, 0, 1), // CNTPCT_EL0
		info.matches(3, 3, 14, 0, 2): // CNTVCT_EL0
		value = c.pool.ticks.Counter()
	default:
		c.log.Warn("cpu: unsupported system register read", "reg", info.String(), "pc", elr)
		return &GuestFault{Kind: FaultSystemRegister, PC: elr, Syndrome: esr}
	}

	regs := &c.vcpu.regs
	regs.SetX(info.target, value)
	regs.SetPC(elr + instructionSize)
	c.rec.Record(tsSystemRegister)
	return nil
}
