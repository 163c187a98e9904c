package cpu

import (
	"errors"
	"math"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/hvtest"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/memblock"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/memory"
)

const (
	codeBase = 0x1_0000
	dataBase = 0x2_0000
)

type fixedTicks struct {
	freq    uint64
	counter uint64
}

func (f fixedTicks) Frequency() uint64 { return f.freq }
func (f fixedTicks) Counter() uint64   { return f.counter }

type fixture struct {
	host *hvtest.Hypervisor
	mem  *memory.Manager
	pool *Pool
}

func newFixture(t *testing.T, maxVcpus int, opts PoolOptions, guest hvtest.Guest) *fixture {
	t.Helper()
	host := hvtest.New(hvtest.Options{MaxVcpus: maxVcpus, Guest: guest})
	alloc := memblock.NewAllocator(host, hv.NewIPAAllocator(0x1000_0000, 0x1000_0000), 1<<20)
	backing, err := alloc.Allocate(1<<20, hv.PermReadWriteExecute)
	if err != nil {
		t.Fatalf("allocate backing: %v", err)
	}
	mem, err := memory.New(alloc, backing, 1<<32, memory.Options{})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	if err := mem.Map(codeBase, 0, 0x4000); err != nil {
		t.Fatalf("map code: %v", err)
	}
	if err := mem.Map(dataBase, 0x4000, 0x4000); err != nil {
		t.Fatalf("map data: %v", err)
	}
	t.Cleanup(func() {
		if err := mem.Close(); err != nil {
			t.Errorf("memory Close: %v", err)
		}
		if err := alloc.Close(); err != nil {
			t.Errorf("allocator Close: %v", err)
		}
		if err := host.Close(); err != nil {
			t.Errorf("host Close: %v", err)
		}
	})
	return &fixture{host: host, mem: mem, pool: NewPool(host, opts)}
}

func (f *fixture) checkHost(t *testing.T) {
	t.Helper()
	st := f.host.Stats()
	if st.ThreadViolations != 0 {
		t.Errorf("thread violations = %d", st.ThreadViolations)
	}
	if st.LiveVcpus != 0 {
		t.Errorf("live vcpus after execution = %d", st.LiveVcpus)
	}
	if st.VcpusCreated != st.VcpusDestroyed {
		t.Errorf("created %d vcpus but destroyed %d", st.VcpusCreated, st.VcpusDestroyed)
	}
}

// step emulates the instruction at PC. Returning false ends the run with
// exit; returning true moves on to the next instruction.
type step func(v *hvtest.Vcpu) (hv.Exit, bool)

func program(steps ...step) hvtest.Guest {
	return func(v *hvtest.Vcpu) hv.Exit {
		for {
			pc := v.PC()
			if pc < codeBase || (pc-codeBase)/4 >= uint64(len(steps)) {
				return hv.Exit{Reason: hv.ExitUnknown}
			}
			exit, next := steps[(pc-codeBase)/4](v)
			if !next {
				return exit
			}
			v.SetPC(pc + 4)
		}
	}
}

func svc(imm uint16) step {
	return func(v *hvtest.Vcpu) (hv.Exit, bool) { return v.SVC(imm), false }
}

func mrs(rt int, op0, op1, crn, crm, op2 uint64) step {
	return func(v *hvtest.Vcpu) (hv.Exit, bool) { return v.MRS(rt, op0, op1, crn, crm, op2), false }
}

// stopOn stops the context on "svc #0" and records the others.
func stopOn(calls *[]uint64) func(c *ExecutionContext, pc uint64, imm uint16) {
	return func(c *ExecutionContext, pc uint64, imm uint16) {
		if imm == 0 {
			c.StopRunning()
			return
		}
		*calls = append(*calls, pc)
	}
}

func TestSupervisorCallAndRegisters(t *testing.T) {
	var sawX1, sawTPIDR, sawSP uint64
	var sawV2 hv.Vec128
	f := newFixture(t, 0, PoolOptions{}, program(
		func(v *hvtest.Vcpu) (hv.Exit, bool) {
			sawX1 = v.X(1)
			sawTPIDR = v.Sys(hv.SysRegTPIDREL0)
			sawSP = v.Sys(hv.SysRegSPEL0)
			sawV2 = v.Q(2)
			v.SetX(2, 99)
			v.SetQ(3, hv.Vec128{Lo: 5, Hi: 6})
			return hv.Exit{}, true
		},
		svc(0x10),
		svc(0),
	))

	type call struct {
		PC  uint64
		Imm uint16
		X2  uint64
	}
	var calls []call
	c := NewExecutionContext(f.pool, f.mem, Callbacks{
		OnSupervisorCall: func(c *ExecutionContext, pc uint64, imm uint16) {
			calls = append(calls, call{pc, imm, c.Registers().X(2)})
			if imm == 0 {
				c.StopRunning()
			}
		},
	})

	regs := c.Registers()
	regs.SetX(1, 42)
	regs.SetTPIDR(7)
	regs.SetSP(0x8000)
	regs.SetV(2, hv.Vec128{Lo: 1, Hi: 2})

	if err := c.Execute(codeBase); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if sawX1 != 42 || sawTPIDR != 7 || sawSP != 0x8000 || sawV2 != (hv.Vec128{Lo: 1, Hi: 2}) {
		t.Fatalf("guest saw x1=%d tpidr=%d sp=0x%x v2=%v", sawX1, sawTPIDR, sawSP, sawV2)
	}
	want := []call{
		{codeBase + 4, 0x10, 99},
		{codeBase + 8, 0, 99},
	}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("supervisor calls (-want +got):\n%s", diff)
	}

	regs = c.Registers()
	if got := regs.X(2); got != 99 {
		t.Errorf("shadow x2 = %d, want 99", got)
	}
	if got := regs.V(3); got != (hv.Vec128{Lo: 5, Hi: 6}) {
		t.Errorf("shadow v3 = %v", got)
	}
	if got := regs.PC(); got != codeBase+12 {
		t.Errorf("shadow pc = 0x%x, want 0x%x", got, codeBase+12)
	}
	f.checkHost(t)
}

func TestCounterRegisters(t *testing.T) {
	ticks := fixedTicks{freq: 1000, counter: 12345}
	f := newFixture(t, 0, PoolOptions{Ticks: ticks}, program(
		mrs(3, 3, 3, 14, 0, 0), // CNTFRQ_EL0
		mrs(4, 3, 3, 14, 0, 2), // CNTVCT_EL0
		mrs(5, 3, 3, 14, 0, 1), // CNTPCT_EL0
		mrs(31, 3, 3, 14, 0, 1),
		svc(0),
	))

	var got [3]uint64
	c := NewExecutionContext(f.pool, f.mem, Callbacks{
		OnSupervisorCall: func(c *ExecutionContext, pc uint64, imm uint16) {
			regs := c.Registers()
			got = [3]uint64{regs.X(3), regs.X(4), regs.X(5)}
			c.StopRunning()
		},
	})
	if err := c.Execute(codeBase); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if want := [3]uint64{1000, 12345, 12345}; got != want {
		t.Fatalf("counter registers = %v, want %v", got, want)
	}
	f.checkHost(t)
}

func TestUnsupportedSystemRegister(t *testing.T) {
	f := newFixture(t, 0, PoolOptions{}, program(
		svc(1),
		mrs(1, 3, 0, 0, 0, 5), // MPIDR_EL1
	))
	var calls []uint64
	c := NewExecutionContext(f.pool, f.mem, Callbacks{OnSupervisorCall: stopOn(&calls)})

	err := c.Execute(codeBase)
	var fault *GuestFault
	if !errors.As(err, &fault) {
		t.Fatalf("Execute = %v, want a guest fault", err)
	}
	if fault.Kind != FaultSystemRegister || fault.PC != codeBase+4 {
		t.Fatalf("fault = %+v", fault)
	}
	f.checkHost(t)
}

func TestDataAbortResolvedByTracking(t *testing.T) {
	var loaded uint64
	f := newFixture(t, 0, PoolOptions{}, program(
		func(v *hvtest.Vcpu) (hv.Exit, bool) {
			var buf [8]byte
			exit, ok := v.Load(dataBase+0x10, buf[:], 5)
			if ok {
				loaded = uint64(buf[0])
			}
			return exit, ok
		},
		svc(0),
	))
	if err := f.mem.Write(dataBase+0x10, []byte{0x5A}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	h := f.mem.BeginTracking(dataBase, hv.PageSize, 1)
	defer h.Dispose()
	var actions int
	h.RegisterAction(func(va, size uint64) { actions++ })

	var calls []uint64
	c := NewExecutionContext(f.pool, f.mem, Callbacks{OnSupervisorCall: stopOn(&calls)})
	if err := c.Execute(codeBase); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if actions != 1 {
		t.Errorf("tracking action ran %d times, want 1", actions)
	}
	if loaded != 0x5A {
		t.Errorf("guest loaded 0x%x, want 0x5a", loaded)
	}
	f.checkHost(t)
}

func TestUnresolvedDataAbortIsFatal(t *testing.T) {
	const va = 0x40_0000
	f := newFixture(t, 0, PoolOptions{}, program(
		func(v *hvtest.Vcpu) (hv.Exit, bool) {
			return v.Store(va, []byte{1, 2, 3, 4}, 2)
		},
	))
	c := NewExecutionContext(f.pool, f.mem, Callbacks{})

	err := c.Execute(codeBase)
	var fault *GuestFault
	if !errors.As(err, &fault) {
		t.Fatalf("Execute = %v, want a guest fault", err)
	}
	if fault.Kind != FaultDataAbort || fault.Address != va || fault.PC != codeBase {
		t.Fatalf("fault = %+v", fault)
	}
	if c.Registers().PC() != codeBase {
		t.Errorf("shadow pc = 0x%x after fault", c.Registers().PC())
	}
	f.checkHost(t)
}

func TestBreakAndUndefined(t *testing.T) {
	const udf = 0x0000_1234
	f := newFixture(t, 0, PoolOptions{}, program(
		func(v *hvtest.Vcpu) (hv.Exit, bool) { return v.BRK(7), false },
		func(v *hvtest.Vcpu) (hv.Exit, bool) { return v.Undefined(), false },
		svc(0),
	))
	if err := f.mem.Write(codeBase+4, []byte{0x34, 0x12, 0, 0}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var events []string
	var calls []uint64
	c := NewExecutionContext(f.pool, f.mem, Callbacks{
		OnSupervisorCall: stopOn(&calls),
		OnBreak: func(c *ExecutionContext, pc uint64, imm uint16) {
			if pc == codeBase && imm == 7 {
				events = append(events, "brk")
			}
		},
		OnUndefined: func(c *ExecutionContext, pc uint64, opcode uint32) {
			if pc == codeBase+4 && opcode == udf {
				events = append(events, "udf")
			}
			c.Registers().SetPC(pc + 4)
		},
	})
	if err := c.Execute(codeBase); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if diff := cmp.Diff([]string{"brk", "udf"}, events); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}

	c = NewExecutionContext(f.pool, f.mem, Callbacks{})
	err := c.Execute(codeBase + 4)
	var fault *GuestFault
	if !errors.As(err, &fault) || fault.Kind != FaultUndefinedInstruction {
		t.Fatalf("Execute without callbacks = %v", err)
	}
	f.checkHost(t)
}

func TestVirtualTimerRearm(t *testing.T) {
	ticks := fixedTicks{freq: 1000, counter: 500}
	var fired int
	var masked bool
	var ctl, cval uint64
	f := newFixture(t, 0, PoolOptions{Ticks: ticks, TimerInterval: 100}, program(
		func(v *hvtest.Vcpu) (hv.Exit, bool) {
			if fired == 0 {
				fired++
				return v.Timer(), false
			}
			masked = v.VtimerMasked()
			ctl = v.Sys(hv.SysRegCNTVCTLEL0)
			cval = v.Sys(hv.SysRegCNTVCVLEL0)
			return hv.Exit{}, true
		},
		svc(0),
	))

	var interrupts int
	var calls []uint64
	c := NewExecutionContext(f.pool, f.mem, Callbacks{
		OnSupervisorCall: stopOn(&calls),
		OnInterrupt:      func(*ExecutionContext) { interrupts++ },
	})
	if err := c.Execute(codeBase); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// 100 ticks at 1kHz; the soft host keeps the delay in CVAL.
	if masked || ctl != 1 || cval != uint64(100*time.Millisecond) {
		t.Fatalf("after timer exit masked=%v ctl=%d cval=%d", masked, ctl, cval)
	}
	if interrupts != 0 {
		t.Fatalf("timer exit invoked the interrupt callback %d times", interrupts)
	}
	f.checkHost(t)
}

func TestInterruptCoalescing(t *testing.T) {
	f := newFixture(t, 0, PoolOptions{}, program(
		svc(1),
		svc(0),
	))

	var interrupts int
	c := NewExecutionContext(f.pool, f.mem, Callbacks{
		OnSupervisorCall: func(c *ExecutionContext, pc uint64, imm uint16) {
			if imm == 0 {
				c.StopRunning()
				return
			}
			for i := 0; i < 5; i++ {
				c.RequestInterrupt()
			}
		},
		OnInterrupt: func(*ExecutionContext) { interrupts++ },
	})
	if err := c.Execute(codeBase); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if interrupts != 1 {
		t.Fatalf("interrupt callback ran %d times, want 1", interrupts)
	}
	f.checkHost(t)
}

func TestStopRunningFromAnotherThread(t *testing.T) {
	started := make(chan struct{})
	var once atomic.Bool
	f := newFixture(t, 0, PoolOptions{}, program(
		func(v *hvtest.Vcpu) (hv.Exit, bool) {
			if once.CompareAndSwap(false, true) {
				close(started)
			}
			return v.Spin(), false
		},
	))
	c := NewExecutionContext(f.pool, f.mem, Callbacks{})

	go func() {
		<-started
		c.StopRunning()
	}()
	if err := c.Execute(codeBase); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if c.Running() {
		t.Fatalf("context still running")
	}
	if f.host.Stats().ForcedExits == 0 {
		t.Fatalf("StopRunning did not force an exit")
	}

	// A stopped context does not enter the guest again.
	if err := c.Execute(codeBase); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	f.checkHost(t)
}

func TestInvalidationOnEveryResume(t *testing.T) {
	const (
		entryA = codeBase
		entryB = codeBase + 0x100
	)
	var changed atomic.Bool
	var base, after int
	guest := func(v *hvtest.Vcpu) hv.Exit {
		switch v.PC() {
		case entryA:
			if base == 0 {
				base = v.Flushes() + 1
			}
			if !changed.Load() {
				runtime.Gosched()
				return v.Timer()
			}
			// Resume once more; the change is now older than the exit.
			v.SetPC(entryA + 4)
			return v.Timer()
		case entryA + 4:
			after = v.Flushes() + 1
			return v.SVC(0)
		case entryB:
			return v.SVC(1)
		}
		return hv.Exit{Reason: hv.ExitUnknown}
	}
	f := newFixture(t, 0, PoolOptions{}, guest)

	a := NewExecutionContext(f.pool, f.mem, Callbacks{
		OnSupervisorCall: func(c *ExecutionContext, pc uint64, imm uint16) { c.StopRunning() },
	})
	b := NewExecutionContext(f.pool, f.mem, Callbacks{
		OnSupervisorCall: func(c *ExecutionContext, pc uint64, imm uint16) {
			if err := f.mem.Unmap(dataBase, hv.PageSize); err != nil {
				t.Errorf("Unmap: %v", err)
			}
			changed.Store(true)
			c.StopRunning()
		},
	})

	var g errgroup.Group
	g.Go(func() error { return a.Execute(entryA) })
	g.Go(func() error { return b.Execute(entryB) })
	if err := g.Wait(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if after <= base {
		t.Fatalf("vcpu A did not flush after the unmap on another vcpu (flushes %d -> %d)", base-1, after-1)
	}
	f.checkHost(t)
}

func TestPoolBound(t *testing.T) {
	const (
		maxVcpus   = 4
		threads    = 16
		iterations = 50
	)
	f := newFixture(t, maxVcpus, PoolOptions{Reserve: 2}, func(v *hvtest.Vcpu) hv.Exit {
		if v.PC() == codeBase+4 {
			v.SetPC(codeBase)
		}
		n := v.X(0)
		if n >= iterations {
			return v.SVC(0)
		}
		v.SetX(0, n+1)
		return v.SVC(1)
	})

	var g errgroup.Group
	contexts := make([]*ExecutionContext, threads)
	for i := range contexts {
		c := NewExecutionContext(f.pool, f.mem, Callbacks{
			OnSupervisorCall: func(c *ExecutionContext, pc uint64, imm uint16) {
				if imm == 0 {
					c.StopRunning()
					return
				}
				time.Sleep(50 * time.Microsecond)
			},
		})
		contexts[i] = c
		g.Go(func() error { return c.Execute(codeBase) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for i, c := range contexts {
		if got := c.Registers().X(0); got != iterations {
			t.Errorf("context %d x0 = %d, want %d", i, got, iterations)
		}
	}

	st := f.pool.Stats()
	if st.Peak > maxVcpus || f.host.Stats().PeakVcpus > maxVcpus {
		t.Errorf("peak live vcpus pool=%d host=%d, max %d", st.Peak, f.host.Stats().PeakVcpus, maxVcpus)
	}
	if st.Live != 0 || st.Created != st.Destroyed {
		t.Errorf("pool stats after run = %+v", st)
	}
	if st.Created <= threads {
		t.Errorf("created %d vcpus for %d threads; ephemeral vcpus were not recycled", st.Created, threads)
	}
	f.checkHost(t)
}

func TestPoolEphemeralChurn(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f := newFixture(t, 3, PoolOptions{Reserve: 1}, nil)
	space := f.mem.AddressSpace()

	var states [3]State
	var vcpus [3]*Vcpu
	for i := range vcpus {
		states[i].X[0] = uint64(i)
		v, err := f.pool.Create(space, &states[i])
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		vcpus[i] = v
	}
	if vcpus[0].Ephemeral() || vcpus[1].Ephemeral() || !vcpus[2].Ephemeral() {
		t.Fatalf("ephemeral = %v %v %v", vcpus[0].Ephemeral(), vcpus[1].Ephemeral(), vcpus[2].Ephemeral())
	}

	if v, err := f.pool.Return(vcpus[0], &states[0]); err != nil || v != vcpus[0] {
		t.Fatalf("Return of a regular vcpu = %v, %v", v, err)
	}

	vcpus[2].regs.SetX(0, 9)
	v, err := f.pool.Return(vcpus[2], &states[2])
	if err != nil || v != nil {
		t.Fatalf("Return of an ephemeral vcpu = %v, %v", v, err)
	}
	if states[2].X[0] != 9 {
		t.Fatalf("shadow x0 = %d after Return, want 9", states[2].X[0])
	}
	if got := f.pool.Stats(); got.Live != 2 || got.Destroyed != 1 {
		t.Fatalf("stats after Return = %+v", got)
	}

	v, err = f.pool.Rent(nil, space, &states[2])
	if err != nil {
		t.Fatalf("Rent: %v", err)
	}
	if got := v.regs.X(0); got != 9 {
		t.Fatalf("rented vcpu x0 = %d, want 9", got)
	}
	vcpus[2] = v

	for i, v := range vcpus {
		if err := f.pool.Destroy(v, &states[i]); err != nil {
			t.Fatalf("Destroy %d: %v", i, err)
		}
	}
	want := PoolStats{Live: 0, Peak: 3, Created: 4, Destroyed: 4}
	if diff := cmp.Diff(want, f.pool.Stats()); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}
	f.checkHost(t)
}

func TestPoolAdmissionWaits(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f := newFixture(t, 1, PoolOptions{}, nil)
	space := f.mem.AddressSpace()

	var first State
	v, err := f.pool.Create(space, &first)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		var second State
		w, err := f.pool.Create(space, &second)
		if err != nil {
			done <- err
			return
		}
		done <- f.pool.Destroy(w, &second)
	}()

	select {
	case err := <-done:
		t.Fatalf("second Create did not wait for a free vcpu (err %v)", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := f.pool.Destroy(v, &first); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("second vcpu: %v", err)
	}
	if got := f.pool.Stats().Peak; got != 1 {
		t.Fatalf("peak = %d, want 1", got)
	}
	f.checkHost(t)
}

func TestDecodeSyndromes(t *testing.T) {
	// ldr x5, [x0] faulting on a read: ISV, SAS=3, SRT=5.
	da := decodeDataAbort(uint64(exceptionClassDataAbortLowerEL)<<exceptionClassShift | 1<<24 | 3<<22 | 5<<16 | 0x07)
	if da.size != 8 || da.write || !da.farValid {
		t.Errorf("data abort = %+v", da)
	}
	da = decodeDataAbort(1<<6 | 1<<10)
	if da.size != 1 || !da.write || da.farValid {
		t.Errorf("data abort without ISV = %+v", da)
	}

	iss := uint64(3)<<20 | 2<<17 | 3<<14 | 14<<10 | 7<<5 | 0<<1 | 1
	m := decodeMsrAccess(iss)
	if !m.read || m.target != 7 || !m.matches(3, 3, 14, 0, 2) {
		t.Errorf("msr access = %+v", m)
	}
	if got := m.String(); got != "S3_3_C14_C0_2" {
		t.Errorf("String = %q", got)
	}
}

func TestTicksToDuration(t *testing.T) {
	for _, tc := range []struct {
		n, freq uint64
		want    time.Duration
	}{
		{100, 1000, 100 * time.Millisecond},
		{24_000_000, 24_000_000, time.Second},
		{1, 19_200_000, 52},
		{1 << 63, 1, time.Duration(math.MaxInt64)},
		{^uint64(0), 1 << 40, 16777215999999999},
	} {
		if got := ticksToDuration(tc.n, tc.freq); got != tc.want {
			t.Errorf("ticksToDuration(%d, %d) = %d, want %d", tc.n, tc.freq, got, tc.want)
		}
	}
}
