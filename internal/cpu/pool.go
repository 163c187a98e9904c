package cpu

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/pagetable"
)

const (
	// DefaultReserve vcpus are kept for threads that have to churn.
	DefaultReserve = 2
	// DefaultTimerInterval is 10ms at DefaultCounterFrequency.
	DefaultTimerInterval = DefaultCounterFrequency / 100
)

type PoolOptions struct {
	// Reserve is how many of the host vcpus are only handed out as
	// ephemeral vcpus. Zero selects DefaultReserve.
	Reserve int
	// TimerInterval is the virtual timer period in counter ticks. Zero
	// selects DefaultTimerInterval.
	TimerInterval uint64
	Ticks         TickSource
	Logger        *slog.Logger
}

type PoolStats struct {
	Live      int64
	Peak      int64
	Created   int64
	Destroyed int64
}

// Pool hands out hardware vcpus to guest threads. At most MaxVcpuCount of
// them are live at any time. Once more than max-reserve are live, new vcpus
// are ephemeral: they are destroyed whenever their thread leaves the guest
// for a host callback and recreated when it comes back.
type Pool struct {
	host    hv.Hypervisor
	max     int64
	reserve int64
	ticks   TickSource
	log     *slog.Logger

	// timerDelay is TimerInterval converted from counter ticks.
	timerDelay time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	live      int64
	peak      int64
	created   int64
	destroyed int64
}

func NewPool(host hv.Hypervisor, opts PoolOptions) *Pool {
	if opts.Reserve == 0 {
		opts.Reserve = DefaultReserve
	}
	if opts.TimerInterval == 0 {
		opts.TimerInterval = DefaultTimerInterval
	}
	if opts.Ticks == nil {
		opts.Ticks = NewTickSource(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	maxVcpus := int64(host.MaxVcpuCount())
	reserve := int64(opts.Reserve)
	if reserve >= maxVcpus {
		reserve = maxVcpus - 1
	}
	if reserve < 0 {
		reserve = 0
	}

	p := &Pool{
		host:       host,
		max:        maxVcpus,
		reserve:    reserve,
		ticks:      opts.Ticks,
		log:        opts.Logger,
		timerDelay: ticksToDuration(opts.TimerInterval, opts.Ticks.Frequency()),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pool) Host() hv.Hypervisor { return p.host }

func (p *Pool) Ticks() TickSource { return p.ticks }

// Max reports the number of vcpus the host allows at once.
func (p *Pool) Max() int { return int(p.max) }

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Live:      p.live,
		Peak:      p.peak,
		Created:   p.created,
		Destroyed: p.destroyed,
	}
}

// admit reserves a slot, waiting while the host limit is reached, and
// returns the live count including the new slot.
func (p *Pool) admit() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.live >= p.max {
		p.cond.Wait()
	}
	p.live++
	p.peak = max(p.peak, p.live)
	return p.live
}

func (p *Pool) release(destroyed bool) {
	p.mu.Lock()
	p.live--
	if destroyed {
		p.destroyed++
	}
	p.mu.Unlock()
	p.cond.Signal()
}

// Vcpu is a hardware vcpu leased from a Pool. It belongs to the thread that
// created it.
type Vcpu struct {
	hw        hv.Vcpu
	regs      hardwareRegisters
	space     *pagetable.AddressSpace
	ephemeral bool

	// seen is the last invalidation generation this vcpu flushed.
	seen uint64
}

func (v *Vcpu) ID() uint64 { return v.hw.ID() }

func (v *Vcpu) Ephemeral() bool { return v.ephemeral }

// armTimer schedules the next timer exit. The host measures the delay on the
// vcpu's own virtual count, which the guest never sees directly.
func (v *Vcpu) armTimer(delay time.Duration) {
	if err := v.hw.ArmVtimer(delay); err != nil {
		v.regs.fail(err)
	}
}

// Create makes a vcpu for space loaded from state. The calling goroutine
// must hold runtime.LockOSThread until the vcpu is destroyed.
func (p *Pool) Create(space *pagetable.AddressSpace, state *State) (*Vcpu, error) {
	n := p.admit()
	ephemeral := n > p.max-p.reserve

	hw, err := p.host.NewVcpu()
	if err != nil {
		p.release(false)
		return nil, fmt.Errorf("cpu: create vcpu: %w", err)
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()

	v := &Vcpu{
		hw:        hw,
		regs:      hardwareRegisters{vcpu: hw},
		space:     space,
		ephemeral: ephemeral,
		seen:      space.User.Generation(),
	}
	if err := space.InitializeMmu(hw, p.host.IPABits()); err != nil {
		v.regs.fail(err)
	}
	copyRegisters(&v.regs, shadowRegisters{state})
	v.regs.enter(pagetable.ResumeTarget(false))
	v.armTimer(p.timerDelay)

	if err := v.regs.err; err != nil {
		if cerr := hw.Close(); cerr != nil {
			p.log.Error("cpu: close vcpu after failed setup", "id", hw.ID(), "error", cerr)
		}
		p.release(true)
		return nil, fmt.Errorf("cpu: set up vcpu: %w", err)
	}

	p.log.Debug("cpu: vcpu created", "id", hw.ID(), "ephemeral", ephemeral, "live", n)
	return v, nil
}

// Destroy saves the registers of v into state and destroys it. It must run
// on the thread that created v.
func (p *Pool) Destroy(v *Vcpu, state *State) error {
	copyRegisters(shadowRegisters{state}, &v.regs)
	err := v.regs.err
	if cerr := v.hw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	p.release(true)

	p.log.Debug("cpu: vcpu destroyed", "id", v.hw.ID(), "ephemeral", v.ephemeral)
	if err != nil {
		return fmt.Errorf("cpu: destroy vcpu: %w", err)
	}
	return nil
}

// Return is called before a thread leaves the guest for an unbounded
// time. An ephemeral vcpu is destroyed and nil returned; any other is
// returned unchanged.
func (p *Pool) Return(v *Vcpu, state *State) (*Vcpu, error) {
	if v == nil || !v.ephemeral {
		return v, nil
	}
	if err := p.Destroy(v, state); err != nil {
		return nil, err
	}
	return nil, nil
}

// Rent undoes Return: it creates a vcpu from state when v is nil.
func (p *Pool) Rent(v *Vcpu, space *pagetable.AddressSpace, state *State) (*Vcpu, error) {
	if v != nil {
		return v, nil
	}
	return p.Create(space, state)
}
