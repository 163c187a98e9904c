// Package hvcpu runs guest threads of an emulated process on a hardware
// hypervisor. A Session owns the guest address space and the vcpu pool;
// each guest thread gets an ExecutionContext from it.
package hvcpu

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/config"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/cpu"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/hvf"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/memblock"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/memory"
)

// ipaBase keeps the first gigabyte of the intermediate physical space free.
const ipaBase = 1 << 30

type Options struct {
	Config config.Config
	// Host is the hypervisor to use. When nil, Open creates the
	// Hypervisor.framework VM and Close destroys it.
	Host          hv.Hypervisor
	InvalidAccess memory.InvalidAccessHandler
	Logger        *slog.Logger
}

type Session struct {
	host     hv.Hypervisor
	ownsHost bool
	log      *slog.Logger

	alloc   *memblock.Allocator
	backing *memblock.Allocation
	mem     *memory.Manager
	pool    *cpu.Pool
}

// Open builds a session: an IPA allocator over the host physical space, the
// backing memory, the guest address space and the vcpu pool.
func Open(opts Options) (_ *Session, err error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hvcpu: config: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Session{host: opts.Host, log: log}
	if s.host == nil {
		if s.host, err = hvf.Open(cfg.IPABits); err != nil {
			return nil, fmt.Errorf("hvcpu: open hypervisor: %w", err)
		}
		s.ownsHost = true
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, s.Close())
		}
	}()

	ipaBits := s.host.IPABits()
	if cfg.IPABits != 0 && cfg.IPABits < ipaBits {
		ipaBits = cfg.IPABits
	}
	s.alloc = memblock.NewAllocator(s.host, hv.NewIPAAllocator(ipaBase, 1<<ipaBits-ipaBase), cfg.BlockSize)

	if s.backing, err = s.alloc.Allocate(cfg.BackingMemorySize, hv.PermReadWriteExecute); err != nil {
		return nil, fmt.Errorf("hvcpu: allocate backing memory: %w", err)
	}
	s.mem, err = memory.New(s.alloc, s.backing, cfg.AddressSpaceSize, memory.Options{
		InvalidAccess: opts.InvalidAccess,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("hvcpu: %w", err)
	}

	s.pool = cpu.NewPool(s.host, cpu.PoolOptions{
		Reserve:       cfg.VcpuReserve,
		TimerInterval: cfg.TimerIntervalTicks,
		Ticks:         cpu.NewTickSource(cfg.CounterFrequency),
		Logger:        log,
	})

	log.Debug("hvcpu: session opened",
		"addressSpaceBits", s.mem.AddressSpaceBits(),
		"backing", cfg.BackingMemorySize,
		"ipaBits", ipaBits,
		"maxVcpus", s.pool.Max())
	return s, nil
}

func (s *Session) Host() hv.Hypervisor     { return s.host }
func (s *Session) Memory() *memory.Manager { return s.mem }
func (s *Session) Pool() *cpu.Pool         { return s.pool }

// NewContext creates the context of a new guest thread. Its registers start
// zeroed; set them through Registers before Execute.
func (s *Session) NewContext(callbacks cpu.Callbacks) *cpu.ExecutionContext {
	return cpu.NewExecutionContext(s.pool, s.mem, callbacks)
}

// Close releases everything the session created. Every context must have
// returned from Execute.
func (s *Session) Close() error {
	var errs []error
	if s.mem != nil {
		if err := s.mem.Close(); err != nil {
			errs = append(errs, fmt.Errorf("hvcpu: close memory: %w", err))
		}
		s.mem = nil
	}
	if s.alloc != nil {
		if err := s.alloc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("hvcpu: close allocator: %w", err))
		}
		s.alloc = nil
	}
	if s.ownsHost && s.host != nil {
		if err := s.host.Close(); err != nil {
			errs = append(errs, fmt.Errorf("hvcpu: close hypervisor: %w", err))
		}
		s.host = nil
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Error("hvcpu: close session", "error", err)
		return err
	}
	return nil
}
