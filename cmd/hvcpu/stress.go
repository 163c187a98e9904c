package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	hvcpu "github.com/ryujinx-mirror/ryujinx-sub040"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/cpu"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/hvtest"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/timeslice"
)

const stressCodeVA = 0x10000

// The stress guest counts x0 up to x1, making a supervisor call per step:
//
//	loop: add  x0, x0, #1
//	      svc  #1
//	      cmp  x0, x1
//	      b.lt loop
//	      svc  #0
const (
	insnAddX0   = 0x91000400
	insnSvc1    = 0xD4000021
	insnCmpX0X1 = 0xEB01001F
	insnBltLoop = 0x54FFFFAB
	insnSvc0    = 0xD4000001
)

var stressProgram = []uint32{insnAddX0, insnSvc1, insnCmpX0X1, insnBltLoop, insnSvc0}

// interpretStress runs stressProgram on the soft host. It only knows the
// five instructions above.
func interpretStress(v *hvtest.Vcpu) hv.Exit {
	for {
		insn, ok := v.Fetch(v.PC())
		if !ok {
			return v.Undefined()
		}
		switch insn {
		case insnAddX0:
			v.SetX(0, v.X(0)+1)
		case insnSvc1:
			return v.SVC(1)
		case insnSvc0:
			return v.SVC(0)
		case insnCmpX0X1:
			// flags are evaluated at the branch
		case insnBltLoop:
			if int64(v.X(0)) < int64(v.X(1)) {
				v.SetPC(v.PC() - 12)
				continue
			}
		default:
			return v.Undefined()
		}
		v.SetPC(v.PC() + 4)
	}
}

func runStress(args []string) error {
	fs := flag.NewFlagSet("stress", flag.ExitOnError)
	common := addCommonFlags(fs, "soft")
	threads := fs.Int("threads", 32, "Guest threads to run")
	iterations := fs.Int("iterations", 1000, "Supervisor calls per thread")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *threads <= 0 || *iterations <= 0 {
		return fmt.Errorf("-threads and -iterations must be positive")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	host, err := common.openHost(cfg, interpretStress)
	if err != nil {
		return err
	}
	defer host.Close()

	s, err := hvcpu.Open(hvcpu.Options{Config: cfg, Host: host})
	if err != nil {
		return err
	}
	defer s.Close()

	code := make([]byte, 4*len(stressProgram))
	for i, insn := range stressProgram {
		binary.LittleEndian.PutUint32(code[4*i:], insn)
	}
	mem := s.Memory()
	if err := mem.Map(stressCodeVA, 0, hv.PageSize); err != nil {
		return err
	}
	if err := mem.Write(stressCodeVA, code); err != nil {
		return err
	}
	if err := mem.Reprotect(stressCodeVA, hv.PageSize, hv.PermReadExecute); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(*threads)*int64(*iterations), "stress")
	}

	timeslice.Reset()
	start := time.Now()

	var g errgroup.Group
	for i := 0; i < *threads; i++ {
		ctx := s.NewContext(cpu.Callbacks{
			OnSupervisorCall: func(c *cpu.ExecutionContext, pc uint64, imm uint16) {
				if imm == 0 {
					c.StopRunning()
					return
				}
				if bar != nil {
					bar.Add(1)
				}
			},
		})
		ctx.Registers().SetX(1, uint64(*iterations))
		g.Go(func() error {
			if err := ctx.Execute(stressCodeVA); err != nil {
				return err
			}
			if got := ctx.Registers().X(0); got != uint64(*iterations) {
				return fmt.Errorf("guest thread counted to %d, want %d", got, *iterations)
			}
			return nil
		})
	}
	err = g.Wait()
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats := s.Pool().Stats()
	calls := *threads * *iterations
	fmt.Printf("%d supervisor calls on %d threads in %s (%.0f/s)\n",
		calls, *threads, elapsed, float64(calls)/elapsed.Seconds())
	fmt.Printf("vcpus: max=%d peak=%d created=%d destroyed=%d\n",
		s.Pool().Max(), stats.Peak, stats.Created, stats.Destroyed)
	for _, t := range timeslice.Totals() {
		fmt.Printf("%24s count=%8d total=%s\n", t.Name, t.Count, t.Duration)
	}
	return nil
}
