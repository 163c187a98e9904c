package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	hvcpu "github.com/ryujinx-mirror/ryujinx-sub040"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/cpu"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/timeslice"
)

// recordTimeslices streams timeslice records to path until the returned
// function is called.
func recordTimeslices(path string) (func() error, error) {
	if path == "" {
		return func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create timeslice file: %w", err)
	}
	w, err := timeslice.Open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open timeslice stream: %w", err)
	}
	return func() error { return errors.Join(w.Close(), f.Close()) }, nil
}

func runImage(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	common := addCommonFlags(fs, "hvf")
	image := fs.String("image", "", "Raw AArch64 EL0 image")
	load := fs.Uint64("load", 0x10000, "Guest address the image is loaded at")
	entry := fs.Uint64("entry", 0, "Entry point; 0 uses the load address")
	stackSize := fs.Uint64("stack", 64<<10, "Stack size in bytes")
	tsPath := fs.String("timeslice", "", "Write a timeslice recording to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *image == "" {
		fs.Usage()
		return fmt.Errorf("-image required")
	}
	if *common.host != "hvf" {
		return fmt.Errorf("run executes real guest code and needs -host hvf")
	}

	code, err := os.ReadFile(*image)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}

	imageSize := hv.AlignUp(uint64(len(code)), hv.PageSize)
	stack := hv.AlignUp(*stackSize, hv.PageSize)
	if imageSize+stack > cfg.BackingMemorySize {
		return fmt.Errorf("image and stack need 0x%x bytes, backing memory is 0x%x", imageSize+stack, cfg.BackingMemorySize)
	}
	if *load&hv.PageMask != 0 {
		return fmt.Errorf("load address 0x%x is not page aligned", *load)
	}
	if *entry == 0 {
		*entry = *load
	}

	host, err := common.openHost(cfg, nil)
	if err != nil {
		return err
	}
	defer host.Close()

	s, err := hvcpu.Open(hvcpu.Options{Config: cfg, Host: host})
	if err != nil {
		return err
	}
	defer s.Close()

	mem := s.Memory()
	// A guard page separates the image from the stack.
	stackBase := *load + imageSize + hv.PageSize
	if err := mem.Map(*load, 0, imageSize); err != nil {
		return err
	}
	if err := mem.Write(*load, code); err != nil {
		return err
	}
	if err := mem.Reprotect(*load, imageSize, hv.PermReadExecute); err != nil {
		return err
	}
	if err := mem.Map(stackBase, imageSize, stack); err != nil {
		return err
	}

	stop, err := recordTimeslices(*tsPath)
	if err != nil {
		return err
	}

	ctx := s.NewContext(cpu.Callbacks{
		OnSupervisorCall: func(c *cpu.ExecutionContext, pc uint64, imm uint16) {
			regs := c.Registers()
			slog.Info("supervisor call", "pc", fmt.Sprintf("0x%x", pc), "imm", imm, "x0", regs.X(0), "x1", regs.X(1))
			if imm == 0 {
				c.StopRunning()
			}
		},
		OnBreak: func(c *cpu.ExecutionContext, pc uint64, imm uint16) {
			slog.Warn("breakpoint", "pc", fmt.Sprintf("0x%x", pc), "imm", imm)
			c.StopRunning()
		},
	})
	ctx.Registers().SetSP(stackBase + stack)

	runErr := ctx.Execute(*entry)
	if err := stop(); err != nil {
		slog.Error("close timeslice recording", "error", err)
	}

	var fault *cpu.GuestFault
	if errors.As(runErr, &fault) {
		dumpRegisters(ctx.Registers())
		return runErr
	}
	if runErr != nil {
		return runErr
	}
	fmt.Printf("x0 = 0x%x\n", ctx.Registers().X(0))
	return nil
}

func dumpRegisters(regs cpu.Registers) {
	for i := 0; i < 31; i += 2 {
		if i == 30 {
			fmt.Fprintf(os.Stderr, "x30 = %016x\n", regs.X(30))
			break
		}
		fmt.Fprintf(os.Stderr, "x%-2d = %016x  x%-2d = %016x\n", i, regs.X(i), i+1, regs.X(i+1))
	}
	fmt.Fprintf(os.Stderr, "sp  = %016x  pc  = %016x  pstate = %08x\n", regs.SP(), regs.PC(), regs.Pstate())
}
