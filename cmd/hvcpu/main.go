// Command hvcpu runs guest code on the host hypervisor through the hvcpu
// session, exercises the vcpu pool and reads timeslice recordings.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/config"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/hvf"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/hvtest"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hvcpu: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  info       print host hypervisor limits\n")
	fmt.Fprintf(os.Stderr, "  run        run a raw AArch64 image as one guest thread\n")
	fmt.Fprintf(os.Stderr, "  stress     run many guest threads through the vcpu pool\n")
	fmt.Fprintf(os.Stderr, "  timeslice  print a timeslice recording\n")
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("command required")
	}
	switch args[0] {
	case "info":
		return runInfo(args[1:])
	case "run":
		return runImage(args[1:])
	case "stress":
		return runStress(args[1:])
	case "timeslice":
		return runTimeslice(args[1:])
	case "help", "-h", "-help", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// commonFlags are shared by the commands that open a session.
type commonFlags struct {
	configPath *string
	logLevel   *string
	host       *string
	softVcpus  *int
	ipaBits    *int
}

func addCommonFlags(fs *flag.FlagSet, defaultHost string) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "YAML session configuration"),
		logLevel:   fs.String("log-level", "", "Log level (debug, info, warn, error); overrides the config"),
		host:       fs.String("host", defaultHost, "Hypervisor: hvf or soft"),
		softVcpus:  fs.Int("soft-vcpus", 8, "Vcpu limit of the soft host"),
		ipaBits:    fs.Int("ipa-bits", 0, "IPA width; 0 uses the config or host default"),
	}
}

// load reads the configuration, applies flag overrides and installs the
// default logger.
func (f commonFlags) load() (config.Config, error) {
	cfg := config.Default()
	if *f.configPath != "" {
		var err error
		if cfg, err = config.Load(*f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if *f.logLevel != "" {
		cfg.LogLevel = *f.logLevel
	}
	if *f.ipaBits != 0 {
		cfg.IPABits = *f.ipaBits
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	level, err := cfg.Level()
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

func (f commonFlags) openHost(cfg config.Config, guest hvtest.Guest) (hv.Hypervisor, error) {
	switch *f.host {
	case "hvf":
		return hvf.Open(cfg.IPABits)
	case "soft":
		return hvtest.New(hvtest.Options{MaxVcpus: *f.softVcpus, IPABits: cfg.IPABits, Guest: guest}), nil
	default:
		return nil, fmt.Errorf("unknown host %q", *f.host)
	}
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	common := addCommonFlags(fs, "hvf")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}

	host, err := common.openHost(cfg, nil)
	if err != nil {
		return err
	}
	defer host.Close()

	fmt.Printf("host:          %s\n", *common.host)
	fmt.Printf("max vcpus:     %d\n", host.MaxVcpuCount())
	fmt.Printf("ipa bits:      %d\n", host.IPABits())
	fmt.Printf("vcpu reserve:  %d\n", cfg.VcpuReserve)
	return nil
}
