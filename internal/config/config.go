// Package config holds the settings of an hvcpu session.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddressSpaceSize   = 1 << 36
	DefaultBackingMemorySize  = 64 << 20
	DefaultVcpuReserve        = 2
	DefaultTimerIntervalTicks = DefaultCounterFrequency / 100
	DefaultCounterFrequency   = 19_200_000
	DefaultBlockSize          = 2 << 20
	DefaultLogLevel           = "info"

	maxAddressSpaceSize = 1 << 39
)

// Config describes one emulated process: the size of its guest address
// space, the host memory backing it and how its guest threads share vcpus.
type Config struct {
	AddressSpaceSize  uint64 `yaml:"addressSpaceSize"`
	BackingMemorySize uint64 `yaml:"backingMemorySize"`
	// IPABits limits the intermediate physical address width. Zero uses
	// the host maximum.
	IPABits int `yaml:"ipaBits,omitempty"`

	VcpuReserve        int    `yaml:"vcpuReserve"`
	TimerIntervalTicks uint64 `yaml:"timerIntervalTicks"`
	CounterFrequency   uint64 `yaml:"counterFrequency"`
	BlockSize          uint64 `yaml:"blockSize"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.AddressSpaceSize == 0 {
		c.AddressSpaceSize = DefaultAddressSpaceSize
	}
	if c.BackingMemorySize == 0 {
		c.BackingMemorySize = DefaultBackingMemorySize
	}
	if c.VcpuReserve == 0 {
		c.VcpuReserve = DefaultVcpuReserve
	}
	if c.TimerIntervalTicks == 0 {
		c.TimerIntervalTicks = DefaultTimerIntervalTicks
	}
	if c.CounterFrequency == 0 {
		c.CounterFrequency = DefaultCounterFrequency
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.AddressSpaceSize > maxAddressSpaceSize {
		return fmt.Errorf("addressSpaceSize 0x%x exceeds the 39-bit guest address space", c.AddressSpaceSize)
	}
	if c.BlockSize&(c.BlockSize-1) != 0 || c.BlockSize < 4096 {
		return fmt.Errorf("blockSize 0x%x is not a power of two of at least one page", c.BlockSize)
	}
	if c.BackingMemorySize&0xFFF != 0 {
		return fmt.Errorf("backingMemorySize 0x%x is not page aligned", c.BackingMemorySize)
	}
	if c.IPABits != 0 && (c.IPABits < 32 || c.IPABits > 48) {
		return fmt.Errorf("ipaBits %d out of range [32, 48]", c.IPABits)
	}
	if c.VcpuReserve < 0 {
		return fmt.Errorf("vcpuReserve %d is negative", c.VcpuReserve)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("logLevel: %w", err)
	}
	return level, nil
}

// Load reads a YAML configuration file and fills in defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Write stores c as YAML at path.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
