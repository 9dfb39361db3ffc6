package config

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/tklauser/go-sysconf"
)

const (
	// Share of total RAM usable for the page buffer when no explicit
	// capacity is configured.
	defaultMemoryPercent = 95

	fallbackWorkerCount = 16
)

var (
	ErrInvalidPageSize  = errors.New("page size must be a non-zero multiple of the system page size")
	ErrInvalidWatermark = errors.New("watermarks must satisfy 0 < low < high <= 100")
)

// Config holds the engine tunables. Values are resolved from the
// environment once, on first use (the first region creation or the first
// getter or setter call, whichever comes first), and must not change while
// any region is active.
type Config struct {
	PageSize       int64 `env:"FAULTMAP_PAGESIZE"`
	BufferPages    int64 `env:"FAULTMAP_BUFSIZE"`
	Fillers        int   `env:"FAULTMAP_PAGE_FILLERS"`
	Evictors       int   `env:"FAULTMAP_PAGE_EVICTORS"`
	LowWatermark   int   `env:"FAULTMAP_EVICT_LOW_WATER_THRESHOLD" envDefault:"70"`
	HighWatermark  int   `env:"FAULTMAP_EVICT_HIGH_WATER_THRESHOLD" envDefault:"90"`
	MaxFaultEvents int   `env:"FAULTMAP_MAX_FAULT_EVENTS" envDefault:"256"`
	ReadAhead      int64 `env:"FAULTMAP_READ_AHEAD" envDefault:"0"`
	MonitorFreq    int   `env:"FAULTMAP_MONITOR_FREQ" envDefault:"0"`
	AdaptFreq      int   `env:"FAULTMAP_ADAPT_FREQ" envDefault:"0"`

	SystemPageSize int64 `env:"-"`
}

// Load parses the FAULTMAP_* environment variables and fills in the derived
// defaults.
func Load() (*Config, error) {
	cfg := Config{}

	err := env.Parse(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	pagesize, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		return nil, fmt.Errorf("failed to determine system page size: %w", err)
	}

	cfg.SystemPageSize = pagesize

	if cfg.PageSize == 0 {
		cfg.PageSize = cfg.SystemPageSize
	}

	if cfg.BufferPages == 0 {
		bufferPages, memErr := maxPagesInMemory(cfg.PageSize)
		if memErr != nil {
			return nil, memErr
		}

		cfg.BufferPages = bufferPages
	}

	if cfg.Fillers == 0 {
		cfg.Fillers = workerCount()
	}

	if cfg.Evictors == 0 {
		cfg.Evictors = workerCount()
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.PageSize <= 0 || c.SystemPageSize <= 0 || c.PageSize%c.SystemPageSize != 0 {
		return ErrInvalidPageSize
	}

	if c.LowWatermark <= 0 || c.LowWatermark >= c.HighWatermark || c.HighWatermark > 100 {
		return ErrInvalidWatermark
	}

	if c.BufferPages <= 0 {
		return errors.New("buffer capacity must be positive")
	}

	if c.Fillers <= 0 || c.Evictors <= 0 {
		return errors.New("worker counts must be positive")
	}

	if c.MaxFaultEvents <= 0 {
		return errors.New("max fault events must be positive")
	}

	return nil
}

func maxPagesInMemory(pageSize int64) (int64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to determine system memory size: %w", err)
	}

	return int64(vm.Total) / pageSize * defaultMemoryPercent / 100, nil
}

// AvailableMemory returns the number of bytes of memory currently available
// without swapping, as reported by the OS.
func AvailableMemory() (int64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to determine available memory: %w", err)
	}

	return int64(vm.Available), nil
}

func workerCount() int {
	n := runtime.NumCPU()
	if n == 0 {
		return fallbackWorkerCount
	}

	return n
}
