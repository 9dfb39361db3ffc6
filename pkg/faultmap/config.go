package faultmap

import (
	"github.com/faultmap/faultmap/internal/config"
	"github.com/faultmap/faultmap/internal/manager"
)

// ErrRegionsActive is returned by the setters while any region is mapped.
var ErrRegionsActive = manager.ErrRegionsActive

func loadConfig() (*config.Config, error) {
	return manager.Get().Config()
}

// SystemPageSize returns the page size of the underlying system.
func SystemPageSize() (int64, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	return cfg.SystemPageSize, nil
}

// PageSize returns the default region page size.
func PageSize() (int64, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	return cfg.PageSize, nil
}

// BufferPages returns the page buffer capacity in pages.
func BufferPages() (int64, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	return cfg.BufferPages, nil
}

// Fillers returns the fill worker pool size.
func Fillers() (int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	return cfg.Fillers, nil
}

// Evictors returns the evict worker pool size.
func Evictors() (int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	return cfg.Evictors, nil
}

// LowWatermarkPercent returns the eviction stop threshold.
func LowWatermarkPercent() (int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	return cfg.LowWatermark, nil
}

// HighWatermarkPercent returns the eviction start threshold.
func HighWatermarkPercent() (int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	return cfg.HighWatermark, nil
}

// MaxFaultEvents returns the dispatcher's drain batch size.
func MaxFaultEvents() (int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	return cfg.MaxFaultEvents, nil
}

// ReadAhead returns the configured read-ahead window in pages.
func ReadAhead() (int64, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	return cfg.ReadAhead, nil
}

// SetPageSize changes the default region page size. Rejected while regions
// are active.
func SetPageSize(size int64) error {
	return manager.Get().UpdateConfig(func(c *config.Config) {
		c.PageSize = size
	})
}

// SetBufferPages changes the buffer capacity. Rejected while regions are
// active.
func SetBufferPages(pages int64) error {
	return manager.Get().UpdateConfig(func(c *config.Config) {
		c.BufferPages = pages
	})
}

// SetFillers changes the fill worker count. Rejected while regions are
// active.
func SetFillers(n int) error {
	return manager.Get().UpdateConfig(func(c *config.Config) {
		c.Fillers = n
	})
}

// SetEvictors changes the evict worker count. Rejected while regions are
// active.
func SetEvictors(n int) error {
	return manager.Get().UpdateConfig(func(c *config.Config) {
		c.Evictors = n
	})
}

// SetWatermarks changes the eviction thresholds. Rejected while regions are
// active.
func SetWatermarks(lowPercent, highPercent int) error {
	return manager.Get().UpdateConfig(func(c *config.Config) {
		c.LowWatermark = lowPercent
		c.HighWatermark = highPercent
	})
}
