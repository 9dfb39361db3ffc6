// Package manager owns the process-wide engine: the page buffer, the fault
// channel, the worker pools and the set of active regions. Everything is
// constructed lazily with the first region and torn down with the last.
package manager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/faultmap/faultmap/internal/buffer"
	"github.com/faultmap/faultmap/internal/config"
	"github.com/faultmap/faultmap/internal/evict"
	"github.com/faultmap/faultmap/internal/fill"
	"github.com/faultmap/faultmap/internal/region"
	"github.com/faultmap/faultmap/internal/uffd"
	"github.com/faultmap/faultmap/internal/uffd/fdexit"
	"github.com/faultmap/faultmap/pkg/store"
)

var (
	ErrRegionNotFound = errors.New("no region registered at this address")
	ErrRegionOverlap  = errors.New("region overlaps an existing region")
	ErrRegionsActive  = errors.New("tunables cannot change while regions are active")
)

type Manager struct {
	mu sync.Mutex

	cfg    *config.Config
	logger *zap.Logger

	regionsMu sync.RWMutex
	regions   map[uintptr]*region.Region

	buf        *buffer.Buffer
	channel    *uffd.Userfaultfd
	dispatcher *uffd.Dispatcher
	exit       *fdexit.FdExit
	fills      *fill.Workers
	evicts     *evict.Manager
}

var (
	instance     *Manager
	instanceOnce sync.Once
)

// Get returns the process singleton.
func Get() *Manager {
	instanceOnce.Do(func() {
		instance = &Manager{
			logger:  zap.L().Named("faultmap"),
			regions: make(map[uintptr]*region.Region),
		}
	})

	return instance
}

// Config resolves the tunables on first use and returns them.
func (m *Manager) Config() (*config.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.configLocked()
}

// caller must hold m.mu
func (m *Manager) configLocked() (*config.Config, error) {
	if m.cfg != nil {
		return m.cfg, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	m.cfg = cfg

	return cfg, nil
}

// AddRegion registers a new mapped range with the engine, starting the
// engine if this is the first region.
func (m *Manager) AddRegion(base uintptr, size, pageSize int64, st store.Store) (*region.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.configLocked()
	if err != nil {
		return nil, err
	}

	if pageSize == 0 {
		pageSize = cfg.PageSize
	}

	if pageSize%cfg.PageSize != 0 {
		return nil, fmt.Errorf("region page size %d is not a multiple of the configured page size %d: %w",
			pageSize, cfg.PageSize, config.ErrInvalidPageSize)
	}

	m.regionsMu.RLock()
	overlapping := m.overlaps(base, size)
	m.regionsMu.RUnlock()

	if overlapping {
		return nil, ErrRegionOverlap
	}

	if m.buf == nil {
		err = m.startEngine(cfg)
		if err != nil {
			return nil, err
		}
	}

	r := region.New(base, size, pageSize, st)

	err = m.channel.Register(base, size, uffd.RegisterModeMissing|uffd.RegisterModeWP)
	if err != nil {
		if len(m.regions) == 0 {
			m.stopEngine()
		}

		return nil, fmt.Errorf("failed to register region with fault channel: %w", err)
	}

	m.regionsMu.Lock()
	m.regions[base] = r
	m.regionsMu.Unlock()

	m.logger.Info("region added",
		zap.String("region", r.ID.String()),
		zap.Uint64("base", uint64(base)),
		zap.String("size", humanize.IBytes(uint64(size))),
		zap.Int64("page_size", pageSize))

	return r, nil
}

// RemoveRegion evicts all of a region's resident pages, unregisters it and,
// if it was the last region, tears the engine down.
func (m *Manager) RemoveRegion(base uintptr) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.regionsMu.RLock()
	r, ok := m.regions[base]
	regionCount := len(m.regions)
	m.regionsMu.RUnlock()

	if !ok {
		return 0, ErrRegionNotFound
	}

	if regionCount == 1 {
		m.evicts.EvictAll()
	} else {
		m.buf.EvictRegion(r)
	}

	err := m.channel.Unregister(base, r.Size)
	if err != nil {
		return 0, fmt.Errorf("failed to unregister region from fault channel: %w", err)
	}

	m.regionsMu.Lock()
	delete(m.regions, base)
	empty := len(m.regions) == 0
	m.regionsMu.Unlock()

	m.logger.Info("region removed", zap.String("region", r.ID.String()))

	if empty {
		m.stopEngine()
	}

	return r.Size, nil
}

// ContainingRegion satisfies uffd.RegionResolver.
func (m *Manager) ContainingRegion(addr uintptr) *region.Region {
	m.regionsMu.RLock()
	defer m.regionsMu.RUnlock()

	for _, r := range m.regions {
		if r.Contains(addr) {
			return r
		}
	}

	return nil
}

// caller must hold regionsMu
func (m *Manager) overlaps(base uintptr, size int64) bool {
	end := base + uintptr(size)

	for _, r := range m.regions {
		if base < r.End() && r.Base < end {
			return true
		}
	}

	return false
}

// caller must hold m.mu
func (m *Manager) startEngine(cfg *config.Config) error {
	m.logger.Info("starting engine",
		zap.Int64("buffer_pages", cfg.BufferPages),
		zap.String("buffer_size", humanize.IBytes(uint64(cfg.BufferPages*cfg.PageSize))),
		zap.Int("fillers", cfg.Fillers),
		zap.Int("evictors", cfg.Evictors))

	m.buf = buffer.New(cfg, m.logger)

	channel, err := uffd.New(m.logger)
	if err != nil {
		m.buf = nil

		return err
	}

	m.channel = channel

	exit, err := fdexit.New()
	if err != nil {
		_ = m.channel.Close()
		m.channel = nil
		m.buf = nil

		return err
	}

	m.exit = exit

	m.fills = fill.NewWorkers(cfg.Fillers, m.buf, m.channel, cfg.PageSize, m.logger)
	m.evicts = evict.NewManager(cfg.Evictors, m.buf, m.channel, m.logger)
	m.buf.SetSchedulers(m.fills, m.evicts)

	m.dispatcher = uffd.NewDispatcher(m.channel, m.exit, m.buf, m, cfg.MaxFaultEvents, m.logger)
	m.dispatcher.Start()

	if cfg.MonitorFreq > 0 {
		m.buf.StartMonitor(time.Duration(cfg.MonitorFreq) * time.Second)
	}

	if cfg.AdaptFreq > 0 {
		m.buf.StartAdaptive(time.Duration(cfg.AdaptFreq) * time.Second)
	}

	return nil
}

// caller must hold m.mu; teardown order is evict manager, fill workers,
// fault channel, buffer
func (m *Manager) stopEngine() {
	m.logger.Info("stopping engine")

	m.evicts.Stop()
	m.fills.Stop()

	err := m.dispatcher.Stop()
	if err != nil {
		m.logger.Warn("failed to signal dispatcher exit", zap.Error(err))
	}

	_ = m.exit.Close()
	_ = m.channel.Close()

	m.buf.Stop()

	m.evicts = nil
	m.fills = nil
	m.dispatcher = nil
	m.exit = nil
	m.channel = nil
	m.buf = nil
}

// Flush writes back all dirty pages across all regions; pages stay
// resident.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf == nil {
		return nil
	}

	m.buf.FlushDirtyPages()

	return nil
}

// FetchAndPin materializes addr..addr+size and exempts it from eviction.
func (m *Manager) FetchAndPin(addr uintptr, size int64) error {
	r := m.ContainingRegion(addr)
	if r == nil {
		return ErrRegionNotFound
	}

	return m.buf.FetchAndPin(r, addr, size, m.channel)
}

// Active reports whether any region is registered.
func (m *Manager) Active() bool {
	m.regionsMu.RLock()
	defer m.regionsMu.RUnlock()

	return len(m.regions) > 0
}

// UpdateConfig applies fn to the tunables; rejected while any region is
// active.
func (m *Manager) UpdateConfig(fn func(*config.Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Active() {
		return ErrRegionsActive
	}

	cfg, err := m.configLocked()
	if err != nil {
		return err
	}

	updated := *cfg
	fn(&updated)

	err = updated.Validate()
	if err != nil {
		return err
	}

	*m.cfg = updated

	return nil
}
