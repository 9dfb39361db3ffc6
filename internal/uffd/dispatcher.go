package uffd

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/faultmap/faultmap/internal/region"
	"github.com/faultmap/faultmap/internal/uffd/fdexit"
)

// PageEventHandler receives coalesced fault batches. All addresses in one
// call belong to the given region and are rounded to its page size.
type PageEventHandler interface {
	ProcessPageEvents(r *region.Region, addrs []uintptr, writes []bool)
}

// RegionResolver maps a faulting address to its containing region.
type RegionResolver interface {
	ContainingRegion(addr uintptr) *region.Region
}

type faultEvent struct {
	addr  uintptr
	write bool
}

type eventBatch struct {
	region *region.Region
	addrs  []uintptr
	writes []bool
}

// Dispatcher is the single-threaded fault loop: it blocks on the fault
// channel and the exit pipe, drains raw events, sorts and coalesces them
// per page, and hands per-region batches to the buffer.
type Dispatcher struct {
	fd        Fd
	exit      *fdexit.FdExit
	handler   PageEventHandler
	regions   RegionResolver
	maxEvents int
	logger    *zap.Logger

	wg sync.WaitGroup
}

func NewDispatcher(fd Fd, exit *fdexit.FdExit, handler PageEventHandler, regions RegionResolver, maxEvents int, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		fd:        fd,
		exit:      exit,
		handler:   handler,
		regions:   regions,
		maxEvents: maxEvents,
		logger:    logger.Named("dispatcher"),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()
		d.serve()
	}()
}

// Stop signals the exit pipe and joins the loop. The userfaultfd itself is
// closed by the owner afterwards.
func (d *Dispatcher) Stop() error {
	err := d.exit.SignalExit()
	d.wg.Wait()

	return err
}

func (d *Dispatcher) serve() {
	buf := make([]byte, d.maxEvents*msgSize)
	events := make([]faultEvent, 0, d.maxEvents)

	pollFds := []unix.PollFd{
		{Fd: d.fd.Fd(), Events: unix.POLLIN},
		{Fd: d.exit.Reader(), Events: unix.POLLIN},
	}

	for {
		pollFds[0].Revents = 0
		pollFds[1].Revents = 0

		_, err := unix.Poll(pollFds, -1)
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			d.logger.Fatal("poll on fault channel failed", zap.Error(err))
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			d.logger.Debug("exit signal received")

			return
		}

		if pollFds[0].Revents&unix.POLLERR != 0 {
			d.logger.Fatal("fault channel poll error")
		}

		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(int(d.fd.Fd()), buf)
		if err == unix.EAGAIN {
			continue
		}

		if err != nil {
			d.logger.Fatal("read from fault channel failed", zap.Error(err))
		}

		if n%msgSize != 0 {
			d.logger.Fatal("short read from fault channel", zap.Int("bytes", n))
		}

		events = events[:0]

		for i := 0; i < n; i += msgSize {
			msg := (*Msg)(unsafe.Pointer(&buf[i]))
			if msg.Event != eventPagefault {
				continue
			}

			events = append(events, faultEvent{
				addr:  uintptr(msg.Arg.Address),
				write: msg.Arg.Flags&(pagefaultFlagWrite|pagefaultFlagWP) != 0,
			})
		}

		batches, err := coalesceEvents(events, d.regions)
		if err != nil {
			d.logger.Fatal("fault outside any known region", zap.Error(err))
		}

		for _, b := range batches {
			d.handler.ProcessPageEvents(b.region, b.addrs, b.writes)
		}
	}
}

// coalesceEvents sorts raw fault events by address (writes before reads at
// equal addresses), rounds each address down to its region's page size,
// folds duplicates of the same page into one event, and partitions the
// result into per-region batches. A write classification never gets lost in
// the fold: duplicates merge their write flags.
func coalesceEvents(events []faultEvent, regions RegionResolver) ([]eventBatch, error) {
	if len(events) == 0 {
		return nil, nil
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].addr == events[j].addr {
			return events[i].write && !events[j].write
		}

		return events[i].addr < events[j].addr
	})

	var (
		batches []eventBatch
		current *eventBatch
	)

	for _, ev := range events {
		if current == nil || !current.region.Contains(ev.addr) {
			r := regions.ContainingRegion(ev.addr)
			if r == nil {
				return nil, fmt.Errorf("address %#x is not inside any region", ev.addr)
			}

			batches = append(batches, eventBatch{region: r})
			current = &batches[len(batches)-1]
		}

		pageAddr := current.region.PageBase(ev.addr)

		if n := len(current.addrs); n > 0 && current.addrs[n-1] == pageAddr {
			current.writes[n-1] = current.writes[n-1] || ev.write

			continue
		}

		current.addrs = append(current.addrs, pageAddr)
		current.writes = append(current.writes, ev.write)
	}

	return batches, nil
}
