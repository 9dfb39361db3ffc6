package evict

import (
	"bytes"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/faultmap/faultmap/internal/buffer"
	"github.com/faultmap/faultmap/internal/config"
	"github.com/faultmap/faultmap/internal/page"
	"github.com/faultmap/faultmap/internal/region"
	"github.com/faultmap/faultmap/pkg/store"
)

const testPageSize = int64(4096)

// recordingChannel orders write-protect calls against store writes through
// the shared recorder.
type recordingChannel struct {
	rec *recorder
}

func (c *recordingChannel) AddWriteProtection(addr uintptr, size int64) error {
	c.rec.add("protect", addr)

	return nil
}

func (c *recordingChannel) ReleasePage(addr uintptr, size int64) error {
	c.rec.add("release", addr)

	return nil
}

type recordedOp struct {
	op   string
	addr uintptr
	off  int64
}

type recorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (r *recorder) add(op string, addr uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ops = append(r.ops, recordedOp{op: op, addr: addr})
}

func (r *recorder) addWrite(off int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ops = append(r.ops, recordedOp{op: "store-write", off: off})
}

func (r *recorder) snapshot() []recordedOp {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]recordedOp(nil), r.ops...)
}

type recordingStore struct {
	rec *recorder
	mu  sync.Mutex
	mem map[int64][]byte
}

func (s *recordingStore) ReadAt(b []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if content, ok := s.mem[off]; ok {
		return copy(b, content), nil
	}

	for i := range b {
		b[i] = 0
	}

	return len(b), nil
}

func (s *recordingStore) WriteAt(b []byte, off int64) (int, error) {
	s.rec.addWrite(off)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem[off] = bytes.Clone(b)

	return len(b), nil
}

type noopFill struct {
	buf *buffer.Buffer
}

func (f *noopFill) ScheduleFill(pd *page.Descriptor) {
	// The buffer holds its mutex while scheduling; complete the fill
	// asynchronously like a real worker would.
	go f.buf.MarkPagePresent(pd)
}

// backedRegion builds a region over real process memory so the evict
// worker's write-back can read page content.
func backedRegion(t *testing.T, pages int64, st store.Store) (*region.Region, []byte) {
	t.Helper()

	backing := make([]byte, pages*testPageSize)

	return region.New(addrOf(backing), pages*testPageSize, testPageSize, st), backing
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func newTestEngine(t *testing.T, capacity int64) (*buffer.Buffer, *Manager, *recorder, *region.Region, []byte) {
	t.Helper()

	cfg := &config.Config{
		PageSize:       testPageSize,
		SystemPageSize: testPageSize,
		BufferPages:    capacity,
		Fillers:        1,
		Evictors:       2,
		LowWatermark:   50,
		HighWatermark:  80,
		MaxFaultEvents: 256,
	}
	require.NoError(t, cfg.Validate())

	rec := &recorder{}
	st := &recordingStore{rec: rec, mem: make(map[int64][]byte)}

	buf := buffer.New(cfg, zap.NewNop())
	mgr := NewManager(cfg.Evictors, buf, &recordingChannel{rec: rec}, zap.NewNop())
	buf.SetSchedulers(&noopFill{buf: buf}, mgr)

	r, backing := backedRegion(t, 64, st)

	return buf, mgr, rec, r, backing
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("condition not reached in time")
}

func pageAddr(r *region.Region, idx int64) uintptr {
	return r.Base + uintptr(idx*testPageSize)
}

func TestThresholdDrainsToLowWatermark(t *testing.T) {
	t.Parallel()

	buf, mgr, _, r, backing := newTestEngine(t, 10)
	defer func() { _ = backing }()

	// Fill to the high watermark (8 of 10); the buffer posts the threshold
	// item itself on the edge.
	for i := int64(0); i < 8; i++ {
		buf.ProcessPageEvents(r, []uintptr{pageAddr(r, i)}, []bool{false})
	}

	// Fills complete asynchronously; keep kicking until the drain gets all
	// of them.
	waitFor(t, func() bool {
		mgr.TriggerEviction()

		return buf.BusyPages() <= 5
	})

	mgr.WaitIdle()
	assert.True(t, buf.LowThresholdReached())

	mgr.Stop()
}

func TestDirtyEvictionWriteProtectsBeforeWriteBack(t *testing.T) {
	t.Parallel()

	buf, mgr, rec, r, backing := newTestEngine(t, 32)

	addr := pageAddr(r, 3)
	copy(backing[3*testPageSize:], bytes.Repeat([]byte{0xF1}, int(testPageSize)))

	buf.ProcessPageEvents(r, []uintptr{addr}, []bool{true})

	var victims []*page.Descriptor

	waitFor(t, func() bool {
		victims = buf.EvictOldestPages()

		return len(victims) == 1
	})

	mgr.ScheduleEviction(victims[0])
	mgr.WaitIdle()

	ops := rec.snapshot()
	require.Len(t, ops, 3)

	assert.Equal(t, "protect", ops[0].op)
	assert.Equal(t, addr, ops[0].addr)
	assert.Equal(t, "store-write", ops[1].op)
	assert.Equal(t, 3*testPageSize, ops[1].off)
	assert.Equal(t, "release", ops[2].op)

	assert.Equal(t, 0, buf.BusyPages())

	mgr.Stop()
}

func TestCleanEvictionSkipsWriteBack(t *testing.T) {
	t.Parallel()

	buf, mgr, rec, r, backing := newTestEngine(t, 32)
	defer func() { _ = backing }()

	buf.ProcessPageEvents(r, []uintptr{pageAddr(r, 0)}, []bool{false})

	var victims []*page.Descriptor

	waitFor(t, func() bool {
		victims = buf.EvictOldestPages()

		return len(victims) == 1
	})

	mgr.ScheduleEviction(victims[0])
	mgr.WaitIdle()

	ops := rec.snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, "release", ops[0].op)

	mgr.Stop()
}

func TestFlushLeavesPageResident(t *testing.T) {
	t.Parallel()

	buf, mgr, rec, r, backing := newTestEngine(t, 32)

	addr := pageAddr(r, 2)
	copy(backing[2*testPageSize:], bytes.Repeat([]byte{0x3C}, int(testPageSize)))

	buf.ProcessPageEvents(r, []uintptr{addr}, []bool{true})

	buf.FlushDirtyPages()

	ops := rec.snapshot()
	require.Len(t, ops, 2)
	assert.Equal(t, "protect", ops[0].op)
	assert.Equal(t, "store-write", ops[1].op)

	// Still resident, now clean.
	assert.Equal(t, 1, buf.BusyPages())

	// A second flush has nothing to do.
	buf.FlushDirtyPages()
	assert.Len(t, rec.snapshot(), 2)

	mgr.Stop()
}

func TestEvictAllDrainsBuffer(t *testing.T) {
	t.Parallel()

	buf, mgr, rec, r, backing := newTestEngine(t, 32)

	copy(backing[0:], bytes.Repeat([]byte{0xEE}, int(testPageSize)))

	// One dirty page, two clean ones.
	buf.ProcessPageEvents(r, []uintptr{pageAddr(r, 0)}, []bool{true})
	buf.ProcessPageEvents(r, []uintptr{pageAddr(r, 1)}, []bool{false})
	buf.ProcessPageEvents(r, []uintptr{pageAddr(r, 2)}, []bool{false})

	mgr.EvictAll()

	assert.Equal(t, 0, buf.BusyPages())
	assert.Equal(t, 32, buf.FreePages())

	// Only the dirty page produced store traffic.
	writes := 0
	for _, op := range rec.snapshot() {
		if op.op == "store-write" {
			writes++
		}
	}

	assert.Equal(t, 1, writes)

	mgr.Stop()
}
