package fill

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/faultmap/faultmap/internal/buffer"
	"github.com/faultmap/faultmap/internal/config"
	"github.com/faultmap/faultmap/internal/page"
	"github.com/faultmap/faultmap/internal/region"
	"github.com/faultmap/faultmap/internal/uffd"
)

const testPageSize = int64(4096)

type patternStore struct {
	fill byte
}

func (s *patternStore) ReadAt(b []byte, off int64) (int, error) {
	for i := range b {
		b[i] = s.fill
	}

	return len(b), nil
}

func (s *patternStore) WriteAt(b []byte, off int64) (int, error) {
	return len(b), nil
}

type copyCall struct {
	addr uintptr
	data []byte
	mode uffd.CULong
}

type mockChannel struct {
	mu        sync.Mutex
	copies    []copyCall
	unprotect []uintptr
}

func (m *mockChannel) Copy(addr uintptr, data []byte, mode uffd.CULong) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.copies = append(m.copies, copyCall{addr: addr, data: bytes.Clone(data), mode: mode})

	return nil
}

func (m *mockChannel) RemoveWriteProtection(addr uintptr, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unprotect = append(m.unprotect, addr)

	return nil
}

type noopEvict struct{}

func (noopEvict) ScheduleEviction(pd *page.Descriptor) {}
func (noopEvict) ScheduleFlush(pd *page.Descriptor)    {}
func (noopEvict) TriggerEviction()                     {}
func (noopEvict) WaitIdle()                            {}

func newTestEngine(t *testing.T) (*buffer.Buffer, *Workers, *mockChannel, *region.Region) {
	t.Helper()

	cfg := &config.Config{
		PageSize:       testPageSize,
		SystemPageSize: testPageSize,
		BufferPages:    32,
		Fillers:        2,
		Evictors:       1,
		LowWatermark:   70,
		HighWatermark:  90,
		MaxFaultEvents: 256,
	}
	require.NoError(t, cfg.Validate())

	buf := buffer.New(cfg, zap.NewNop())
	channel := &mockChannel{}
	workers := NewWorkers(cfg.Fillers, buf, channel, cfg.PageSize, zap.NewNop())
	buf.SetSchedulers(workers, noopEvict{})
	t.Cleanup(workers.Stop)

	r := region.New(0x7f0000000000, 64*testPageSize, testPageSize, &patternStore{fill: 0xAB})

	return buf, workers, channel, r
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

func TestReadFaultInjectsWriteProtected(t *testing.T) {
	t.Parallel()

	buf, _, channel, r := newTestEngine(t)

	buf.ProcessPageEvents(r, []uintptr{r.Base}, []bool{false})

	waitFor(t, func() bool {
		channel.mu.Lock()
		defer channel.mu.Unlock()

		return len(channel.copies) == 1
	})

	channel.mu.Lock()
	call := channel.copies[0]
	channel.mu.Unlock()

	assert.Equal(t, r.Base, call.addr)
	assert.Equal(t, uffd.CopyModeWP, call.mode, "a read fault must install the page write-protected")
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, int(testPageSize)), call.data)

	// The fill completed: the page settles to present.
	waitFor(t, func() bool { return buf.BusyPages() == 1 })
	buf.ProcessPageEvents(r, []uintptr{r.Base}, []bool{false}) // returns without waiting
}

func TestWriteFaultInjectsWritable(t *testing.T) {
	t.Parallel()

	buf, _, channel, r := newTestEngine(t)

	buf.ProcessPageEvents(r, []uintptr{r.Base}, []bool{true})

	waitFor(t, func() bool {
		channel.mu.Lock()
		defer channel.mu.Unlock()

		return len(channel.copies) == 1
	})

	channel.mu.Lock()
	call := channel.copies[0]
	channel.mu.Unlock()

	assert.Zero(t, call.mode, "a write fault must install the page writable")
}

func TestCleanWriteOnResidentPageLiftsProtection(t *testing.T) {
	t.Parallel()

	buf, _, channel, r := newTestEngine(t)

	// Read fault first: page becomes present and write-protected.
	buf.ProcessPageEvents(r, []uintptr{r.Base}, []bool{false})

	waitFor(t, func() bool {
		channel.mu.Lock()
		defer channel.mu.Unlock()

		return len(channel.copies) == 1
	})

	// Write fault on the now-clean present page.
	buf.ProcessPageEvents(r, []uintptr{r.Base}, []bool{true})

	waitFor(t, func() bool {
		channel.mu.Lock()
		defer channel.mu.Unlock()

		return len(channel.unprotect) == 1
	})

	channel.mu.Lock()
	defer channel.mu.Unlock()

	assert.Equal(t, r.Base, channel.unprotect[0])
	assert.Len(t, channel.copies, 1, "the content must not be re-read for a write-protect fault")
}

func TestLargerRegionPageSize(t *testing.T) {
	t.Parallel()

	buf, _, channel, _ := newTestEngine(t)

	large := region.New(0x7f1000000000, 8*16*testPageSize, 16*testPageSize, &patternStore{fill: 0x17})

	buf.ProcessPageEvents(large, []uintptr{large.Base}, []bool{false})

	waitFor(t, func() bool {
		channel.mu.Lock()
		defer channel.mu.Unlock()

		return len(channel.copies) == 1
	})

	channel.mu.Lock()
	defer channel.mu.Unlock()

	assert.Len(t, channel.copies[0].data, int(16*testPageSize), "the scratch buffer must match the region page size")
}
