package sim

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/camera"
)

// Allocator hands out heap-backed buffer pools and tracks how many are live.
type Allocator struct {
	mu          sync.Mutex
	outstanding int
	failAlloc   error
}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// FailAllocate makes Allocate return err until cleared with nil.
func (a *Allocator) FailAllocate(err error) {
	a.mu.Lock()
	a.failAlloc = err
	a.mu.Unlock()
}

func (a *Allocator) Allocate(count, size int) (camera.Memory, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failAlloc != nil {
		return nil, a.failAlloc
	}
	if count <= 0 || size < 0 {
		return nil, errors.Errorf("bad pool geometry %dx%d", count, size)
	}

	m := &heapMemory{a: a, size: size, bufs: make([][]byte, count)}
	for i := range m.bufs {
		m.bufs[i] = make([]byte, size)
	}
	a.outstanding++
	return m, nil
}

func (a *Allocator) StreamInfoBuf(t camera.StreamType) (*camera.StreamInfo, error) {
	return &camera.StreamInfo{Type: t}, nil
}

// Outstanding returns the number of pools not yet deallocated.
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding
}

type heapMemory struct {
	a     *Allocator
	size  int
	bufs  [][]byte
	freed int32
}

func (m *heapMemory) Count() int {
	return len(m.bufs)
}

func (m *heapMemory) Size() int {
	return m.size
}

func (m *heapMemory) Bytes(i int) []byte {
	if i < 0 || i >= len(m.bufs) {
		return nil
	}
	return m.bufs[i]
}

func (m *heapMemory) Deallocate() {
	if !atomic.CompareAndSwapInt32(&m.freed, 0, 1) {
		return
	}
	m.a.mu.Lock()
	m.a.outstanding--
	m.a.mu.Unlock()
}
