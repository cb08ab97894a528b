package camera

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

var errDriver = errors.New("driver failure")

type parmCall struct {
	stream Handle
	parm   StreamParm
}

type fakeStream struct {
	ch       Handle
	serverID Handle
	cfg      StreamConfig
	running  bool
}

// fakeService records calls made by channels and streams.
type fakeService struct {
	mu sync.Mutex

	next     Handle
	channels map[Handle]SuperBufFunc
	streams  map[Handle]*fakeStream
	running  map[Handle]bool

	// Server ids reported by GetBundleInfo. Nil means all streams of the channel.
	bundle []Handle

	parms    []parmCall
	queued   []int
	queuedBy map[Handle]int
	calls    []string

	failStartChannel error
	failStopChannel  error
	failStartStream  map[StreamType]error
	failStopStream   map[StreamType]error
	failConfig       error
	failParm         error
	failMap          error
	failParmOn       Handle

	offlineResult int32
}

func newFakeService() *fakeService {
	return &fakeService{
		next:            100,
		channels:        make(map[Handle]SuperBufFunc),
		streams:         make(map[Handle]*fakeStream),
		running:         make(map[Handle]bool),
		queuedBy:        make(map[Handle]int),
		failStartStream: make(map[StreamType]error),
		failStopStream:  make(map[StreamType]error),
	}
}

func (f *fakeService) record(format string, a ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, a...))
}

func (f *fakeService) AddChannel(attr ChannelAttr, cb SuperBufFunc) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.channels[f.next] = cb
	f.record("add-channel %d", f.next)
	return f.next, nil
}

func (f *fakeService) DeleteChannel(ch Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, ch)
	f.record("delete-channel %d", ch)
	return nil
}

func (f *fakeService) StartChannel(ch Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start-channel %d", ch)
	return f.failStartChannel
}

func (f *fakeService) StopChannel(ch Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop-channel %d", ch)
	return f.failStopChannel
}

func (f *fakeService) RequestSuperBuf(ch Handle, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("request %d %d", ch, n)
	return nil
}

func (f *fakeService) CancelSuperBufRequest(ch Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("cancel %d", ch)
	return nil
}

func (f *fakeService) GetBundleInfo(ch, stream Handle) (BundleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := BundleInfo{BundleID: ch, StreamIDs: f.bundle}
	if info.StreamIDs == nil {
		for _, s := range f.streams {
			if s.ch == ch {
				info.StreamIDs = append(info.StreamIDs, s.serverID)
			}
		}
	}
	return info, nil
}

func (f *fakeService) AddStream(ch Handle) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.streams[f.next] = &fakeStream{ch: ch}
	return f.next, nil
}

func (f *fakeService) ConfigStream(ch, stream Handle, cfg StreamConfig) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConfig != nil {
		return 0, f.failConfig
	}
	s := f.streams[stream]
	s.cfg = cfg
	s.serverID = stream + 1000
	return s.serverID, nil
}

func (f *fakeService) DeleteStream(ch, stream Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, stream)
	f.record("delete-stream %d", stream)
	return nil
}

func (f *fakeService) StartStream(ch, stream Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.streams[stream]
	if err := f.failStartStream[s.cfg.Info.Type]; err != nil {
		return err
	}
	s.running = true
	f.record("start-stream %d", stream)
	return nil
}

func (f *fakeService) StopStream(ch, stream Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.streams[stream]
	s.running = false
	f.record("stop-stream %d", stream)
	return f.failStopStream[s.cfg.Info.Type]
}

func (f *fakeService) QueueBuf(ch, stream Handle, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, index)
	f.queuedBy[stream]++
	return nil
}

func (f *fakeService) MapStreamBuf(ch, stream Handle, t BufType, index, fd, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("map %d fd=%d len=%d", stream, fd, length)
	return f.failMap
}

func (f *fakeService) UnmapStreamBuf(ch, stream Handle, t BufType, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unmap %d", stream)
	return nil
}

func (f *fakeService) SetStreamParm(ch, stream Handle, parm *StreamParm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parms = append(f.parms, parmCall{stream, *parm})
	if f.failParm != nil && (f.failParmOn == 0 || f.failParmOn == stream) {
		return f.failParm
	}
	if parm.Reprocess.Mode == ReprocessOffline {
		parm.Reprocess.Result = f.offlineResult
	}
	return nil
}

func (f *fakeService) isRunning(stream Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[stream]
	return ok && s.running
}

func (f *fakeService) queuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued)
}

// deliver invokes the data callback registered by stream.
func (f *fakeService) deliver(stream Handle, frame *SuperBuf) {
	f.mu.Lock()
	cb := f.streams[stream].cfg.Callback
	f.mu.Unlock()
	cb(frame)
}

type fakeMemory struct {
	count, size int
	freed       bool
}

func (m *fakeMemory) Count() int { return m.count }
func (m *fakeMemory) Size() int { return m.size }
func (m *fakeMemory) Bytes(i int) []byte { return nil }
func (m *fakeMemory) Deallocate() { m.freed = true }

type fakeAllocator struct {
	failAllocate bool
	failInfoAt   int // fail the n-th StreamInfoBuf call, 1-based
	infoCalls    int
	pools        []*fakeMemory
}

func (a *fakeAllocator) Allocate(count, size int) (Memory, error) {
	if a.failAllocate {
		return nil, errors.New("no memory")
	}
	m := &fakeMemory{count: count, size: size}
	a.pools = append(a.pools, m)
	return m, nil
}

func (a *fakeAllocator) StreamInfoBuf(t StreamType) (*StreamInfo, error) {
	a.infoCalls++
	if a.failInfoAt == a.infoCalls {
		return nil, errors.New("no memory")
	}
	return &StreamInfo{Type: t}, nil
}

func fmtHandle(h Handle) string {
	return fmt.Sprintf("%d", h)
}
