// Package sim provides in-memory stand-ins for the capture service, buffer
// allocator and encode engine. The daemon runs on them and tests use them
// to drive the pipeline end to end.
package sim

import (
	"encoding/binary"
	"hash/adler32"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/camera"
	"github.com/lanikai/alohacam/internal/logging"
)

var log = logging.DefaultLogger.WithTag("sim")

const defaultFrameInterval = 33 * time.Millisecond

// Operations that can be made to fail with Service.Fail.
const (
	OpStartChannel = "start-channel"
	OpStopChannel  = "stop-channel"
	OpStartStream  = "start-stream"
	OpStopStream   = "stop-stream"
	OpConfigStream = "config-stream"
	OpReprocess    = "reprocess"
	OpMap          = "map"
)

type Config struct {
	// Pace of continuous-mode channels.
	FrameInterval time.Duration
}

type Stats struct {
	Captured      int
	Dropped       int
	Reprocessed   int
	DoubleReturns int

	// Buffers currently held by the client.
	Outstanding int
}

// Service is a capture service backed by memory. Frames carry a synthetic
// NV21 test pattern; metadata buffers carry the frame index and timestamp.
type Service struct {
	cfg Config

	mu       sync.Mutex
	next     camera.Handle
	channels map[camera.Handle]*channel
	streams  map[camera.Handle]*stream
	failures map[string]error
	stats    Stats
	start    time.Time

	// Asynchronous deliveries in flight.
	wg sync.WaitGroup
}

type channel struct {
	handle camera.Handle
	attr   camera.ChannelAttr
	cb     camera.SuperBufFunc

	running  bool
	frameIdx uint32

	// Bumped by CancelSuperBufRequest and StopChannel to end bursts.
	gen uint32

	stop chan struct{}
	done chan struct{}
}

type stream struct {
	ch       camera.Handle
	handle   camera.Handle
	serverID camera.Handle
	cfg      camera.StreamConfig

	configured bool
	running    bool

	// queued[i] is true while the service holds buffer i.
	queued []bool

	mapped []byte
}

func NewService(cfg Config) *Service {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = defaultFrameInterval
	}
	return &Service{
		cfg:      cfg,
		next:     0x10,
		channels: make(map[camera.Handle]*channel),
		streams:  make(map[camera.Handle]*stream),
		failures: make(map[string]error),
		start:    time.Now(),
	}
}

// Fail makes op return err until cleared with a nil err.
func (s *Service) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
	} else {
		s.failures[op] = err
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	for _, str := range s.streams {
		for _, q := range str.queued {
			if !q {
				st.Outstanding++
			}
		}
	}
	return st
}

// Wait blocks until asynchronous deliveries have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) AddChannel(attr camera.ChannelAttr, cb camera.SuperBufFunc) (camera.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	s.channels[s.next] = &channel{handle: s.next, attr: attr, cb: cb}
	return s.next, nil
}

func (s *Service) DeleteChannel(ch camera.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[ch]
	if !ok {
		return errors.Wrapf(camera.ErrInvalidHandle, "channel %d", ch)
	}
	if c.running {
		return errors.Wrapf(camera.ErrState, "channel %d still running", ch)
	}
	for h, str := range s.streams {
		if str.ch == ch {
			delete(s.streams, h)
		}
	}
	delete(s.channels, ch)
	return nil
}

func (s *Service) StartChannel(ch camera.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[OpStartChannel]; err != nil {
		return err
	}
	c, ok := s.channels[ch]
	if !ok {
		return errors.Wrapf(camera.ErrInvalidHandle, "channel %d", ch)
	}
	if c.running {
		return errors.Wrapf(camera.ErrState, "channel %d already running", ch)
	}
	c.running = true

	if c.attr.Mode == camera.NotifyContinuous {
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go s.produce(c, c.stop, c.done)
	}
	return nil
}

func (s *Service) StopChannel(ch camera.Handle) error {
	s.mu.Lock()
	c, ok := s.channels[ch]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(camera.ErrInvalidHandle, "channel %d", ch)
	}
	c.running = false
	c.gen++
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	err := s.failures[OpStopChannel]
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return err
}

// produce generates continuous-mode frames, one per running stream per tick,
// on each stream's own callback.
func (s *Service) produce(c *channel, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		type delivery struct {
			cb    camera.SuperBufFunc
			frame *camera.SuperBuf
		}
		var out []delivery

		s.mu.Lock()
		c.frameIdx++
		for _, str := range s.sortedStreams(c.handle) {
			if !str.running || str.cfg.Info.Type == camera.StreamOfflineProc {
				continue
			}
			buf := s.fill(str, c.frameIdx)
			if buf == nil {
				s.stats.Dropped++
				continue
			}
			s.stats.Captured++
			out = append(out, delivery{str.cfg.Callback, &camera.SuperBuf{
				ChannelID: c.handle,
				Bufs:      []*camera.BufDef{buf},
			}})
		}
		s.mu.Unlock()

		for _, d := range out {
			d.cb(d.frame)
		}
	}
}

func (s *Service) RequestSuperBuf(ch camera.Handle, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[ch]
	if !ok {
		return errors.Wrapf(camera.ErrInvalidHandle, "channel %d", ch)
	}
	if !c.running || c.attr.Mode != camera.NotifyBurst {
		return errors.Wrapf(camera.ErrState, "channel %d not capturing bursts", ch)
	}

	gen := c.gen
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for i := 0; i < n; i++ {
			s.mu.Lock()
			if c.gen != gen || !c.running {
				s.mu.Unlock()
				return
			}
			frame := s.capture(c)
			s.mu.Unlock()

			if frame != nil && c.cb != nil {
				c.cb(frame)
			}
		}
	}()
	return nil
}

func (s *Service) CancelSuperBufRequest(ch camera.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[ch]
	if !ok {
		return errors.Wrapf(camera.ErrInvalidHandle, "channel %d", ch)
	}
	c.gen++
	return nil
}

// capture assembles one bundle across the running streams of c. A bundle is
// all or nothing: if any stream is out of buffers the frame is dropped.
func (s *Service) capture(c *channel) *camera.SuperBuf {
	var streams []*stream
	for _, str := range s.sortedStreams(c.handle) {
		if str.running && str.cfg.Info.Type != camera.StreamOfflineProc {
			if freeIndex(str.queued) < 0 {
				s.stats.Dropped++
				log.Debug("channel %d: stream %d out of buffers, frame dropped", c.handle, str.handle)
				return nil
			}
			streams = append(streams, str)
		}
	}
	if len(streams) == 0 {
		return nil
	}

	c.frameIdx++
	frame := &camera.SuperBuf{ChannelID: c.handle}
	for _, str := range streams {
		frame.Bufs = append(frame.Bufs, s.fill(str, c.frameIdx))
	}
	s.stats.Captured++
	return frame
}

// fill takes a free buffer of str, writes frame content into it and returns
// its descriptor, or nil if none is free.
func (s *Service) fill(str *stream, frameIdx uint32) *camera.BufDef {
	i := freeIndex(str.queued)
	if i < 0 {
		return nil
	}
	str.queued[i] = false

	if mem := str.cfg.Mem; mem != nil {
		data := mem.Bytes(i)
		info := str.cfg.Info
		if info.Type == camera.StreamMetadata {
			writeMetadata(data, frameIdx, time.Since(s.start))
		} else {
			writePattern(data, info.Dim, frameIdx)
		}
	}

	return &camera.BufDef{
		StreamID:   str.handle,
		StreamType: str.cfg.Info.Type,
		Index:      i,
		FrameIdx:   frameIdx,
	}
}

func freeIndex(queued []bool) int {
	for i, q := range queued {
		if q {
			return i
		}
	}
	return -1
}

// sortedStreams returns the streams of ch in creation order. Callers hold mu.
func (s *Service) sortedStreams(ch camera.Handle) []*stream {
	var out []*stream
	for h := camera.Handle(0); h <= s.next; h++ {
		if str, ok := s.streams[h]; ok && str.ch == ch {
			out = append(out, str)
		}
	}
	return out
}

func (s *Service) GetBundleInfo(ch, _ camera.Handle) (camera.BundleInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[ch]; !ok {
		return camera.BundleInfo{}, errors.Wrapf(camera.ErrInvalidHandle, "channel %d", ch)
	}
	info := camera.BundleInfo{BundleID: ch}
	for _, str := range s.sortedStreams(ch) {
		if str.configured && str.cfg.Info.Type != camera.StreamOfflineProc {
			info.StreamIDs = append(info.StreamIDs, str.serverID)
		}
	}
	return info, nil
}

func (s *Service) AddStream(ch camera.Handle) (camera.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[ch]; !ok {
		return 0, errors.Wrapf(camera.ErrInvalidHandle, "channel %d", ch)
	}
	s.next++
	s.streams[s.next] = &stream{ch: ch, handle: s.next}
	return s.next, nil
}

func (s *Service) ConfigStream(ch, h camera.Handle, cfg camera.StreamConfig) (camera.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[OpConfigStream]; err != nil {
		return 0, err
	}
	str, err := s.lookup(ch, h)
	if err != nil {
		return 0, err
	}
	n := cfg.Info.NumBufs
	if cfg.Mem != nil {
		n = cfg.Mem.Count()
	}
	str.cfg = cfg
	str.configured = true
	str.serverID = h | 0x1000
	str.queued = make([]bool, n)
	for i := range str.queued {
		str.queued[i] = true
	}
	return str.serverID, nil
}

func (s *Service) DeleteStream(ch, h camera.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	str, err := s.lookup(ch, h)
	if err != nil {
		return err
	}
	if str.running {
		return errors.Wrapf(camera.ErrState, "stream %d still running", h)
	}
	delete(s.streams, h)
	return nil
}

func (s *Service) StartStream(ch, h camera.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[OpStartStream]; err != nil {
		return err
	}
	str, err := s.lookup(ch, h)
	if err != nil {
		return err
	}
	str.running = true
	return nil
}

func (s *Service) StopStream(ch, h camera.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	str, err := s.lookup(ch, h)
	if err != nil {
		return err
	}
	str.running = false
	return s.failures[OpStopStream]
}

func (s *Service) QueueBuf(ch, h camera.Handle, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	str, err := s.lookup(ch, h)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(str.queued) {
		return errors.Wrapf(camera.ErrInvalidHandle, "stream %d buffer %d", h, index)
	}
	if str.queued[index] {
		s.stats.DoubleReturns++
		log.Warn("stream %d: buffer %d returned twice", h, index)
		return errors.Wrapf(camera.ErrState, "stream %d buffer %d already queued", h, index)
	}
	str.queued[index] = true
	return nil
}

func (s *Service) MapStreamBuf(ch, h camera.Handle, t camera.BufType, index, fd, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[OpMap]; err != nil {
		return err
	}
	str, err := s.lookup(ch, h)
	if err != nil {
		return err
	}
	if t != camera.BufTypeOfflineInput {
		return errors.Errorf("stream %d: mapping buffer type %d not supported", h, t)
	}
	if str.mapped != nil {
		return errors.Wrapf(camera.ErrState, "stream %d: offline input already mapped", h)
	}

	data, err := mmap(fd, length)
	if err != nil {
		return errors.Wrapf(err, "stream %d: map fd %d", h, fd)
	}
	str.mapped = data
	return nil
}

func (s *Service) UnmapStreamBuf(ch, h camera.Handle, t camera.BufType, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	str, err := s.lookup(ch, h)
	if err != nil {
		return err
	}
	if str.mapped == nil {
		return errors.Wrapf(camera.ErrState, "stream %d: nothing mapped", h)
	}
	err = munmap(str.mapped)
	str.mapped = nil
	return err
}

func (s *Service) SetStreamParm(ch, h camera.Handle, parm *camera.StreamParm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	str, err := s.lookup(ch, h)
	if err != nil {
		return err
	}

	switch parm.Type {
	case camera.ParmSetBundleInfo:
		log.Trace(3, "stream %d bundled with %v", h, parm.Bundle.StreamIDs)
		return nil

	case camera.ParmDoReprocess:
		if err := s.failures[OpReprocess]; err != nil {
			return err
		}
		if str.cfg.Info.Type != camera.StreamOfflineProc {
			return errors.Errorf("stream %d is not a reprocess stream", h)
		}
		if parm.Reprocess.Mode == camera.ReprocessOffline {
			return s.reprocessOffline(str, parm)
		}
		return s.reprocessOnline(str, &parm.Reprocess)
	}
	return errors.Errorf("stream %d: unknown parameter type %d", h, parm.Type)
}

// reprocessOnline copies a source buffer into a free buffer of the derived
// stream, rotating it when asked, and delivers the result asynchronously.
func (s *Service) reprocessOnline(str *stream, rp *camera.ReprocessParm) error {
	if !str.running {
		return errors.Wrapf(camera.ErrState, "stream %d not running", str.handle)
	}

	rc := str.cfg.Info.Reprocess
	var src *stream
	for _, o := range s.streams {
		if o.serverID == rc.SrcServerID {
			src = o
			break
		}
	}
	if src == nil {
		return errors.Wrapf(camera.ErrNotFound, "source stream %d", rc.SrcServerID)
	}
	if rp.BufIndex < 0 || rp.BufIndex >= len(src.queued) {
		return errors.Wrapf(camera.ErrInvalidHandle, "source buffer %d", rp.BufIndex)
	}

	i := freeIndex(str.queued)
	if i < 0 {
		return errors.Wrapf(camera.ErrOutOfMemory, "stream %d out of buffers", str.handle)
	}
	str.queued[i] = false

	if src.cfg.Mem != nil && str.cfg.Mem != nil {
		in, out := src.cfg.Mem.Bytes(rp.BufIndex), str.cfg.Mem.Bytes(i)
		if rc.Feature.Has(camera.FeatureRotation) && rc.Feature.Rotation.Quarter() {
			rotatePlane(out, in, src.cfg.Info.Dim, rc.Feature.Rotation)
		} else {
			copy(out, in)
		}
	}
	s.stats.Reprocessed++

	frame := &camera.SuperBuf{
		ChannelID: str.ch,
		Bufs: []*camera.BufDef{{
			StreamID:   str.handle,
			StreamType: camera.StreamOfflineProc,
			Index:      i,
			FrameIdx:   rp.FrameIdx,
		}},
	}
	cb := str.cfg.Callback
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if cb != nil {
			cb(frame)
		}
	}()
	return nil
}

// reprocessOffline checksums the mapped input. The checksum is the result.
func (s *Service) reprocessOffline(str *stream, parm *camera.StreamParm) error {
	if str.mapped == nil {
		return errors.Wrapf(camera.ErrState, "stream %d: no offline input mapped", str.handle)
	}
	parm.Reprocess.Result = int32(adler32.Checksum(str.mapped))
	s.stats.Reprocessed++
	return nil
}

func (s *Service) lookup(ch, h camera.Handle) (*stream, error) {
	str, ok := s.streams[h]
	if !ok || str.ch != ch {
		return nil, errors.Wrapf(camera.ErrInvalidHandle, "stream %d on channel %d", h, ch)
	}
	return str, nil
}

// MetadataFrameIdx decodes the frame index written into a metadata buffer.
func MetadataFrameIdx(meta []byte) uint32 {
	if len(meta) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(meta)
}

func writeMetadata(data []byte, frameIdx uint32, ts time.Duration) {
	if len(data) < 12 {
		return
	}
	binary.LittleEndian.PutUint32(data, frameIdx)
	binary.LittleEndian.PutUint64(data[4:], uint64(ts))
}
