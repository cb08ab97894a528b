package camera

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/queue"
)

// StreamFunc receives frames delivered on a single stream. The frame belongs
// to the callee, which returns it through the owning Channel.
type StreamFunc func(frame *SuperBuf, s *Stream)

// A Stream is one buffer source within a Channel. It owns a buffer pool and
// the single data registration with the capture service. Control calls come
// only from the owning Channel; frames arrive on driver goroutines and are
// handed to a per-stream dispatch goroutine.
type Stream struct {
	svc   Service
	alloc Allocator

	chHandle Handle
	handle   Handle
	serverID Handle

	info StreamInfo
	mem  Memory
	cb   StreamFunc

	active int32

	dataQ *queue.Queue
	proc  *queue.CmdThread
}

func newStream(svc Service, alloc Allocator, ch Handle, info *StreamInfo, cb StreamFunc) *Stream {
	s := &Stream{
		svc:      svc,
		alloc:    alloc,
		chHandle: ch,
		info:     *info,
		cb:       cb,
		proc:     queue.NewCmdThread(),
	}
	s.dataQ = queue.New(func(item interface{}) {
		s.returnFrame(item.(*SuperBuf))
	})
	return s
}

// init registers the stream with the service and allocates its pool. On
// failure everything acquired so far is given back.
func (s *Stream) init() error {
	mem, err := s.alloc.Allocate(s.info.NumBufs, s.info.FrameLen())
	if err != nil {
		return errors.Wrapf(ErrOutOfMemory, "allocate %d %s buffers: %v", s.info.NumBufs, s.info.Type, err)
	}
	s.mem = mem

	h, err := s.svc.AddStream(s.chHandle)
	if err != nil {
		s.release()
		return errors.Wrapf(err, "add %s stream", s.info.Type)
	}
	s.handle = h

	serverID, err := s.svc.ConfigStream(s.chHandle, h, StreamConfig{
		Info:     s.info,
		Mem:      s.mem,
		Callback: s.dataNotify,
	})
	if err != nil {
		if derr := s.svc.DeleteStream(s.chHandle, h); derr != nil {
			log.Warn("delete stream %d after failed config: %v", h, derr)
		}
		s.handle = 0
		s.release()
		return errors.Wrapf(err, "config %s stream %d", s.info.Type, h)
	}
	s.serverID = serverID

	log.Debug("stream %d (%s, server id %d) %v x%d", h, s.info.Type, serverID, s.info.Dim, s.info.NumBufs)
	return nil
}

// deinit unregisters the stream and frees its pool.
func (s *Stream) deinit() error {
	var err error
	if s.handle != 0 {
		err = s.svc.DeleteStream(s.chHandle, s.handle)
		s.handle = 0
	}
	s.release()
	return err
}

func (s *Stream) release() {
	if s.mem != nil {
		s.mem.Deallocate()
		s.mem = nil
	}
}

func (s *Stream) Handle() Handle {
	return s.handle
}

func (s *Stream) ServerID() Handle {
	return s.serverID
}

func (s *Stream) ChannelHandle() Handle {
	return s.chHandle
}

func (s *Stream) Type() StreamType {
	return s.info.Type
}

// Info returns a copy of the stream's configuration.
func (s *Stream) Info() StreamInfo {
	return s.info
}

func (s *Stream) Format() Format {
	return s.info.Format
}

func (s *Stream) Dim() Dim {
	return s.info.Dim
}

// Memory returns the stream's buffer pool.
func (s *Stream) Memory() Memory {
	return s.mem
}

func (s *Stream) IsTypeOf(t StreamType) bool {
	return s.info.Type == t
}

// IsOriginalTypeOf reports whether s reprocesses a stream of type t.
func (s *Stream) IsOriginalTypeOf(t StreamType) bool {
	return s.info.Type == StreamOfflineProc && s.info.Reprocess.SrcType == t
}

func (s *Stream) IsActive() bool {
	return atomic.LoadInt32(&s.active) == 1
}

// Start launches the dispatch goroutine and starts the stream in the driver.
func (s *Stream) Start() error {
	if s.IsActive() {
		return errors.Wrapf(ErrState, "stream %d already started", s.handle)
	}

	s.proc.Launch(s.dataProcRoutine)
	if err := s.svc.StartStream(s.chHandle, s.handle); err != nil {
		s.proc.Exit()
		return errors.Wrapf(err, "start stream %d", s.handle)
	}
	atomic.StoreInt32(&s.active, 1)
	return nil
}

// Stop stops the stream in the driver and tears down dispatch. Queued frames
// are returned to the pool. The stream ends up stopped even when the driver
// reports an error.
func (s *Stream) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.active, 1, 0) {
		return errors.Wrapf(ErrState, "stream %d not started", s.handle)
	}

	err := s.svc.StopStream(s.chHandle, s.handle)

	s.proc.SendCmd(queue.CmdStopDataProc, true, true)
	s.proc.Exit()

	// Frames that raced in after the dispatcher stopped.
	s.dataQ.Flush()

	if err != nil {
		return errors.Wrapf(err, "stop stream %d", s.handle)
	}
	return nil
}

// ReturnBuffer hands buffer index back to the pool.
func (s *Stream) ReturnBuffer(index int) error {
	if s.mem == nil || index < 0 || index >= s.mem.Count() {
		return errors.Wrapf(ErrInvalidHandle, "stream %d buffer index %d", s.handle, index)
	}
	return s.svc.QueueBuf(s.chHandle, s.handle, index)
}

// SetParameter forwards parm to the driver. The driver's status is returned
// as is.
func (s *Stream) SetParameter(parm *StreamParm) error {
	return s.svc.SetStreamParm(s.chHandle, s.handle, parm)
}

// MapBuf maps an external buffer into the stream.
func (s *Stream) MapBuf(t BufType, index, fd, length int) error {
	return s.svc.MapStreamBuf(s.chHandle, s.handle, t, index, fd, length)
}

func (s *Stream) UnmapBuf(t BufType, index int) error {
	return s.svc.UnmapStreamBuf(s.chHandle, s.handle, t, index)
}

// dataNotify is the driver's entry point. It runs on a driver goroutine.
func (s *Stream) dataNotify(frame *SuperBuf) {
	if frame == nil {
		return
	}
	if s.cb == nil || !s.IsActive() {
		s.returnFrame(frame)
		return
	}
	if !s.dataQ.Enqueue(frame) {
		s.returnFrame(frame)
		return
	}
	s.proc.SendCmd(queue.CmdDoNextJob, false, false)
}

func (s *Stream) dataProcRoutine(t *queue.CmdThread) {
	for {
		switch t.WaitCmd() {
		case queue.CmdDoNextJob:
			if frame, ok := s.dataQ.Dequeue().(*SuperBuf); ok {
				s.cb(frame, s)
			}
		case queue.CmdStopDataProc:
			s.dataQ.Flush()
			t.SyncDone()
		case queue.CmdExit:
			return
		}
	}
}

func (s *Stream) returnFrame(frame *SuperBuf) {
	for _, buf := range frame.Bufs {
		if err := s.ReturnBuffer(buf.Index); err != nil {
			log.Error("return buffer %d: %v", buf.Index, err)
		}
	}
}
