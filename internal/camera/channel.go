package camera

import (
	"sync/atomic"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// MaxStreamsPerChannel bounds the streams a single bundle can hold.
const MaxStreamsPerChannel = 4

// A Channel bundles streams that are started and stopped together and share
// one driver channel. Control methods must be called from a single goroutine;
// BufDone may be called from any goroutine.
type Channel struct {
	svc   Service
	alloc Allocator

	handle  Handle
	streams []*Stream
	active  bool

	// Descriptors handed back that matched no stream in this channel.
	unmatched uint32
}

func NewChannel(svc Service, alloc Allocator) *Channel {
	return &Channel{
		svc:     svc,
		alloc:   alloc,
		streams: make([]*Stream, 0, MaxStreamsPerChannel),
	}
}

// Init creates the driver channel. cb, if not nil, receives bundled
// super-buffers.
func (c *Channel) Init(attr ChannelAttr, cb SuperBufFunc) error {
	if c.handle != 0 {
		return errors.Wrapf(ErrState, "channel %d already initialized", c.handle)
	}
	h, err := c.svc.AddChannel(attr, cb)
	if err != nil {
		return errors.Wrap(err, "add channel")
	}
	c.handle = h
	return nil
}

// Close stops the channel if needed, then deletes its streams and the driver
// channel.
func (c *Channel) Close() error {
	var result *multierror.Error
	if c.active {
		if err := c.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, s := range c.streams {
		if err := s.deinit(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.streams = c.streams[:0]

	if c.handle != 0 {
		if err := c.svc.DeleteChannel(c.handle); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "delete channel %d", c.handle))
		}
		c.handle = 0
	}
	return result.ErrorOrNil()
}

func (c *Channel) Handle() Handle {
	return c.handle
}

func (c *Channel) IsActive() bool {
	return c.active
}

func (c *Channel) NumStreams() int {
	return len(c.streams)
}

// AddStream creates a stream from info and appends it to the bundle. A
// stream that fails to initialize is discarded.
func (c *Channel) AddStream(info *StreamInfo, cb StreamFunc) (*Stream, error) {
	if len(c.streams) >= MaxStreamsPerChannel {
		return nil, errors.Wrapf(ErrCapacityExceeded, "channel %d holds %d streams", c.handle, len(c.streams))
	}
	if info == nil {
		return nil, errors.Wrap(ErrOutOfMemory, "no stream info")
	}

	s := newStream(c.svc, c.alloc, c.handle, info, cb)
	if err := s.init(); err != nil {
		return nil, err
	}
	c.streams = append(c.streams, s)
	return s, nil
}

// Start pushes bundle info to the bundled streams, starts every stream, then
// starts the driver channel. If anything fails, streams started by this call
// are stopped again before the error is returned.
func (c *Channel) Start() error {
	if c.active {
		return errors.Wrapf(ErrState, "channel %d already started", c.handle)
	}

	if len(c.streams) > 1 {
		if err := c.propagateBundle(); err != nil {
			return err
		}
	}

	started := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		if err := s.Start(); err != nil {
			c.rollback(started)
			return err
		}
		started = append(started, s)
	}

	if err := c.svc.StartChannel(c.handle); err != nil {
		c.rollback(started)
		return errors.Wrapf(err, "start channel %d", c.handle)
	}

	c.active = true
	return nil
}

func (c *Channel) propagateBundle() error {
	bundle, err := c.svc.GetBundleInfo(c.handle, c.streams[0].Handle())
	if err != nil {
		return errors.Wrapf(err, "get bundle info for channel %d", c.handle)
	}

	for _, id := range bundle.StreamIDs {
		s := c.StreamByServerID(id)
		if s == nil {
			log.Debug("channel %d: bundled server id %d has no local stream", c.handle, id)
			continue
		}
		if s.IsTypeOf(StreamMetadata) {
			continue
		}
		parm := StreamParm{Type: ParmSetBundleInfo, Bundle: bundle}
		if err := s.SetParameter(&parm); err != nil {
			log.Error("channel %d: set bundle info on stream %d: %v", c.handle, s.Handle(), err)
		}
	}
	return nil
}

func (c *Channel) rollback(started []*Stream) {
	for _, s := range started {
		if err := s.Stop(); err != nil {
			log.Warn("channel %d: rollback %v", c.handle, err)
		}
	}
}

// Stop stops the driver channel and then every stream. A failure on one
// stream does not keep the others running; all failures are returned
// together.
func (c *Channel) Stop() error {
	if !c.active {
		return errors.Wrapf(ErrState, "channel %d not started", c.handle)
	}

	var result *multierror.Error
	if err := c.svc.StopChannel(c.handle); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "stop channel %d", c.handle))
	}
	for _, s := range c.streams {
		if !s.IsActive() {
			continue
		}
		if err := s.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.active = false
	return result.ErrorOrNil()
}

// RequestBurst asks the driver for n bundled captures.
func (c *Channel) RequestBurst(n int) error {
	if err := c.svc.RequestSuperBuf(c.handle, n); err != nil {
		return errors.Wrapf(err, "request %d frames on channel %d", n, c.handle)
	}
	return nil
}

func (c *Channel) CancelBurst() error {
	if err := c.svc.CancelSuperBufRequest(c.handle); err != nil {
		return errors.Wrapf(err, "cancel request on channel %d", c.handle)
	}
	return nil
}

// BufDone returns every buffer of frame to the stream that owns it.
// Descriptors that match no stream are logged, counted and skipped.
func (c *Channel) BufDone(frame *SuperBuf) error {
	if frame == nil {
		return nil
	}

	var first error
	for _, buf := range frame.Bufs {
		s := c.StreamByHandle(buf.StreamID)
		if s == nil {
			atomic.AddUint32(&c.unmatched, 1)
			log.Warn("channel %d: no stream %d for returned buffer %d", c.handle, buf.StreamID, buf.Index)
			continue
		}
		if err := s.ReturnBuffer(buf.Index); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// UnmatchedReturns counts descriptors BufDone could not place.
func (c *Channel) UnmatchedReturns() int {
	return int(atomic.LoadUint32(&c.unmatched))
}

func (c *Channel) StreamByHandle(h Handle) *Stream {
	for _, s := range c.streams {
		if s.Handle() == h {
			return s
		}
	}
	return nil
}

func (c *Channel) StreamByServerID(id Handle) *Stream {
	for _, s := range c.streams {
		if s.ServerID() == id {
			return s
		}
	}
	return nil
}

func (c *Channel) StreamByIndex(i int) *Stream {
	if i < 0 || i >= len(c.streams) {
		return nil
	}
	return c.streams[i]
}
