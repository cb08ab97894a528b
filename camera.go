package alohacam

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/camera"
	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/notify"
	"github.com/lanikai/alohacam/internal/postproc"
)

var log = logging.DefaultLogger.WithTag("alohacam")

const (
	previewBufs  = 4
	metadataBufs = 4
)

// Camera drives preview and still capture on a capture service. Pictures
// are encoded by the post-processor and delivered, like every other
// notification, through the application callbacks in Config.
type Camera struct {
	cfg Config

	notifier *notify.Notifier
	pp       *postproc.PostProcessor
	events   *Broadcaster

	enabled uint32 // notify.MsgType

	// Serializes control operations. Never taken by callbacks.
	opMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	preview *camera.Channel
	capture *camera.Channel
	request string
	done    chan struct{}
}

// Open prepares a camera. Nothing is captured until StartPreview or
// TakePicture.
func Open(cfg Config) (*Camera, error) {
	if cfg.Service == nil || cfg.Allocator == nil || cfg.Encoder == nil {
		return nil, errNotConfigured
	}
	cfg.applyDefaults()

	c := &Camera{
		cfg:     cfg,
		events:  NewBroadcaster(),
		enabled: uint32(cfg.Messages),
	}
	c.notifier = notify.New(notify.Config{
		Callbacks: notify.Callbacks{
			Notify:        c.onNotify,
			Data:          c.onData,
			DataTimestamp: c.onDataTimestamp,
		},
		Enabled:        c.MsgTypeEnabled,
		OnCountReached: c.onSnapshotsDone,
		MaxPending:     cfg.MaxPendingNotifications,
	})

	feature := camera.FeatureConfig{}
	if cfg.Reprocess && cfg.Rotation != camera.Rotate0 {
		feature.Mask |= camera.FeatureRotation
		feature.Rotation = cfg.Rotation
	}
	c.pp = postproc.New(postproc.Config{
		Service:          cfg.Service,
		Allocator:        cfg.Allocator,
		Channels:         c,
		Notifier:         c.notifier,
		Reprocess:        cfg.Reprocess,
		ReprocessFeature: feature,
		RawPassthrough:   cfg.RawPictures,
		Rotation:         cfg.Rotation,
		Thumbnail:        cfg.ThumbnailSize,
		Quality:          cfg.Quality,
		ThumbQuality:     cfg.Quality,
	})
	if err := c.pp.Init(cfg.Encoder); err != nil {
		c.notifier.Close()
		return nil, errors.Wrap(err, "post-processor")
	}
	return c, nil
}

func (c *Camera) EnableMsgType(m notify.MsgType) {
	for {
		old := atomic.LoadUint32(&c.enabled)
		if atomic.CompareAndSwapUint32(&c.enabled, old, old|uint32(m)) {
			return
		}
	}
}

func (c *Camera) DisableMsgType(m notify.MsgType) {
	for {
		old := atomic.LoadUint32(&c.enabled)
		if atomic.CompareAndSwapUint32(&c.enabled, old, old&^uint32(m)) {
			return
		}
	}
}

// MsgTypeEnabled reports whether every type in m is enabled.
func (c *Camera) MsgTypeEnabled(m notify.MsgType) bool {
	return notify.MsgType(atomic.LoadUint32(&c.enabled))&m == m
}

// Events returns the broadcaster of delivered notifications.
func (c *Camera) Events() Subscriber {
	return c.events
}

// Channel returns the preview or capture channel with handle h.
func (c *Camera) Channel(h camera.Handle) *camera.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range []*camera.Channel{c.preview, c.capture} {
		if ch != nil && ch.Handle() == h {
			return ch
		}
	}
	return nil
}

// StartPreview streams preview frames to the data callback as
// MsgPreviewFrame.
func (c *Camera) StartPreview() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	closed, running := c.closed, c.preview != nil
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if running {
		return nil
	}

	ch, err := c.newChannel(camera.NotifyContinuous, nil, []camera.StreamInfo{
		{Type: camera.StreamPreview, Format: camera.FormatYCbCrNV21, Dim: c.cfg.PreviewSize, NumBufs: previewBufs},
		{Type: camera.StreamMetadata, Format: camera.FormatMetadata, NumBufs: metadataBufs},
	}, c.onPreviewFrame)
	if err != nil {
		return err
	}
	c.setPreview(ch)

	if err := ch.Start(); err != nil {
		c.setPreview(nil)
		closeChannel(ch)
		return errors.Wrap(err, "start preview")
	}
	log.Info("preview started at %v", c.cfg.PreviewSize)
	return nil
}

func (c *Camera) StopPreview() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopPreview()
}

func (c *Camera) stopPreview() error {
	c.mu.Lock()
	ch := c.preview
	c.mu.Unlock()
	if ch == nil {
		return nil
	}

	err := ch.Stop()
	c.setPreview(nil)
	closeChannel(ch)
	return err
}

func (c *Camera) setPreview(ch *camera.Channel) {
	c.mu.Lock()
	c.preview = ch
	c.mu.Unlock()
}

func (c *Camera) onPreviewFrame(frame *camera.SuperBuf, s *camera.Stream) {
	msg := notify.MsgPreviewFrame
	if s.IsTypeOf(camera.StreamMetadata) {
		msg = notify.MsgPreviewMetadata
	}

	buf := frame.Bufs[0]
	item := &notify.Item{
		Category: notify.CategoryData,
		Msg:      msg,
		Data:     s.Memory().Bytes(buf.Index),
		Index:    buf.Index,
		Release: func() {
			if err := s.ReturnBuffer(buf.Index); err != nil {
				log.Warn("return preview buffer %d: %v", buf.Index, err)
			}
		},
	}
	if err := c.notifier.Deliver(item); err != nil {
		log.Debug("preview frame %d dropped: %v", buf.FrameIdx, err)
		item.Release()
	}
}

// TakePicture captures a burst of n pictures. Each picture is delivered to
// the data callback as MsgCompressedImage. The returned id tags the
// events of this request.
func (c *Camera) TakePicture(n int) (string, error) {
	if n < 1 {
		return "", errors.Errorf("bad burst length %d", n)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	closed, busy := c.closed, c.capture != nil
	c.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if busy {
		return "", ErrBusy
	}

	infos := []camera.StreamInfo{
		{Type: camera.StreamSnapshot, Format: camera.FormatYCbCrNV21, Dim: c.cfg.PictureSize, NumBufs: n + 1},
	}
	if c.cfg.ThumbnailSize != (camera.Dim{}) {
		infos = append(infos, camera.StreamInfo{
			Type: camera.StreamPostview, Format: camera.FormatYCbCrNV21, Dim: c.cfg.ThumbnailSize, NumBufs: n + 1,
		})
	}
	infos = append(infos, camera.StreamInfo{Type: camera.StreamMetadata, Format: camera.FormatMetadata, NumBufs: n + 1})

	ch, err := c.newChannel(camera.NotifyBurst, c.pp.ProcessData, infos, nil)
	if err != nil {
		return "", err
	}
	request := uuid.New().String()
	c.mu.Lock()
	c.capture = ch
	c.request = request
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.pp.SetExpectedSnapshots(n)
	if err := c.pp.Start(ch); err != nil {
		c.abortCapture()
		return "", errors.Wrap(err, "start post-processor")
	}
	if err := ch.Start(); err != nil {
		c.pp.Stop()
		c.abortCapture()
		return "", errors.Wrap(err, "start capture")
	}

	c.deliver(&notify.Item{Category: notify.CategoryEvent, Msg: notify.MsgShutter})
	if err := ch.RequestBurst(n); err != nil {
		c.pp.Stop()
		if serr := ch.Stop(); serr != nil {
			log.Warn("%v", serr)
		}
		c.abortCapture()
		return "", err
	}

	log.Info("picture %s: burst of %d at %v", request, n, c.cfg.PictureSize)
	return request, nil
}

// abortCapture forgets the capture channel and closes it.
func (c *Camera) abortCapture() {
	c.mu.Lock()
	ch := c.capture
	c.capture = nil
	c.request = ""
	c.done = nil
	c.mu.Unlock()

	closeChannel(ch)
}

// WaitSnapshotDone blocks until every picture of the current request has
// been handed to the application.
func (c *Camera) WaitSnapshotDone(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return errors.New("no picture in progress")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelPicture ends the current request. Pictures not yet delivered are
// discarded. Calling it after WaitSnapshotDone releases the capture
// resources.
func (c *Camera) CancelPicture() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.cancelPicture()
}

func (c *Camera) cancelPicture() error {
	c.mu.Lock()
	ch := c.capture
	c.mu.Unlock()
	if ch == nil {
		return nil
	}

	if err := ch.CancelBurst(); err != nil {
		log.Warn("%v", err)
	}
	c.pp.Stop()
	var err error
	if ch.IsActive() {
		err = ch.Stop()
	}
	c.abortCapture()
	return err
}

// ReprocessOffline runs the reprocess pass over an external buffer and
// returns the service's result code.
func (c *Camera) ReprocessOffline(fd, length int) (int32, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	src, err := c.newChannel(camera.NotifyBurst, nil, []camera.StreamInfo{
		{Type: camera.StreamSnapshot, Format: camera.FormatYCbCrNV21, Dim: c.cfg.PictureSize, NumBufs: 1},
	}, nil)
	if err != nil {
		return 0, err
	}
	defer closeChannel(src)

	r := camera.NewReprocessChannel(c.cfg.Service, c.cfg.Allocator)
	if err := r.Init(camera.ChannelAttr{Mode: camera.NotifyBurst}, nil); err != nil {
		return 0, err
	}
	defer closeChannel(r.Channel)

	feature := camera.FeatureConfig{Rotation: c.cfg.Rotation}
	if c.cfg.Rotation != camera.Rotate0 {
		feature.Mask |= camera.FeatureRotation
	}
	if err := r.AddReprocStreamsFromSource(src, feature, 1, camera.Padding{}, nil); err != nil {
		return 0, err
	}
	return r.DoReprocessOffline(fd, length)
}

// Close stops capture and preview and releases everything.
func (c *Camera) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	cerr := c.cancelPicture()
	perr := c.stopPreview()
	err := c.pp.Deinit()
	c.notifier.Close()
	c.events.Close()

	for _, e := range []error{cerr, perr} {
		if e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (c *Camera) newChannel(mode camera.NotifyMode, cb camera.SuperBufFunc, infos []camera.StreamInfo, scb camera.StreamFunc) (*camera.Channel, error) {
	ch := camera.NewChannel(c.cfg.Service, c.cfg.Allocator)
	if err := ch.Init(camera.ChannelAttr{Mode: mode}, cb); err != nil {
		return nil, err
	}
	for i := range infos {
		if _, err := ch.AddStream(&infos[i], scb); err != nil {
			closeChannel(ch)
			return nil, errors.Wrapf(err, "add %s stream", infos[i].Type)
		}
	}
	return ch, nil
}

func closeChannel(ch *camera.Channel) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		log.Warn("close channel %d: %v", ch.Handle(), err)
	}
}

func (c *Camera) deliver(item *notify.Item) {
	if err := c.notifier.Deliver(item); err != nil {
		log.Warn("deliver %s: %v", item.Msg, err)
	}
}

func (c *Camera) onSnapshotsDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
}

func (c *Camera) currentRequest() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request
}

func (c *Camera) publish(msg notify.MsgType, ext1, ext2 int32, size int) {
	c.events.Publish(Event{
		Time:    time.Now(),
		Msg:     msg,
		Name:    msg.String(),
		Request: c.currentRequest(),
		Ext1:    ext1,
		Ext2:    ext2,
		Size:    size,
	})
}

func (c *Camera) onNotify(msg notify.MsgType, ext1, ext2 int32) {
	if cb := c.cfg.Callbacks.Notify; cb != nil {
		cb(msg, ext1, ext2)
	}
	c.publish(msg, ext1, ext2, 0)
}

func (c *Camera) onData(msg notify.MsgType, data []byte, index int, metadata []byte) {
	if cb := c.cfg.Callbacks.Data; cb != nil {
		cb(msg, data, index, metadata)
	}
	if msg != notify.MsgPreviewFrame && msg != notify.MsgPreviewMetadata {
		c.publish(msg, 0, 0, len(data))
	}
}

func (c *Camera) onDataTimestamp(ts time.Duration, msg notify.MsgType, data []byte, index int) {
	if cb := c.cfg.Callbacks.DataTimestamp; cb != nil {
		cb(ts, msg, data, index)
	}
}
