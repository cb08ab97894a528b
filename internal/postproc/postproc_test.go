package postproc

import (
	"bytes"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/lanikai/alohacam/internal/camera"
	"github.com/lanikai/alohacam/internal/encode"
	"github.com/lanikai/alohacam/internal/notify"
	"github.com/lanikai/alohacam/internal/sim"
)

var (
	snapshotDim = camera.Dim{Width: 64, Height: 48}
	postviewDim = camera.Dim{Width: 32, Height: 24}
)

const waitFor = 2 * time.Second

type picture struct {
	data     []byte
	frameIdx uint32
}

// harness wires a burst source channel, a post-processor and a notifier on
// top of the simulated service and encoder.
type harness struct {
	t     *testing.T
	svc   *sim.Service
	alloc *sim.Allocator
	enc   *sim.Encoder
	n     *notify.Notifier
	src   *camera.Channel
	pp    *PostProcessor

	// When set, captured frames are collected here instead of submitted.
	collect bool

	mu       sync.Mutex
	pictures []picture
	raws     int
	errs     []int32
	events   []notify.MsgType
	frames   []*camera.SuperBuf
	signals  int32
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	return newTunedHarness(t, configure, nil)
}

// newTunedHarness lets tune adjust the notifier configuration.
func newTunedHarness(t *testing.T, configure func(*Config), tune func(*notify.Config)) *harness {
	h := &harness{
		t:     t,
		svc:   sim.NewService(sim.Config{}),
		alloc: sim.NewAllocator(),
		enc:   sim.NewEncoder(sim.EncoderConfig{}),
	}
	ncfg := notify.Config{
		Callbacks: notify.Callbacks{
			Notify: func(msg notify.MsgType, ext1, ext2 int32) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.events = append(h.events, msg)
				if msg == notify.MsgError {
					h.errs = append(h.errs, ext1)
				}
			},
			Data: func(msg notify.MsgType, data []byte, index int, meta []byte) {
				h.mu.Lock()
				defer h.mu.Unlock()
				switch msg {
				case notify.MsgCompressedImage:
					h.pictures = append(h.pictures, picture{
						data:     append([]byte(nil), data...),
						frameIdx: sim.MetadataFrameIdx(meta),
					})
				case notify.MsgRawImage:
					h.raws++
				}
			},
		},
		OnCountReached: func() { atomic.AddInt32(&h.signals, 1) },
	}
	if tune != nil {
		tune(&ncfg)
	}
	h.n = notify.New(ncfg)

	h.src = camera.NewChannel(h.svc, h.alloc)
	require.NoError(t, h.src.Init(camera.ChannelAttr{Mode: camera.NotifyBurst}, h.onFrame))
	for _, info := range []camera.StreamInfo{
		{Type: camera.StreamSnapshot, Format: camera.FormatYCbCrNV21, Dim: snapshotDim, NumBufs: 5},
		{Type: camera.StreamPostview, Format: camera.FormatYCbCrNV21, Dim: postviewDim, NumBufs: 5},
		{Type: camera.StreamMetadata, Format: camera.FormatMetadata, NumBufs: 5},
	} {
		info := info
		_, err := h.src.AddStream(&info, nil)
		require.NoError(t, err)
	}

	cfg := Config{
		Service:   h.svc,
		Allocator: h.alloc,
		Channels:  h,
		Notifier:  h.n,
		Quality:   85,
	}
	if configure != nil {
		configure(&cfg)
	}
	h.pp = New(cfg)
	require.NoError(t, h.pp.Init(h.enc))
	return h
}

func (h *harness) Channel(hd camera.Handle) *camera.Channel {
	if h.src.Handle() == hd {
		return h.src
	}
	return nil
}

func (h *harness) onFrame(frame *camera.SuperBuf) {
	if h.collect {
		h.mu.Lock()
		h.frames = append(h.frames, frame)
		h.mu.Unlock()
		return
	}
	h.pp.ProcessData(frame)
}

// capture starts everything and requests a burst of n.
func (h *harness) capture(n int) {
	h.pp.SetExpectedSnapshots(n)
	require.NoError(h.t, h.src.Start())
	require.NoError(h.t, h.pp.Start(h.src))
	require.NoError(h.t, h.src.RequestBurst(n))
}

func (h *harness) numPictures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pictures)
}

func (h *harness) numErrors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}

func (h *harness) close() {
	h.pp.Stop()
	h.svc.Wait()
	if h.src.IsActive() {
		assert.NoError(h.t, h.src.Stop())
	}
	assert.NoError(h.t, h.pp.Deinit())
	h.n.Close()
	assert.NoError(h.t, h.src.Close())
}

func TestRapidSubmitsCompleteInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.capture(5)

	require.Eventually(t, func() bool { return h.numPictures() == 5 }, waitFor, time.Millisecond)
	h.pp.Stop()

	h.mu.Lock()
	for i, pic := range h.pictures {
		assert.Equal(t, uint32(i+1), pic.frameIdx)
		_, err := jpeg.DecodeConfig(bytes.NewReader(pic.data))
		assert.NoError(t, err)
	}
	h.mu.Unlock()

	stats := h.svc.Stats()
	assert.Equal(t, 0, stats.Outstanding)
	assert.Equal(t, 0, stats.DoubleReturns)
	assert.Equal(t, 1, h.enc.Stats().MaxOngoing)
	assert.Equal(t, 1, h.enc.Stats().SessionsCreated)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.signals))
	assert.True(t, h.pp.Backlog().Empty())
	assert.Equal(t, 0, h.enc.Sessions())

	h.close()
}

func TestConcurrentSubmitKeepsOneJobInFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.collect = true
	h.capture(5)
	h.svc.Wait()
	require.Len(t, h.frames, 5)

	var wg sync.WaitGroup
	for _, f := range h.frames {
		wg.Add(1)
		go func(f *camera.SuperBuf) {
			defer wg.Done()
			h.pp.ProcessData(f)
		}(f)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.numPictures() == 5 }, waitFor, time.Millisecond)
	h.pp.Stop()

	assert.Equal(t, 1, h.enc.Stats().MaxOngoing)
	assert.Equal(t, 0, h.svc.Stats().Outstanding)
	assert.Equal(t, 0, h.svc.Stats().DoubleReturns)
	h.close()
}

func TestStopMidFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.enc.Hold()
	h.capture(3)
	h.svc.Wait()

	require.Eventually(t, func() bool {
		b := h.pp.Backlog()
		return b.EncodeOngoing == 1 && b.EncodeInput == 2
	}, waitFor, time.Millisecond)

	h.pp.Stop()

	assert.True(t, h.pp.Backlog().Empty())
	assert.Equal(t, 0, h.enc.Sessions())
	assert.Equal(t, 1, h.enc.Stats().Aborted)
	assert.Equal(t, 0, h.svc.Stats().Outstanding)
	assert.False(t, h.pp.IsActive())

	// A late completion for the aborted job is ignored.
	h.enc.Resume()
	h.pp.onEncodeComplete(1, 1, encode.StatusSuccess, &encode.Output{Data: []byte{0xff}})
	assert.Equal(t, 0, h.numPictures())
	assert.Equal(t, 0, h.svc.Stats().DoubleReturns)

	h.close()
}

func TestLateCompletionFromOldSessionIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.enc.Hold()
	h.capture(1)
	require.Eventually(t, func() bool { return h.pp.Backlog().EncodeOngoing == 1 }, waitFor, time.Millisecond)
	h.pp.Stop()
	h.svc.Wait()

	// The next session numbers its jobs from 1 again.
	require.NoError(t, h.pp.Start(h.src))
	require.NoError(t, h.src.RequestBurst(1))
	require.Eventually(t, func() bool { return h.pp.Backlog().EncodeOngoing == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 2, h.enc.Stats().SessionsCreated)

	h.pp.onEncodeComplete(1, 1, encode.StatusSuccess, &encode.Output{Data: []byte{0xff}})
	assert.Equal(t, 1, h.pp.Backlog().EncodeOngoing)
	assert.Equal(t, 0, h.numPictures())

	h.enc.Resume()
	require.Eventually(t, func() bool { return h.numPictures() == 1 }, waitFor, time.Millisecond)
	h.mu.Lock()
	_, err := jpeg.DecodeConfig(bytes.NewReader(h.pictures[0].data))
	h.mu.Unlock()
	assert.NoError(t, err)

	h.pp.Stop()
	assert.Equal(t, 0, h.svc.Stats().DoubleReturns)
	h.close()
}

func TestBlockedDataCallbackKeepsEveryPicture(t *testing.T) {
	gate := make(chan struct{})
	h := newTunedHarness(t, nil, func(cfg *notify.Config) {
		cfg.MaxPending = 1
		data := cfg.Callbacks.Data
		cfg.Callbacks.Data = func(msg notify.MsgType, d []byte, index int, meta []byte) {
			<-gate
			data(msg, d, index, meta)
		}
	})
	h.capture(4)

	// Every job completes while the application is not consuming.
	require.Eventually(t, func() bool { return h.enc.Stats().Completed == 4 }, waitFor, time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool { return h.numPictures() == 4 }, waitFor, time.Millisecond)
	assert.Equal(t, 0, h.numErrors())
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.signals))

	h.pp.Stop()
	assert.Eventually(t, func() bool { return h.svc.Stats().Outstanding == 0 }, waitFor, time.Millisecond)
	h.close()
}

func TestStopDuringReprocess(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, func(cfg *Config) {
			cfg.Reprocess = true
			cfg.ReprocessFeature = camera.FeatureConfig{Mask: camera.FeatureRotation, Rotation: camera.Rotate90}
		})
		h.capture(3)
		time.Sleep(time.Duration(i) * 100 * time.Microsecond)

		assert.NoError(t, h.src.CancelBurst())
		h.svc.Wait()
		h.pp.Stop()

		assert.True(t, h.pp.Backlog().Empty(), "iteration %d: %+v", i, h.pp.Backlog())
		assert.False(t, h.pp.IsActive())
		assert.Eventually(t, func() bool { return h.svc.Stats().Outstanding == 0 }, waitFor, time.Millisecond,
			"iteration %d", i)
		assert.Equal(t, 0, h.svc.Stats().DoubleReturns, "iteration %d", i)

		h.close()
		assert.Equal(t, 0, h.alloc.Outstanding(), "iteration %d", i)
	}
}

func TestEncodeFailureReportsError(t *testing.T) {
	h := newHarness(t, nil)
	h.enc.FailNext(1)
	h.capture(2)

	require.Eventually(t, func() bool {
		return h.numPictures() == 1 && h.numErrors() == 1
	}, waitFor, time.Millisecond)
	h.pp.Stop()

	assert.Equal(t, []int32{notify.ErrorEncode}, h.errs)
	assert.Equal(t, 0, h.svc.Stats().Outstanding)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.signals))
	h.close()
}

func TestSubmitFailureReleasesFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.enc.FailSubmit(errors.New("engine busy"))
	h.capture(1)

	require.Eventually(t, func() bool { return h.numErrors() == 1 }, waitFor, time.Millisecond)
	assert.Eventually(t, func() bool { return h.svc.Stats().Outstanding == 0 }, waitFor, time.Millisecond)
	assert.True(t, h.pp.Backlog().Empty())
	h.close()
}

func TestReprocessRoundTrip(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Reprocess = true
		cfg.ReprocessFeature = camera.FeatureConfig{Mask: camera.FeatureRotation, Rotation: camera.Rotate90}
		cfg.Rotation = camera.Rotate90
	})
	h.capture(2)

	require.Eventually(t, func() bool { return h.numPictures() == 2 }, waitFor, time.Millisecond)
	// Reprocess outputs and source frames both come back.
	require.Eventually(t, func() bool { return h.svc.Stats().Outstanding == 0 }, waitFor, time.Millisecond)

	h.mu.Lock()
	for i, pic := range h.pictures {
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(pic.data))
		require.NoError(t, err)
		// Rotated once by the reprocess pass, not again by the encoder.
		assert.Equal(t, snapshotDim.Height, cfg.Width)
		assert.Equal(t, snapshotDim.Width, cfg.Height)
		assert.Equal(t, uint32(i+1), pic.frameIdx)
	}
	h.mu.Unlock()

	// Snapshot and postview each have a derived stream.
	assert.Equal(t, 4, h.svc.Stats().Reprocessed)

	h.pp.Stop()
	assert.True(t, h.pp.Backlog().Empty())
	assert.Equal(t, 0, h.svc.Stats().DoubleReturns)
	h.close()
	assert.Equal(t, 0, h.alloc.Outstanding())
}

func TestReprocessStartFailureLeavesIdle(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Reprocess = true })
	h.alloc.FailAllocate(errors.New("no memory"))

	err := h.pp.Start(h.src)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, camera.ErrOutOfMemory))
	assert.False(t, h.pp.IsActive())

	h.alloc.FailAllocate(nil)
	h.close()
}

func TestRawPassthrough(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RawPassthrough = true })
	h.capture(2)

	require.Eventually(t, func() bool { return h.numPictures() == 2 }, waitFor, time.Millisecond)
	h.pp.Stop()

	h.mu.Lock()
	assert.Equal(t, 2, h.raws)
	assert.Contains(t, h.events, notify.MsgRawImageNotify)
	info := camera.StreamInfo{Format: camera.FormatYCbCrNV21, Dim: snapshotDim}
	for _, pic := range h.pictures {
		assert.Len(t, pic.data, info.FrameLen())
	}
	h.mu.Unlock()

	assert.Equal(t, 0, h.enc.Stats().Submitted)
	assert.Equal(t, 0, h.svc.Stats().Outstanding)
	h.close()
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.pp.Start(h.src))
	err := h.pp.Start(h.src)
	assert.True(t, xerrors.Is(err, camera.ErrState))
	h.close()
}

func TestSubmitWhileIdleIsDrained(t *testing.T) {
	h := newHarness(t, nil)
	h.collect = true
	require.NoError(t, h.src.Start())
	require.NoError(t, h.src.RequestBurst(2))
	h.svc.Wait()
	require.Len(t, h.frames, 2)

	for _, f := range h.frames {
		h.pp.ProcessData(f)
	}
	h.pp.Stop()

	assert.Equal(t, 0, h.svc.Stats().Outstanding)
	assert.Equal(t, 0, h.enc.Stats().Submitted)
	h.close()
}

func TestJobParams(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Thumbnail = camera.Dim{Width: 32, Height: 24}
		cfg.Rotation = camera.Rotate270
	})
	h.collect = true
	require.NoError(t, h.src.Start())
	require.NoError(t, h.src.RequestBurst(1))
	h.svc.Wait()
	require.Len(t, h.frames, 1)

	params, err := h.pp.jobParams(&jpegInput{frame: h.frames[0]})
	require.NoError(t, err)
	assert.Equal(t, snapshotDim, params.Main.Dim)
	require.NotNil(t, params.Thumbnail)
	assert.Equal(t, postviewDim, params.Thumbnail.Dim)
	assert.Equal(t, camera.Dim{Width: 24, Height: 32}, params.ThumbnailDim)
	assert.Equal(t, camera.Rotate270, params.Rotation)
	assert.Equal(t, uint32(1), sim.MetadataFrameIdx(params.Metadata))

	// Without a postview the main image doubles as thumbnail.
	noThumb := &camera.SuperBuf{ChannelID: h.frames[0].ChannelID, Bufs: []*camera.BufDef{h.frames[0].Find(camera.StreamSnapshot)}}
	params, err = h.pp.jobParams(&jpegInput{frame: noThumb})
	require.NoError(t, err)
	assert.Equal(t, snapshotDim, params.Thumbnail.Dim)
	assert.Nil(t, params.Metadata)

	_, err = h.pp.jobParams(&jpegInput{frame: &camera.SuperBuf{ChannelID: h.src.Handle()}})
	assert.True(t, xerrors.Is(err, camera.ErrNotFound))

	assert.NoError(t, h.src.BufDone(h.frames[0]))
	h.close()
}
