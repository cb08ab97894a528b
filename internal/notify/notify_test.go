package notify

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects deliveries in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Notify: func(msg MsgType, ext1, ext2 int32) {
			r.add("notify:" + msg.String())
		},
		Data: func(msg MsgType, data []byte, index int, metadata []byte) {
			r.add("data:" + msg.String() + ":" + string(data))
		},
		DataTimestamp: func(ts time.Duration, msg MsgType, data []byte, index int) {
			r.add("ts:" + msg.String())
		},
	}
}

// drain waits until the notifier has no queued items and the worker has
// finished the last one.
func drain(t *testing.T, n *Notifier) {
	assert.Eventually(t, func() bool { return n.Pending() == 0 }, time.Second, time.Millisecond)
	// A synchronous command is processed after every earlier job.
	n.EndCountedDelivery()
}

func TestDeliverDispatchesByCategory(t *testing.T) {
	var rec recorder
	n := New(Config{Callbacks: rec.callbacks()})
	defer n.Close()

	var released int32
	release := func() { atomic.AddInt32(&released, 1) }

	require.NoError(t, n.Deliver(&Item{Category: CategoryEvent, Msg: MsgShutter, Release: release}))
	require.NoError(t, n.Deliver(&Item{Category: CategoryData, Msg: MsgPreviewFrame, Data: []byte("p"), Release: release}))
	require.NoError(t, n.Deliver(&Item{Category: CategoryDataTimestamp, Msg: MsgVideoFrame, Release: release}))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&released) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"notify:shutter", "data:preview-frame:p", "ts:video-frame"}, rec.get())
}

func TestDeliverCopiesItem(t *testing.T) {
	var rec recorder
	n := New(Config{Callbacks: rec.callbacks()})
	defer n.Close()

	item := Item{Category: CategoryData, Msg: MsgPreviewFrame, Data: []byte("a")}
	require.NoError(t, n.Deliver(&item))
	item.Data = []byte("b")
	require.NoError(t, n.Deliver(&item))

	assert.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"data:preview-frame:a", "data:preview-frame:b"}, rec.get())
}

func TestDisabledMessageReleasedNotDelivered(t *testing.T) {
	var rec recorder
	n := New(Config{
		Callbacks: rec.callbacks(),
		Enabled:   func(m MsgType) bool { return m != MsgPreviewFrame },
	})
	defer n.Close()

	released := make(chan struct{})
	require.NoError(t, n.Deliver(&Item{
		Category: CategoryData,
		Msg:      MsgPreviewFrame,
		Release:  func() { close(released) },
	}))

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release hook did not run")
	}
	assert.Empty(t, rec.get())
}

func TestCountedDeliverySignalsBeforeLastItem(t *testing.T) {
	var rec recorder
	var signals int32
	n := New(Config{
		Callbacks: rec.callbacks(),
		OnCountReached: func() {
			atomic.AddInt32(&signals, 1)
			rec.add("signal")
		},
	})
	defer n.Close()

	n.BeginCountedDelivery(3)
	for _, s := range []string{"1", "2", "3", "4"} {
		require.NoError(t, n.Deliver(&Item{Category: CategorySnapshot, Msg: MsgCompressedImage, Data: []byte(s)}))
	}
	drain(t, n)

	assert.Equal(t, int32(1), atomic.LoadInt32(&signals))
	assert.Equal(t, []string{
		"data:compressed-image:1",
		"data:compressed-image:2",
		"signal",
		"data:compressed-image:3",
		"data:compressed-image:4",
	}, rec.get())
}

func TestSnapshotOutsideCountedDeliveryIsDropped(t *testing.T) {
	var rec recorder
	n := New(Config{Callbacks: rec.callbacks()})
	defer n.Close()

	released := make(chan struct{})
	require.NoError(t, n.Deliver(&Item{
		Category: CategorySnapshot,
		Msg:      MsgCompressedImage,
		Release:  func() { close(released) },
	}))
	<-released
	assert.Empty(t, rec.get())
}

func TestEndCountedDeliveryReleasesRemainder(t *testing.T) {
	var rec recorder
	block := make(chan struct{})
	entered := make(chan struct{})
	cbs := rec.callbacks()
	cbs.Notify = func(MsgType, int32, int32) {
		close(entered)
		<-block
	}
	n := New(Config{Callbacks: cbs})
	defer n.Close()

	n.BeginCountedDelivery(5)

	// Hold the worker so the snapshots pile up behind the event.
	require.NoError(t, n.Deliver(&Item{Category: CategoryEvent, Msg: MsgShutter}))
	<-entered

	var released int32
	for i := 0; i < 3; i++ {
		require.NoError(t, n.Deliver(&Item{
			Category: CategorySnapshot,
			Msg:      MsgCompressedImage,
			Release:  func() { atomic.AddInt32(&released, 1) },
		}))
	}
	require.NoError(t, n.Deliver(&Item{Category: CategoryData, Msg: MsgPreviewFrame, Data: []byte("x")}))

	done := make(chan struct{})
	go func() {
		n.EndCountedDelivery()
		close(done)
	}()
	// Let the priority command reach the worker before it resumes.
	time.Sleep(20 * time.Millisecond)
	close(block)
	<-done

	assert.Equal(t, int32(3), atomic.LoadInt32(&released))
	drain(t, n)
	assert.Equal(t, []string{"data:preview-frame:x"}, rec.get())
}

func TestReleaseHookRunsOnce(t *testing.T) {
	var calls int32
	hook := releaseOnce(func() { atomic.AddInt32(&calls, 1) })
	hook()
	hook()
	assert.Equal(t, int32(1), calls)

	assert.NotPanics(t, func() { releaseOnce(nil)() })
}

func TestBacklogShedsOnlyStreamingFrames(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	var pictures int32
	n := New(Config{
		Callbacks: Callbacks{
			Notify: func(MsgType, int32, int32) {
				select {
				case entered <- struct{}{}:
				default:
				}
				<-block
			},
			Data: func(msg MsgType, data []byte, index int, metadata []byte) {
				if msg == MsgCompressedImage {
					atomic.AddInt32(&pictures, 1)
				}
			},
		},
		MaxPending: 2,
	})

	n.BeginCountedDelivery(4)
	require.NoError(t, n.Deliver(&Item{Category: CategoryEvent}))
	<-entered
	require.NoError(t, n.Deliver(&Item{Category: CategoryEvent}))
	require.NoError(t, n.Deliver(&Item{Category: CategoryEvent}))

	released := false
	err := n.Deliver(&Item{Category: CategoryData, Msg: MsgPreviewFrame, Release: func() { released = true }})
	assert.Equal(t, ErrBacklog, errors.Cause(err))
	assert.False(t, released)

	// Pictures and events are never shed.
	for i := 0; i < 4; i++ {
		require.NoError(t, n.Deliver(&Item{Category: CategorySnapshot, Msg: MsgCompressedImage}))
	}
	require.NoError(t, n.Deliver(&Item{Category: CategoryEvent, Msg: MsgError}))
	assert.Equal(t, 7, n.Pending())

	close(block)
	drain(t, n)
	assert.Equal(t, int32(4), atomic.LoadInt32(&pictures))

	n.Close()
	err = n.Deliver(&Item{Category: CategoryEvent})
	assert.Equal(t, ErrOutOfMemory, errors.Cause(err))
}

func TestSnapshotNotCountedWithoutDataCallback(t *testing.T) {
	var signals int32
	n := New(Config{OnCountReached: func() { atomic.AddInt32(&signals, 1) }})
	defer n.Close()

	n.BeginCountedDelivery(1)
	released := make(chan struct{})
	require.NoError(t, n.Deliver(&Item{
		Category: CategorySnapshot,
		Msg:      MsgCompressedImage,
		Release:  func() { close(released) },
	}))
	<-released
	drain(t, n)
	assert.Equal(t, int32(0), atomic.LoadInt32(&signals))
}

func TestCloseReleasesPending(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	n := New(Config{Callbacks: Callbacks{Notify: func(MsgType, int32, int32) {
		close(entered)
		<-block
	}}})

	require.NoError(t, n.Deliver(&Item{Category: CategoryEvent}))
	<-entered

	var released int32
	for i := 0; i < 4; i++ {
		require.NoError(t, n.Deliver(&Item{
			Category: CategoryData,
			Release:  func() { atomic.AddInt32(&released, 1) },
		}))
	}
	close(block)
	n.Close()
	assert.Equal(t, int32(4), atomic.LoadInt32(&released))
}
