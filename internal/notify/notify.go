// Package notify serializes notifications to the application on a single
// worker goroutine. Items are copied in, delivered in FIFO order, and
// released after delivery whether or not they were delivered.
package notify

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/queue"
)

var log = logging.DefaultLogger.WithTag("notify")

var (
	// ErrOutOfMemory is returned by Deliver when the item could not be
	// copied in because the notifier is closed.
	ErrOutOfMemory = errors.New("notifier out of memory")

	// ErrBacklog is returned by Deliver when a streaming frame is shed
	// because too many items are pending.
	ErrBacklog = errors.New("notification backlog full")
)

const defaultMaxPending = 64

// Streaming frames are the only items that may be shed. Events and
// pictures are always queued.
const sheddable = MsgPreviewFrame | MsgVideoFrame | MsgPostviewFrame | MsgPreviewMetadata

type Config struct {
	Callbacks Callbacks

	// Enabled filters message types at delivery time. Nil enables all.
	Enabled func(MsgType) bool

	// OnCountReached fires on the worker goroutine when the expected number
	// of counted items is reached, before the last one is delivered.
	OnCountReached func()

	// Streaming frames are shed while this many items are pending. Zero
	// selects a default.
	MaxPending int
}

type Notifier struct {
	cfg Config

	items *queue.Queue
	proc  *queue.CmdThread

	mu       sync.Mutex
	closed   bool
	expected int // set by BeginCountedDelivery, consumed by the worker

	// Owned by the worker goroutine.
	counting  bool
	target    int
	delivered int
}

func New(cfg Config) *Notifier {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}

	n := &Notifier{
		cfg:  cfg,
		proc: queue.NewCmdThread(),
	}
	n.items = queue.New(func(v interface{}) {
		v.(*Item).Release()
	})
	n.proc.Launch(n.routine)
	return n
}

// Deliver queues a copy of item. On error the item is untouched and its
// Release hook has not run.
func (n *Notifier) Deliver(item *Item) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.Wrap(ErrOutOfMemory, "notifier closed")
	}
	if n.shed(item) {
		return errors.Wrapf(ErrBacklog, "%s with %d items pending", item.Msg, n.items.Len())
	}

	cp := *item
	cp.Release = releaseOnce(item.Release)
	n.items.Enqueue(&cp)
	n.proc.SendCmd(queue.CmdDoNextJob, false, false)
	return nil
}

func (n *Notifier) shed(item *Item) bool {
	if item.Category != CategoryData && item.Category != CategoryDataTimestamp {
		return false
	}
	return item.Msg&sheddable != 0 && n.items.Len() >= n.cfg.MaxPending
}

// BeginCountedDelivery enables the snapshot category. When the expected-th
// snapshot item is about to be delivered, OnCountReached fires once.
func (n *Notifier) BeginCountedDelivery(expected int) {
	n.mu.Lock()
	n.expected = expected
	n.mu.Unlock()
	n.proc.SendCmd(queue.CmdStartDataProc, true, false)
}

// EndCountedDelivery disables the snapshot category. Snapshot items still
// queued are released without being delivered.
func (n *Notifier) EndCountedDelivery() {
	n.proc.SendCmd(queue.CmdStopDataProc, true, true)
}

// Pending returns the number of queued items.
func (n *Notifier) Pending() int {
	return n.items.Len()
}

// Close stops the worker. Items still queued are released undelivered.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.proc.Exit()
	n.items.Flush()
}

func (n *Notifier) routine(t *queue.CmdThread) {
	for {
		switch cmd := t.WaitCmd(); cmd {
		case queue.CmdStartDataProc:
			n.mu.Lock()
			n.target = n.expected
			n.mu.Unlock()
			n.counting = true
			n.delivered = 0
			t.SyncDone()

		case queue.CmdStopDataProc:
			n.counting = false
			dropped := n.items.FlushMatching(func(v interface{}) bool {
				return v.(*Item).Category == CategorySnapshot
			})
			if dropped > 0 {
				log.Debug("dropped %d undelivered snapshot items", dropped)
			}
			t.SyncDone()

		case queue.CmdDoNextJob:
			if item, ok := n.items.Dequeue().(*Item); ok {
				n.dispatch(item)
			}

		case queue.CmdExit:
			return
		}
	}
}

func (n *Notifier) dispatch(item *Item) {
	defer item.Release()

	if n.cfg.Enabled != nil && !n.cfg.Enabled(item.Msg) {
		return
	}

	cb := &n.cfg.Callbacks
	switch item.Category {
	case CategoryEvent:
		if cb.Notify != nil {
			cb.Notify(item.Msg, item.Ext1, item.Ext2)
		}

	case CategoryData:
		if cb.Data != nil {
			cb.Data(item.Msg, item.Data, item.Index, item.Metadata)
		}

	case CategoryDataTimestamp:
		if cb.DataTimestamp != nil {
			cb.DataTimestamp(item.Timestamp, item.Msg, item.Data, item.Index)
		}

	case CategorySnapshot:
		if !n.counting {
			log.Debug("snapshot %s outside counted delivery", item.Msg)
			return
		}
		if cb.Data == nil {
			return
		}
		n.delivered++
		if n.delivered == n.target && n.cfg.OnCountReached != nil {
			n.cfg.OnCountReached()
		}
		cb.Data(item.Msg, item.Data, item.Index, item.Metadata)

	default:
		log.Warn("unknown category %d", item.Category)
	}
}
