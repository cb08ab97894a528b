//////////////////////////////////////////////////////////////////////////////
//
// Broadcast camera events from one writer to multiple subscribers.
//
// Each subscriber has its own channel (i.e. queue). When the camera
// publishes an event, the event is added to each subscriber's channel.
//
// Each subscriber may specify the maximum number of events it wishes to
// buffer. Once this capacity is reached, the oldest event is dropped for
// each new published event.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohacam

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/notify"
)

var errNotSubscribed = errors.New("not subscribed")

// Event describes one notification delivered to the application. Payloads
// are not carried; Size reports their length.
type Event struct {
	Time    time.Time      `json:"time"`
	Msg     notify.MsgType `json:"-"`
	Name    string         `json:"msg"`
	Request string         `json:"request,omitempty"`
	Ext1    int32          `json:"ext1,omitempty"`
	Ext2    int32          `json:"ext2,omitempty"`
	Size    int            `json:"size,omitempty"`
}

type Subscriber interface {
	Subscribe(n int) <-chan Event
	Unsubscribe(s <-chan Event) error
}

// Broadcaster fans events out to subscribers.
type Broadcaster struct {
	mutex       sync.RWMutex
	subscribers []chan Event
	closed      bool
}

// NewBroadcaster instantiates a new one-to-many event broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Close the broadcaster. All subscriber channels are drained and closed.
// Later publishes are dropped.
func (b *Broadcaster) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, subscriber := range b.subscribers {
		for len(subscriber) > 0 {
			<-subscriber // Drain
		}
		close(subscriber)
	}
	b.subscribers = nil
	b.closed = true
	return nil
}

// Subscribe to broadcasts, buffering up to n events for the subscriber
func (b *Broadcaster) Subscribe(n int) <-chan Event {
	if n < 1 {
		panic("malformed buffer size")
	}

	channel := make(chan Event, n)
	b.mutex.Lock()
	if b.closed {
		close(channel)
	} else {
		b.subscribers = append(b.subscribers, channel)
	}
	b.mutex.Unlock()
	return channel
}

// Unsubscribe from broadcaster by providing the read-only channel returned
// by Subscribe().
func (b *Broadcaster) Unsubscribe(s <-chan Event) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, subscriber := range b.subscribers {
		if s == subscriber {
			// Remove subscriber from slice (order not preserved)
			subs := b.subscribers
			close(subs[i])
			subs[len(subs)-1], subs[i] = subs[i], subs[len(subs)-1]
			b.subscribers = subs[:len(subs)-1]
			return nil
		}
	}
	return errNotSubscribed
}

// Publish event to subscribers
func (b *Broadcaster) Publish(e Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, subscriber := range b.subscribers {
		select {
		case subscriber <- e:
		default:
			// Subscriber backlogged. Drop oldest event, add newest.
			select {
			case <-subscriber:
			default:
			}
			subscriber <- e
		}
	}
}
