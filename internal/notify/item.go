package notify

import (
	"sync"
	"time"
)

// Category selects the delivery callback for an item.
type Category int

const (
	CategoryEvent Category = iota
	CategoryData
	CategoryDataTimestamp

	// CategorySnapshot items go through the data callback, but only while
	// counted delivery is on.
	CategorySnapshot
)

func (c Category) String() string {
	switch c {
	case CategoryEvent:
		return "event"
	case CategoryData:
		return "data"
	case CategoryDataTimestamp:
		return "data-timestamp"
	case CategorySnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// MsgType is a bit set so consumers can enable several types at once.
type MsgType uint32

const (
	MsgError MsgType = 1 << iota
	MsgShutter
	MsgFocus
	MsgPreviewFrame
	MsgVideoFrame
	MsgPostviewFrame
	MsgRawImage
	MsgRawImageNotify
	MsgCompressedImage
	MsgPreviewMetadata

	MsgAll MsgType = 1<<iota - 1
)

var msgNames = map[MsgType]string{
	MsgError:           "error",
	MsgShutter:         "shutter",
	MsgFocus:           "focus",
	MsgPreviewFrame:    "preview-frame",
	MsgVideoFrame:      "video-frame",
	MsgPostviewFrame:   "postview-frame",
	MsgRawImage:        "raw-image",
	MsgRawImageNotify:  "raw-image-notify",
	MsgCompressedImage: "compressed-image",
	MsgPreviewMetadata: "preview-metadata",
}

func (m MsgType) String() string {
	if name, ok := msgNames[m]; ok {
		return name
	}
	return "mixed"
}

// Error codes carried in Ext1 of a MsgError event.
const (
	ErrorUnknown int32 = 1
	ErrorEncode  int32 = 2
	ErrorServer  int32 = 100
)

// Item is one notification. Payload fields not used by the item's category
// are ignored.
type Item struct {
	Category Category
	Msg      MsgType

	// Event arguments.
	Ext1, Ext2 int32

	Data      []byte
	Index     int
	Timestamp time.Duration
	Metadata  []byte

	// Release is called exactly once after the item has been delivered or
	// dropped. It hands the payload back to its owner.
	Release func()
}

// Callbacks receive items on the notifier goroutine. An item must not be
// retained after the callback returns; its payload is released right after.
type Callbacks struct {
	Notify        func(msg MsgType, ext1, ext2 int32)
	Data          func(msg MsgType, data []byte, index int, metadata []byte)
	DataTimestamp func(ts time.Duration, msg MsgType, data []byte, index int)
}

// releaseOnce wraps fn so that calling the result more than once is harmless.
func releaseOnce(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	var once sync.Once
	return func() { once.Do(fn) }
}
