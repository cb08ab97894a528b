package camera

// SuperBufFunc receives a captured super-buffer. The receiver owns the frame
// and must hand every buffer back through the owning Channel.
type SuperBufFunc func(frame *SuperBuf)

// NotifyMode controls when the service delivers bundles for a channel.
type NotifyMode int

const (
	// NotifyContinuous streams frames as soon as the channel is started.
	NotifyContinuous NotifyMode = iota

	// NotifyBurst delivers bundles only in answer to RequestSuperBuf.
	NotifyBurst
)

// ChannelAttr configures a channel at creation time.
type ChannelAttr struct {
	Mode NotifyMode
}

// StreamConfig is what a stream registers with the service. Callback is the
// stream's only data registration.
type StreamConfig struct {
	Info     StreamInfo
	Mem      Memory
	Callback SuperBufFunc
}

// BufType distinguishes buffers mapped into a stream.
type BufType int

const (
	BufTypeStream BufType = iota
	BufTypeOfflineInput
)

// Service is the capture daemon as seen by the pipeline. Calls are
// synchronous and return the daemon's status.
type Service interface {
	AddChannel(attr ChannelAttr, cb SuperBufFunc) (Handle, error)
	DeleteChannel(ch Handle) error
	StartChannel(ch Handle) error
	StopChannel(ch Handle) error
	RequestSuperBuf(ch Handle, n int) error
	CancelSuperBufRequest(ch Handle) error
	GetBundleInfo(ch, stream Handle) (BundleInfo, error)

	AddStream(ch Handle) (Handle, error)
	ConfigStream(ch, stream Handle, cfg StreamConfig) (serverID Handle, err error)
	DeleteStream(ch, stream Handle) error
	StartStream(ch, stream Handle) error
	StopStream(ch, stream Handle) error
	QueueBuf(ch, stream Handle, index int) error
	MapStreamBuf(ch, stream Handle, t BufType, index, fd, length int) error
	UnmapStreamBuf(ch, stream Handle, t BufType, index int) error
	SetStreamParm(ch, stream Handle, parm *StreamParm) error
}

// Memory is a pool of equally sized buffers.
type Memory interface {
	Count() int
	Size() int
	Bytes(index int) []byte
	Deallocate()
}

// Allocator hands out buffer pools and stream info blocks.
type Allocator interface {
	Allocate(count, size int) (Memory, error)
	StreamInfoBuf(t StreamType) (*StreamInfo, error)
}
