package camera

import "fmt"

// Handle identifies a channel or stream within the capture service.
type Handle uint32

// StreamType classifies what a stream carries.
type StreamType int

const (
	StreamDefault StreamType = iota
	StreamPreview
	StreamPostview
	StreamMetadata
	StreamSnapshot
	StreamNonZSLSnapshot
	StreamVideo
	StreamRaw
	StreamOfflineProc
)

func (t StreamType) String() string {
	switch t {
	case StreamPreview:
		return "preview"
	case StreamPostview:
		return "postview"
	case StreamMetadata:
		return "metadata"
	case StreamSnapshot:
		return "snapshot"
	case StreamNonZSLSnapshot:
		return "non-zsl-snapshot"
	case StreamVideo:
		return "video"
	case StreamRaw:
		return "raw"
	case StreamOfflineProc:
		return "offline-proc"
	default:
		return "default"
	}
}

// IsSnapshot reports whether t carries full-resolution still captures.
func (t StreamType) IsSnapshot() bool {
	return t == StreamSnapshot || t == StreamNonZSLSnapshot
}

// Format is the pixel layout of a stream's buffers.
type Format int

const (
	FormatYCbCrNV21 Format = iota
	FormatYCbCrNV12
	FormatYCbCrNV16
	FormatBayerRaw
	FormatJPEG
	FormatMetadata
)

// Dim is a frame size in pixels.
type Dim struct {
	Width  int
	Height int
}

func (d Dim) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Swapped returns d with width and height exchanged.
func (d Dim) Swapped() Dim {
	return Dim{Width: d.Height, Height: d.Width}
}

// Padding holds the alignment the hardware requires for stream buffers.
type Padding struct {
	WidthAlign  int
	HeightAlign int
	PlaneAlign  int
}

// Feature is a bit in a reprocess feature mask.
type Feature uint32

const (
	FeatureSharpness Feature = 1 << iota
	FeatureDenoise2D
	FeatureRotation
	FeatureCAC
	FeatureFlip
)

// Rotation applied by a reprocess pass, in degrees clockwise.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Quarter reports whether r turns the frame on its side.
func (r Rotation) Quarter() bool {
	return r == Rotate90 || r == Rotate270
}

// FeatureConfig selects the reprocess features to apply.
type FeatureConfig struct {
	Mask      Feature
	Rotation  Rotation
	Sharpness int
}

func (c FeatureConfig) Has(f Feature) bool {
	return c.Mask&f != 0
}

// ReprocessType tells the driver where a reprocess stream takes input from.
type ReprocessType int

const (
	ReprocessNone ReprocessType = iota
	ReprocessOnline
	ReprocessOffline
)

// ReprocessConfig ties a derived stream to the source stream it reprocesses.
type ReprocessConfig struct {
	Type        ReprocessType
	SrcServerID Handle
	SrcType     StreamType
	Feature     FeatureConfig
}

// StreamInfo describes a stream to the capture service.
type StreamInfo struct {
	Type      StreamType
	Format    Format
	Dim       Dim
	NumBufs   int
	Padding   Padding
	Reprocess ReprocessConfig
}

// metadataLen is the fixed size of a metadata buffer.
const metadataLen = 8 * 1024

// FrameLen returns the size in bytes of one buffer of this stream.
func (info *StreamInfo) FrameLen() int {
	if info.Format == FormatMetadata || info.Type == StreamMetadata {
		return metadataLen
	}

	w := align(info.Dim.Width, info.Padding.WidthAlign)
	h := align(info.Dim.Height, info.Padding.HeightAlign)
	var n int
	switch info.Format {
	case FormatYCbCrNV16, FormatBayerRaw:
		n = w * h * 2
	case FormatJPEG:
		n = w * h
	default:
		n = w * h * 3 / 2
	}
	return align(n, info.Padding.PlaneAlign)
}

func align(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}

// BufDef describes one captured buffer. The buffer itself belongs to the
// stream's pool; a BufDef is the token that must be handed back exactly once.
type BufDef struct {
	StreamID   Handle
	StreamType StreamType
	Index      int
	FrameIdx   uint32
	Meta       interface{}
}

// SuperBuf bundles the buffers captured together across a channel's streams.
type SuperBuf struct {
	ChannelID Handle
	Bufs      []*BufDef
}

// Find returns the first buffer whose stream type is t.
func (sb *SuperBuf) Find(t StreamType) *BufDef {
	for _, buf := range sb.Bufs {
		if buf.StreamType == t {
			return buf
		}
	}
	return nil
}

// BundleInfo lists the server ids of streams the driver captures in lockstep.
type BundleInfo struct {
	BundleID  Handle
	StreamIDs []Handle
}

// ParmType selects the payload of a StreamParm.
type ParmType int

const (
	ParmSetBundleInfo ParmType = iota
	ParmDoReprocess
)

// ReprocessParm asks the driver to reprocess one buffer. Result is written
// back by the driver for offline requests.
type ReprocessParm struct {
	Mode         ReprocessType
	BufIndex     int
	FrameIdx     uint32
	MetaPresent  bool
	MetaStreamID Handle
	MetaBufIndex int
	InputFd      int
	InputLength  int
	Result       int32
}

// StreamParm is a typed parameter block sent to a single stream.
type StreamParm struct {
	Type      ParmType
	Bundle    BundleInfo
	Reprocess ReprocessParm
}
