package camera

import (
	"github.com/pkg/errors"
)

// A ReprocessChannel runs a second processing pass over frames captured by a
// source channel. Each non-metadata source stream gets one derived
// offline-processing stream; the pairing is fixed once built.
type ReprocessChannel struct {
	*Channel

	src *Channel

	// srcHandles[i] is the source stream handle of derived stream i.
	srcHandles []Handle
}

func NewReprocessChannel(svc Service, alloc Allocator) *ReprocessChannel {
	return &ReprocessChannel{
		Channel: NewChannel(svc, alloc),
	}
}

// Source returns the channel whose frames are reprocessed.
func (r *ReprocessChannel) Source() *Channel {
	return r.src
}

// AddReprocStreamsFromSource derives one reprocess stream per non-metadata
// stream of src. Building stops at the first failure and returns it; the
// caller is expected to close the whole channel.
func (r *ReprocessChannel) AddReprocStreamsFromSource(src *Channel, feature FeatureConfig, minBufs int, padding Padding, cb StreamFunc) error {
	if src == nil {
		return errors.Wrap(ErrNotFound, "no source channel")
	}

	for i := 0; i < src.NumStreams(); i++ {
		ss := src.StreamByIndex(i)
		if ss.IsTypeOf(StreamMetadata) {
			continue
		}

		info, err := r.alloc.StreamInfoBuf(StreamOfflineProc)
		if err != nil || info == nil {
			return errors.Wrapf(ErrOutOfMemory, "stream info for reprocess of stream %d", ss.Handle())
		}
		*info = deriveStreamInfo(ss, feature, minBufs, padding)

		ds, err := r.AddStream(info, cb)
		if err != nil {
			return err
		}
		r.srcHandles = append(r.srcHandles, ss.Handle())
		log.Debug("reprocess channel %d: stream %d <- source %d (%s) %v",
			r.handle, ds.Handle(), ss.Handle(), ss.Type(), info.Dim)
	}

	r.src = src
	return nil
}

func deriveStreamInfo(ss *Stream, feature FeatureConfig, minBufs int, padding Padding) StreamInfo {
	src := ss.Info()
	info := StreamInfo{
		Type:    StreamOfflineProc,
		Format:  src.Format,
		Dim:     src.Dim,
		NumBufs: minBufs,
		Padding: padding,
		Reprocess: ReprocessConfig{
			Type:        ReprocessOnline,
			SrcServerID: ss.ServerID(),
			SrcType:     ss.Type(),
			Feature:     feature,
		},
	}

	// Chroma aberration correction only applies to full-size captures.
	if !ss.Type().IsSnapshot() && !src.Reprocess.SrcType.IsSnapshot() {
		info.Reprocess.Feature.Mask &^= FeatureCAC
	}

	if feature.Has(FeatureRotation) && feature.Rotation.Quarter() {
		info.Dim = info.Dim.Swapped()
	}
	return info
}

// StreamBySourceHandle returns the derived stream fed by source stream h.
func (r *ReprocessChannel) StreamBySourceHandle(h Handle) *Stream {
	for i, sh := range r.srcHandles {
		if sh == h {
			return r.StreamByIndex(i)
		}
	}
	return nil
}

// SourceHandle returns the source stream handle paired with derived stream h.
func (r *ReprocessChannel) SourceHandle(h Handle) (Handle, bool) {
	for i := 0; i < r.NumStreams(); i++ {
		if r.StreamByIndex(i).Handle() == h {
			return r.srcHandles[i], true
		}
	}
	return 0, false
}

// DoReprocess submits every non-metadata buffer of a frame from the source
// channel to its derived stream. The frame's metadata buffer, if any, is
// referenced so the driver can correlate the two.
func (r *ReprocessChannel) DoReprocess(frame *SuperBuf) error {
	if r.NumStreams() == 0 {
		return errors.Wrapf(ErrNotFound, "reprocess channel %d has no streams", r.handle)
	}
	if r.src == nil {
		return errors.Wrapf(ErrState, "reprocess channel %d has no source", r.handle)
	}

	var meta *BufDef
	var metaStream *Stream
	for _, buf := range frame.Bufs {
		if s := r.src.StreamByHandle(buf.StreamID); s != nil && s.IsTypeOf(StreamMetadata) {
			meta, metaStream = buf, s
			break
		}
	}

	for _, buf := range frame.Bufs {
		if buf == meta {
			continue
		}
		ds := r.StreamBySourceHandle(buf.StreamID)
		if ds == nil {
			continue
		}

		parm := StreamParm{
			Type: ParmDoReprocess,
			Reprocess: ReprocessParm{
				Mode:     ReprocessOnline,
				BufIndex: buf.Index,
				FrameIdx: buf.FrameIdx,
			},
		}
		if meta != nil {
			parm.Reprocess.MetaPresent = true
			parm.Reprocess.MetaStreamID = metaStream.ServerID()
			parm.Reprocess.MetaBufIndex = meta.Index
		}
		if err := ds.SetParameter(&parm); err != nil {
			return err
		}
	}
	return nil
}

// DoReprocessOffline reprocesses an external buffer on each derived stream in
// turn: map it, reprocess, read back the result, unmap. An error on one
// stream skips the rest.
func (r *ReprocessChannel) DoReprocessOffline(fd, length int) (result int32, err error) {
	if r.NumStreams() == 0 {
		return 0, errors.Wrapf(ErrNotFound, "reprocess channel %d has no streams", r.handle)
	}

	const bufIndex = 0
	for _, s := range r.streams {
		if err = s.MapBuf(BufTypeOfflineInput, bufIndex, fd, length); err != nil {
			return result, errors.Wrapf(err, "map offline input on stream %d", s.Handle())
		}

		parm := StreamParm{
			Type: ParmDoReprocess,
			Reprocess: ReprocessParm{
				Mode:        ReprocessOffline,
				BufIndex:    bufIndex,
				InputFd:     fd,
				InputLength: length,
			},
		}
		err = s.SetParameter(&parm)
		if err == nil {
			result = parm.Reprocess.Result
		}

		if uerr := s.UnmapBuf(BufTypeOfflineInput, bufIndex); uerr != nil {
			log.Warn("unmap offline input on stream %d: %v", s.Handle(), uerr)
		}
		if err != nil {
			return result, err
		}
	}
	return result, nil
}
