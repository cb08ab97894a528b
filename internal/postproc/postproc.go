// Package postproc turns captured frames into delivered pictures. Frames are
// optionally reprocessed, then encoded one at a time on a single worker
// goroutine, and the results are handed to the notifier. Every buffer that
// enters the pipeline is returned to its channel exactly once.
package postproc

import (
	"sync"

	"github.com/golang/groupcache/lru"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohacam/internal/camera"
	"github.com/lanikai/alohacam/internal/encode"
	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/notify"
	"github.com/lanikai/alohacam/internal/queue"
)

var log = logging.DefaultLogger.WithTag("postproc")

const (
	defaultReprocessBufs = 2
	defaultAbortedJobs   = 16
)

// Notifier is the delivery side of the notification channel.
type Notifier interface {
	Deliver(item *notify.Item) error
	BeginCountedDelivery(expected int)
	EndCountedDelivery()
}

// Channels resolves a channel handle to the channel owning its buffers.
type Channels interface {
	Channel(h camera.Handle) *camera.Channel
}

type Config struct {
	Service   camera.Service
	Allocator camera.Allocator
	Channels  Channels
	Notifier  Notifier

	// Reprocess every capture before encoding it.
	Reprocess        bool
	ReprocessFeature camera.FeatureConfig
	ReprocessBufs    int
	Padding          camera.Padding

	// Deliver captures as they are instead of encoding them.
	RawPassthrough bool

	Rotation camera.Rotation

	// Thumbnail size. Zero means no thumbnail.
	Thumbnail camera.Dim

	Quality      int
	ThumbQuality int

	// How many aborted job ids to remember. Zero selects a default.
	AbortedJobs int
}

// Backlog is a snapshot of queue depths.
type Backlog struct {
	ReprocessInput   int
	ReprocessOngoing int
	EncodeInput      int
	EncodeOngoing    int
	Raw              int
}

func (b Backlog) Empty() bool {
	return b == Backlog{}
}

// A frame out for reprocessing. Each derived stream produces one output
// buffer; the outputs are gathered into out.
type ppJob struct {
	src     *camera.SuperBuf
	out     *camera.SuperBuf
	pending int
}

// A frame waiting to be encoded or passed through. src is the original
// capture when frame is a reprocess result.
type jpegInput struct {
	frame *camera.SuperBuf
	src   *camera.SuperBuf
}

type encodeJob struct {
	session encode.SessionID
	in      *jpegInput

	// Guarded by PostProcessor.mu. While submitting is set the engine has
	// not returned an id yet, so a completion may arrive for it unnamed.
	id         encode.JobID
	submitting bool
}

// Job ids are only unique within a session.
type jobKey struct {
	session encode.SessionID
	id      encode.JobID
}

type PostProcessor struct {
	cfg     Config
	encoder encode.Encoder
	proc    *queue.CmdThread

	inputPP     *queue.Queue // *camera.SuperBuf
	ongoingPP   *queue.Queue // *ppJob
	inputJpeg   *queue.Queue // *jpegInput
	ongoingJpeg *queue.Queue // *encodeJob
	raw         *queue.Queue // *jpegInput

	mu       sync.Mutex
	active   bool
	src      *camera.Channel
	reproc   *camera.ReprocessChannel
	expected int
	aborted  *lru.Cache

	// Serializes reprocess outputs arriving on several stream goroutines.
	ppMu sync.Mutex

	// Held for reading by encode completions in progress.
	completing sync.RWMutex

	// Owned by the worker goroutine.
	session     encode.SessionID
	haveSession bool
}

func New(cfg Config) *PostProcessor {
	if cfg.ReprocessBufs <= 0 {
		cfg.ReprocessBufs = defaultReprocessBufs
	}
	if cfg.AbortedJobs <= 0 {
		cfg.AbortedJobs = defaultAbortedJobs
	}

	p := &PostProcessor{
		cfg:     cfg,
		proc:    queue.NewCmdThread(),
		aborted: lru.New(cfg.AbortedJobs),
	}
	p.inputPP = queue.New(func(v interface{}) {
		p.releaseFrame(v.(*camera.SuperBuf))
	})
	p.ongoingPP = queue.New(func(v interface{}) {
		job := v.(*ppJob)
		p.releaseFrame(job.src)
		p.releaseFrame(job.out)
	})
	p.inputJpeg = queue.New(func(v interface{}) {
		p.releaseInput(v.(*jpegInput))
	})
	p.ongoingJpeg = queue.New(func(v interface{}) {
		p.releaseInput(v.(*encodeJob).in)
	})
	p.raw = queue.New(func(v interface{}) {
		p.releaseInput(v.(*jpegInput))
	})
	return p
}

// Init opens the encoder with the completion callback and launches the
// worker.
func (p *PostProcessor) Init(encoder encode.Encoder) error {
	if p.encoder != nil {
		return errors.Errorf("post-processor already initialized: %w", camera.ErrState)
	}
	if err := encoder.Open(p.onEncodeComplete); err != nil {
		return errors.Errorf("open encoder: %w", err)
	}
	p.encoder = encoder
	p.proc.Launch(p.routine)
	return nil
}

// Deinit stops processing, exits the worker and closes the encoder.
func (p *PostProcessor) Deinit() error {
	if p.encoder == nil {
		return nil
	}
	p.Stop()
	p.proc.Exit()

	// Anything submitted after the last stop.
	p.drainInputs()

	err := p.encoder.Close()
	p.encoder = nil
	return err
}

// SetExpectedSnapshots sets the counted delivery target for the next Start.
func (p *PostProcessor) SetExpectedSnapshots(n int) {
	p.mu.Lock()
	p.expected = n
	p.mu.Unlock()
}

// Start activates processing of frames from src. When reprocessing is
// configured a reprocess channel is built over src and started first; if
// that fails nothing is activated.
func (p *PostProcessor) Start(src *camera.Channel) error {
	if p.encoder == nil {
		return errors.Errorf("post-processor not initialized: %w", camera.ErrState)
	}
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	if active {
		return errors.Errorf("post-processor already started: %w", camera.ErrState)
	}

	var r *camera.ReprocessChannel
	if p.cfg.Reprocess {
		var err error
		if r, err = p.startReprocess(src); err != nil {
			return errors.Errorf("start reprocess channel: %w", err)
		}
	}

	p.mu.Lock()
	p.src = src
	p.reproc = r
	expected := p.expected
	p.mu.Unlock()

	p.cfg.Notifier.BeginCountedDelivery(expected)
	p.proc.SendCmd(queue.CmdStartDataProc, true, false)
	return nil
}

func (p *PostProcessor) startReprocess(src *camera.Channel) (*camera.ReprocessChannel, error) {
	if src == nil {
		return nil, errors.Errorf("no source channel: %w", camera.ErrNotFound)
	}

	r := camera.NewReprocessChannel(p.cfg.Service, p.cfg.Allocator)
	if err := r.Init(camera.ChannelAttr{Mode: camera.NotifyContinuous}, nil); err != nil {
		return nil, err
	}
	err := r.AddReprocStreamsFromSource(src, p.cfg.ReprocessFeature, p.cfg.ReprocessBufs, p.cfg.Padding, p.onReprocessFrame)
	if err == nil {
		err = r.Start()
	}
	if err != nil {
		if cerr := r.Close(); cerr != nil {
			log.Warn("close reprocess channel: %v", cerr)
		}
		return nil, err
	}
	return r, nil
}

// Stop aborts the job being encoded, destroys the session, returns every
// queued buffer and tears down the reprocess channel. It returns once all of
// that is done. Stopping an idle post-processor only drains its inputs.
func (p *PostProcessor) Stop() {
	if !p.proc.Running() {
		return
	}
	if p.IsActive() {
		p.cfg.Notifier.EndCountedDelivery()
	}
	p.proc.SendCmd(queue.CmdStopDataProc, true, true)
}

func (p *PostProcessor) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *PostProcessor) Backlog() Backlog {
	return Backlog{
		ReprocessInput:   p.inputPP.Len(),
		ReprocessOngoing: p.ongoingPP.Len(),
		EncodeInput:      p.inputJpeg.Len(),
		EncodeOngoing:    p.ongoingJpeg.Len(),
		Raw:              p.raw.Len(),
	}
}

// ProcessData submits a captured frame. The post-processor owns the frame
// from here on. Errors are reported through the notifier, not returned.
func (p *PostProcessor) ProcessData(frame *camera.SuperBuf) {
	if frame == nil {
		return
	}
	switch {
	case p.cfg.Reprocess:
		p.inputPP.Enqueue(frame)
	case p.cfg.RawPassthrough:
		p.raw.Enqueue(&jpegInput{frame: frame})
	default:
		p.inputJpeg.Enqueue(&jpegInput{frame: frame})
	}
	p.proc.SendCmd(queue.CmdDoNextJob, false, false)
}

// ProcessRawData submits a frame for delivery without encoding.
func (p *PostProcessor) ProcessRawData(frame *camera.SuperBuf) {
	if frame == nil {
		return
	}
	p.raw.Enqueue(&jpegInput{frame: frame})
	p.proc.SendCmd(queue.CmdDoNextJob, false, false)
}

func (p *PostProcessor) onReprocessFrame(frame *camera.SuperBuf, s *camera.Stream) {
	p.ProcessPPData(frame)
}

// ProcessPPData takes one reprocess output. Outputs are matched to the
// ongoing reprocess job; once all derived streams have reported, the
// gathered result is queued for encoding together with its source frame.
func (p *PostProcessor) ProcessPPData(frame *camera.SuperBuf) {
	p.ppMu.Lock()
	defer p.ppMu.Unlock()

	if !p.IsActive() {
		p.releaseFrame(frame)
		return
	}
	job, ok := p.ongoingPP.Front().(*ppJob)
	if !ok {
		log.Warn("reprocess output on channel %d with no job pending", frame.ChannelID)
		p.releaseFrame(frame)
		return
	}

	if job.out == nil {
		job.out = &camera.SuperBuf{ChannelID: frame.ChannelID}
	}
	job.out.Bufs = append(job.out.Bufs, frame.Bufs...)
	if job.pending--; job.pending > 0 {
		return
	}

	if p.ongoingPP.DequeueMatching(same(job)) == nil {
		return
	}
	in := &jpegInput{frame: job.out, src: job.src}
	if p.cfg.RawPassthrough {
		p.raw.Enqueue(in)
	} else {
		p.inputJpeg.Enqueue(in)
	}
	p.proc.SendCmd(queue.CmdDoNextJob, false, false)
}

func (p *PostProcessor) onEncodeComplete(session encode.SessionID, id encode.JobID, status encode.Status, out *encode.Output) {
	p.completing.RLock()
	defer p.completing.RUnlock()

	p.mu.Lock()
	_, aborted := p.aborted.Get(jobKey{session, id})
	p.mu.Unlock()
	if aborted {
		log.Debug("dropping completion of aborted job %d in session %d", id, session)
		return
	}

	v := p.ongoingJpeg.DequeueMatching(func(v interface{}) bool {
		job := v.(*encodeJob)
		p.mu.Lock()
		defer p.mu.Unlock()
		return job.session == session && (job.id == id || job.submitting)
	})
	if v == nil {
		log.Warn("completion of unknown job %d in session %d", id, session)
		return
	}
	job := v.(*encodeJob)

	if status != encode.StatusSuccess || out == nil {
		log.Error("job %d: %v", id, status)
		p.releaseInput(job.in)
		p.notifyError(notify.ErrorEncode)
	} else {
		item := &notify.Item{
			Category: notify.CategorySnapshot,
			Msg:      notify.MsgCompressedImage,
			Data:     out.Data,
			Metadata: p.metadata(job.in),
			Release:  func() { p.releaseInput(job.in) },
		}
		if err := p.cfg.Notifier.Deliver(item); err != nil {
			log.Error("deliver job %d: %v", id, err)
			p.releaseInput(job.in)
		}
	}

	p.proc.SendCmd(queue.CmdDoNextJob, false, false)
}

func (p *PostProcessor) routine(t *queue.CmdThread) {
	for {
		switch cmd := t.WaitCmd(); cmd {
		case queue.CmdStartDataProc:
			p.mu.Lock()
			p.active = true
			p.mu.Unlock()
			p.haveSession = false
			t.SyncDone()

		case queue.CmdStopDataProc:
			p.teardown()
			t.SyncDone()

		case queue.CmdDoNextJob:
			if p.IsActive() {
				p.doNextJob()
			} else {
				p.drainInputs()
			}

		case queue.CmdExit:
			return
		}
	}
}

func (p *PostProcessor) doNextJob() {
	if p.ongoingJpeg.IsEmpty() {
		if in, ok := p.inputJpeg.Dequeue().(*jpegInput); ok {
			p.encode(in)
		}
	}

	if in, ok := p.raw.Dequeue().(*jpegInput); ok {
		p.passthrough(in)
	}

	if p.ongoingPP.IsEmpty() {
		if frame, ok := p.inputPP.Dequeue().(*camera.SuperBuf); ok {
			p.reprocess(frame)
		}
	}
}

func (p *PostProcessor) drainInputs() {
	p.inputPP.Flush()
	p.inputJpeg.Flush()
	p.raw.Flush()
}

// teardown runs on the worker.
func (p *PostProcessor) teardown() {
	p.mu.Lock()
	p.active = false
	r := p.reproc
	p.mu.Unlock()

	// No reprocess output is dispatched once the channel is stopped.
	if r != nil && r.IsActive() {
		if err := r.Stop(); err != nil {
			log.Warn("stop reprocess channel: %v", err)
		}
	}

	for {
		job, ok := p.ongoingJpeg.Dequeue().(*encodeJob)
		if !ok {
			break
		}
		p.abort(job)
		p.releaseInput(job.in)
	}

	// Wait out completions that got hold of a job before the abort.
	p.completing.Lock()
	p.completing.Unlock()

	if p.haveSession {
		if err := p.encoder.DestroySession(p.session); err != nil {
			log.Warn("destroy session %d: %v", p.session, err)
		}
		p.haveSession = false
	}

	p.ongoingPP.Flush()
	p.drainInputs()

	if r != nil {
		if err := r.Close(); err != nil {
			log.Warn("close reprocess channel: %v", err)
		}
	}
	p.mu.Lock()
	p.reproc = nil
	p.src = nil
	p.mu.Unlock()
}

func (p *PostProcessor) abort(job *encodeJob) {
	p.mu.Lock()
	id := job.id
	if id != 0 {
		p.aborted.Add(jobKey{job.session, id}, struct{}{})
	}
	p.mu.Unlock()

	if id == 0 {
		return
	}
	if err := p.encoder.AbortJob(job.session, id); err != nil {
		log.Debug("abort job %d: %v", id, err)
	}
}

// encode submits in to the session, creating the session first if this is
// the first job since start. On failure in is released and an error is
// reported.
func (p *PostProcessor) encode(in *jpegInput) {
	if err := p.submit(in); err != nil {
		log.Error("%v", err)
		p.releaseInput(in)
		p.notifyError(notify.ErrorEncode)
	}
}

func (p *PostProcessor) submit(in *jpegInput) error {
	params, err := p.jobParams(in)
	if err != nil {
		return err
	}

	if !p.haveSession {
		id, err := p.encoder.CreateSession(encode.SessionConfig{
			Quality:      p.cfg.Quality,
			ThumbQuality: p.cfg.ThumbQuality,
		})
		if err != nil {
			return errors.Errorf("create session: %w", err)
		}
		p.session = id
		p.haveSession = true
	}

	job := &encodeJob{session: p.session, in: in, submitting: true}
	p.ongoingJpeg.Enqueue(job)

	id, err := p.encoder.SubmitJob(p.session, params)
	p.mu.Lock()
	job.submitting = false
	if err == nil {
		job.id = id
	}
	p.mu.Unlock()
	if err != nil {
		if p.ongoingJpeg.DequeueMatching(same(job)) == nil {
			return nil
		}
		return errors.Errorf("submit to session %d: %w", p.session, err)
	}
	log.Debug("job %d: frame %d on channel %d", id, frameIdx(in.frame), in.frame.ChannelID)
	return nil
}

// jobParams assembles the encode parameters for in. The main image is the
// snapshot buffer, the thumbnail the preview or postview buffer.
func (p *PostProcessor) jobParams(in *jpegInput) (*encode.JobParams, error) {
	mainBuf, mainStream := p.findBuf(in.frame, isMainImage)
	if mainBuf == nil {
		return nil, errors.Errorf("no main image in frame on channel %d: %w", in.frame.ChannelID, camera.ErrNotFound)
	}

	params := &encode.JobParams{
		Main:     image(mainBuf, mainStream),
		Rotation: p.cfg.Rotation,
		Metadata: p.metadata(in),
	}

	// Rotation already done by the reprocess pass.
	reprocessed := in.src != nil
	if reprocessed && p.cfg.ReprocessFeature.Has(camera.FeatureRotation) {
		params.Rotation = camera.Rotate0
	}

	if p.cfg.Thumbnail != (camera.Dim{}) {
		thumb := params.Main
		if buf, s := p.findBuf(in.frame, isThumbnail); buf != nil {
			thumb = image(buf, s)
		}
		params.Thumbnail = &thumb
		params.ThumbnailDim = p.cfg.Thumbnail
		if p.cfg.Rotation.Quarter() {
			params.ThumbnailDim = params.ThumbnailDim.Swapped()
		}
	}
	return params, nil
}

// metadata returns the metadata buffer of in, looking in the frame first and
// then in the source of a reprocessed frame.
func (p *PostProcessor) metadata(in *jpegInput) []byte {
	for _, frame := range []*camera.SuperBuf{in.frame, in.src} {
		if frame == nil {
			continue
		}
		if buf, s := p.findBuf(frame, isMetadata); buf != nil {
			return s.Memory().Bytes(buf.Index)
		}
	}
	return nil
}

// passthrough delivers the main buffer of in as the picture.
func (p *PostProcessor) passthrough(in *jpegInput) {
	buf, s := p.findBuf(in.frame, isMainImage)
	if buf == nil {
		log.Error("no main image in raw frame on channel %d", in.frame.ChannelID)
		p.releaseInput(in)
		p.notifyError(notify.ErrorUnknown)
		return
	}
	data := s.Memory().Bytes(buf.Index)

	p.deliver(&notify.Item{Category: notify.CategoryEvent, Msg: notify.MsgRawImageNotify})
	p.deliver(&notify.Item{Category: notify.CategoryData, Msg: notify.MsgRawImage, Data: data, Index: buf.Index})

	item := &notify.Item{
		Category: notify.CategorySnapshot,
		Msg:      notify.MsgCompressedImage,
		Data:     data,
		Index:    buf.Index,
		Metadata: p.metadata(in),
		Release:  func() { p.releaseInput(in) },
	}
	if err := p.cfg.Notifier.Deliver(item); err != nil {
		log.Error("deliver raw frame: %v", err)
		p.releaseInput(in)
	}
}

// reprocess hands frame to the reprocess channel and records it as the
// ongoing reprocess job.
func (p *PostProcessor) reprocess(frame *camera.SuperBuf) {
	p.mu.Lock()
	r := p.reproc
	p.mu.Unlock()

	pending := 0
	if r != nil {
		for _, buf := range frame.Bufs {
			if r.StreamBySourceHandle(buf.StreamID) != nil {
				pending++
			}
		}
	}
	if pending == 0 {
		log.Error("frame %d on channel %d has nothing to reprocess", frameIdx(frame), frame.ChannelID)
		p.releaseFrame(frame)
		p.notifyError(notify.ErrorUnknown)
		return
	}

	job := &ppJob{src: frame, pending: pending}
	p.ongoingPP.Enqueue(job)
	if err := r.DoReprocess(frame); err != nil {
		log.Error("reprocess frame %d: %v", frameIdx(frame), err)
		if v := p.ongoingPP.DequeueMatching(same(job)); v != nil {
			p.releaseFrame(job.src)
			p.releaseFrame(job.out)
		}
		p.notifyError(notify.ErrorUnknown)
	}
}

func (p *PostProcessor) deliver(item *notify.Item) {
	if err := p.cfg.Notifier.Deliver(item); err != nil {
		log.Warn("deliver %s: %v", item.Msg, err)
		if item.Release != nil {
			item.Release()
		}
	}
}

func (p *PostProcessor) notifyError(code int32) {
	p.deliver(&notify.Item{
		Category: notify.CategoryEvent,
		Msg:      notify.MsgError,
		Ext1:     code,
	})
}

func (p *PostProcessor) releaseInput(in *jpegInput) {
	p.releaseFrame(in.frame)
	p.releaseFrame(in.src)
}

// releaseFrame returns frame to the channel that owns its buffers.
func (p *PostProcessor) releaseFrame(frame *camera.SuperBuf) {
	if frame == nil {
		return
	}
	ch := p.channel(frame.ChannelID)
	if ch == nil {
		log.Warn("no channel %d to return frame %d to", frame.ChannelID, frameIdx(frame))
		return
	}
	if err := ch.BufDone(frame); err != nil {
		log.Warn("return frame %d: %v", frameIdx(frame), err)
	}
}

func (p *PostProcessor) channel(h camera.Handle) *camera.Channel {
	p.mu.Lock()
	r, src := p.reproc, p.src
	p.mu.Unlock()

	switch {
	case r != nil && r.Handle() == h:
		return r.Channel
	case src != nil && src.Handle() == h:
		return src
	case p.cfg.Channels != nil:
		return p.cfg.Channels.Channel(h)
	}
	return nil
}

func (p *PostProcessor) findBuf(frame *camera.SuperBuf, match func(*camera.Stream) bool) (*camera.BufDef, *camera.Stream) {
	ch := p.channel(frame.ChannelID)
	if ch == nil {
		return nil, nil
	}
	for _, buf := range frame.Bufs {
		if s := ch.StreamByHandle(buf.StreamID); s != nil && match(s) {
			return buf, s
		}
	}
	return nil, nil
}

func isMainImage(s *camera.Stream) bool {
	return isOrReprocesses(s, camera.StreamSnapshot, camera.StreamNonZSLSnapshot, camera.StreamRaw)
}

func isThumbnail(s *camera.Stream) bool {
	return isOrReprocesses(s, camera.StreamPreview, camera.StreamPostview)
}

func isMetadata(s *camera.Stream) bool {
	return s.IsTypeOf(camera.StreamMetadata)
}

func isOrReprocesses(s *camera.Stream, types ...camera.StreamType) bool {
	for _, t := range types {
		if s.IsTypeOf(t) || s.IsOriginalTypeOf(t) {
			return true
		}
	}
	return false
}

func image(buf *camera.BufDef, s *camera.Stream) encode.Image {
	return encode.Image{
		Format: s.Format(),
		Dim:    s.Dim(),
		Data:   s.Memory().Bytes(buf.Index),
	}
}

func same(target interface{}) queue.MatchFunc {
	return func(v interface{}) bool { return v == target }
}

func frameIdx(frame *camera.SuperBuf) uint32 {
	if frame == nil || len(frame.Bufs) == 0 {
		return 0
	}
	return frame.Bufs[0].FrameIdx
}
