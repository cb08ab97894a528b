package sim

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/camera"
	"github.com/lanikai/alohacam/internal/encode"
)

type EncoderConfig struct {
	// Artificial encode latency.
	Delay time.Duration
}

type EncoderStats struct {
	SessionsCreated   int
	SessionsDestroyed int
	Submitted         int
	Completed         int
	Failed            int
	Aborted           int

	// Highest number of jobs in flight at once.
	MaxOngoing int
}

// Encoder is an encode engine that turns the luma plane of the main image
// into a grayscale JPEG. Each job completes on its own goroutine.
type Encoder struct {
	cfg EncoderConfig

	mu          sync.Mutex
	done        encode.DoneFunc
	sessions    map[encode.SessionID]*session
	jobs        map[jobKey]*encodeJob
	nextSession encode.SessionID

	hold       bool
	held       []*encodeJob
	failSubmit error
	failEncode int

	stats EncoderStats
	wg    sync.WaitGroup
}

type session struct {
	cfg     encode.SessionConfig
	nextJob encode.JobID
}

// Job ids are numbered per session.
type jobKey struct {
	session encode.SessionID
	id      encode.JobID
}

type encodeJob struct {
	key     jobKey
	cfg     encode.SessionConfig
	params  encode.JobParams
	fail    bool
	gate    chan struct{}
	aborted bool
}

func NewEncoder(cfg EncoderConfig) *Encoder {
	return &Encoder{
		cfg:      cfg,
		sessions: make(map[encode.SessionID]*session),
		jobs:     make(map[jobKey]*encodeJob),
	}
}

func (e *Encoder) Open(done encode.DoneFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done != nil {
		return errors.New("encoder already open")
	}
	if done == nil {
		return errors.New("nil completion callback")
	}
	e.done = done
	return nil
}

// Close aborts every job in flight and waits for job goroutines to exit.
func (e *Encoder) Close() error {
	e.mu.Lock()
	for key, j := range e.jobs {
		e.abortLocked(key, j)
	}
	e.done = nil
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// Hold keeps submitted jobs from completing until Resume.
func (e *Encoder) Hold() {
	e.mu.Lock()
	e.hold = true
	e.mu.Unlock()
}

// Resume lets held jobs complete and stops holding new ones.
func (e *Encoder) Resume() {
	e.mu.Lock()
	held := e.held
	e.held = nil
	e.hold = false
	e.mu.Unlock()

	for _, j := range held {
		close(j.gate)
	}
}

// FailSubmit makes SubmitJob return err until cleared with nil.
func (e *Encoder) FailSubmit(err error) {
	e.mu.Lock()
	e.failSubmit = err
	e.mu.Unlock()
}

// FailNext makes the next n accepted jobs complete with StatusError.
func (e *Encoder) FailNext(n int) {
	e.mu.Lock()
	e.failEncode = n
	e.mu.Unlock()
}

func (e *Encoder) Stats() EncoderStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Sessions returns the number of live sessions.
func (e *Encoder) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Encoder) CreateSession(cfg encode.SessionConfig) (encode.SessionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done == nil {
		return 0, errors.Wrap(encode.ErrSession, "encoder not open")
	}
	e.nextSession++
	e.sessions[e.nextSession] = &session{cfg: cfg}
	e.stats.SessionsCreated++
	return e.nextSession, nil
}

func (e *Encoder) DestroySession(id encode.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[id]; !ok {
		return errors.Wrapf(encode.ErrSession, "no session %d", id)
	}
	delete(e.sessions, id)
	e.stats.SessionsDestroyed++
	return nil
}

func (e *Encoder) SubmitJob(id encode.SessionID, params *encode.JobParams) (encode.JobID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failSubmit != nil {
		return 0, e.failSubmit
	}
	sess, ok := e.sessions[id]
	if !ok {
		return 0, errors.Wrapf(encode.ErrSession, "no session %d", id)
	}

	sess.nextJob++
	j := &encodeJob{
		key:    jobKey{id, sess.nextJob},
		cfg:    sess.cfg,
		params: *params,
		gate:   make(chan struct{}),
	}
	if e.failEncode > 0 {
		e.failEncode--
		j.fail = true
	}
	if e.hold {
		e.held = append(e.held, j)
	} else {
		close(j.gate)
	}

	e.jobs[j.key] = j
	e.stats.Submitted++
	if len(e.jobs) > e.stats.MaxOngoing {
		e.stats.MaxOngoing = len(e.jobs)
	}

	e.wg.Add(1)
	go e.run(j)
	return j.key.id, nil
}

func (e *Encoder) AbortJob(session encode.SessionID, id encode.JobID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := jobKey{session, id}
	j, ok := e.jobs[key]
	if !ok {
		return errors.Wrapf(encode.ErrSession, "no job %d in session %d", id, session)
	}
	e.abortLocked(key, j)
	return nil
}

func (e *Encoder) abortLocked(key jobKey, j *encodeJob) {
	delete(e.jobs, key)
	j.aborted = true
	e.stats.Aborted++

	// Release a held job so its goroutine can exit.
	for i, h := range e.held {
		if h == j {
			e.held = append(e.held[:i], e.held[i+1:]...)
			close(j.gate)
			break
		}
	}
}

func (e *Encoder) run(j *encodeJob) {
	defer e.wg.Done()

	<-j.gate
	if e.cfg.Delay > 0 {
		time.Sleep(e.cfg.Delay)
	}

	status := encode.StatusSuccess
	var out *encode.Output
	if j.fail {
		status = encode.StatusError
	} else if data, err := encodeJPEG(&j.params, j.cfg.Quality); err != nil {
		log.Warn("job %d: %v", j.key.id, err)
		status = encode.StatusError
	} else {
		out = &encode.Output{Data: data}
	}

	e.mu.Lock()
	if j.aborted {
		e.mu.Unlock()
		return
	}
	delete(e.jobs, j.key)
	if status == encode.StatusSuccess {
		e.stats.Completed++
	} else {
		e.stats.Failed++
	}
	done := e.done
	e.mu.Unlock()

	if done != nil {
		done(j.key.session, j.key.id, status, out)
	}
}

func encodeJPEG(params *encode.JobParams, quality int) ([]byte, error) {
	main := &params.Main
	w, h := main.Dim.Width, main.Dim.Height
	if w <= 0 || h <= 0 || len(main.Data) < w*h {
		return nil, errors.Errorf("main image %v has %d bytes", main.Dim, len(main.Data))
	}

	// Already-compressed input passes through.
	if main.Format == camera.FormatJPEG {
		return append([]byte(nil), main.Data...), nil
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	copy(img.Pix, main.Data[:w*h])
	if params.Rotation != camera.Rotate0 {
		rotated := make([]byte, w*h)
		rotatePlane(rotated, img.Pix, main.Dim, params.Rotation)
		r := image.Rect(0, 0, w, h)
		if params.Rotation.Quarter() {
			r = image.Rect(0, 0, h, w)
		}
		img = &image.Gray{Pix: rotated, Stride: r.Dx(), Rect: r}
	}

	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
