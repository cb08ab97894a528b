// Package encode defines the contract of the asynchronous encode engine used
// by the post-processor. An engine runs sessions; a session accepts one job
// at a time and reports completion through the callback registered at Open.
package encode

import (
	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/camera"
)

type SessionID uint32

// JobID identifies a submitted job within its session. Ids may repeat across
// sessions. Zero is never a valid id.
type JobID uint32

type Status int

const (
	StatusSuccess Status = iota
	StatusError
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "error"
}

var ErrSession = errors.New("encode session error")

// SessionConfig is fixed for the lifetime of a session.
type SessionConfig struct {
	Quality      int
	ThumbQuality int
}

// Image is a view of one captured buffer. Data belongs to the stream's pool
// and stays valid until the job completes or is aborted.
type Image struct {
	Format camera.Format
	Dim    camera.Dim
	Data   []byte
}

// JobParams describes one encode job.
type JobParams struct {
	Main Image

	// Thumbnail source, or nil for no thumbnail.
	Thumbnail    *Image
	ThumbnailDim camera.Dim

	Rotation camera.Rotation
	Metadata []byte
}

// Output is the encoded artifact. It is owned by the receiver of the
// completion callback.
type Output struct {
	Data []byte
}

// DoneFunc is called once per job that was neither aborted nor rejected at
// submission. It may run on any goroutine.
type DoneFunc func(session SessionID, job JobID, status Status, out *Output)

type Encoder interface {
	// Open registers done as the single completion callback.
	Open(done DoneFunc) error
	Close() error

	CreateSession(cfg SessionConfig) (SessionID, error)
	SubmitJob(session SessionID, job *JobParams) (JobID, error)
	AbortJob(session SessionID, job JobID) error
	DestroySession(session SessionID) error
}
