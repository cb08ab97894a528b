package alohacam

import "github.com/pkg/errors"

var (
	ErrClosed = errors.New("camera closed")
	ErrBusy   = errors.New("picture in progress")

	errNotConfigured = errors.New("missing service, allocator or encoder")
)
