//////////////////////////////////////////////////////////////////////////////
//
// Config contains configuration data for Camera
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohacam

import (
	"github.com/lanikai/alohacam/internal/camera"
	"github.com/lanikai/alohacam/internal/encode"
	"github.com/lanikai/alohacam/internal/notify"
)

type Config struct {
	Service   camera.Service
	Allocator camera.Allocator
	Encoder   encode.Encoder

	PreviewSize   camera.Dim // Preview frame size, in pixels
	PictureSize   camera.Dim // Still picture size, in pixels
	ThumbnailSize camera.Dim // Zero for no thumbnail

	Rotation camera.Rotation // Picture rotation, clockwise
	Quality  int             // JPEG quality, 1-100

	// Run captures through a reprocess pass before encoding. Rotation is
	// then applied by the reprocess pass rather than the encoder.
	Reprocess bool

	// Deliver uncompressed captures instead of JPEG.
	RawPictures bool

	// Messages enabled at open. Zero enables all.
	Messages notify.MsgType

	// Application callbacks. Any may be nil.
	Callbacks notify.Callbacks

	// Preview frames are shed while this many notifications are pending.
	MaxPendingNotifications int
}

func (cfg *Config) applyDefaults() {
	if cfg.PreviewSize == (camera.Dim{}) {
		cfg.PreviewSize = camera.Dim{Width: 640, Height: 480}
	}
	if cfg.PictureSize == (camera.Dim{}) {
		cfg.PictureSize = camera.Dim{Width: 1280, Height: 960}
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	if cfg.Messages == 0 {
		cfg.Messages = notify.MsgAll
	}
}
