package sim

import (
	"github.com/lanikai/alohacam/internal/camera"
)

// writePattern draws a diagonal luma ramp that moves with frameIdx, and
// neutral chroma.
func writePattern(data []byte, dim camera.Dim, frameIdx uint32) {
	w, h := dim.Width, dim.Height
	luma := w * h
	if luma > len(data) {
		luma = len(data)
	}
	for i := 0; i < luma; i++ {
		x, y := i%w, i/w
		data[i] = byte(x + y + int(frameIdx))
	}
	for i := luma; i < len(data); i++ {
		data[i] = 0x80
	}
}

// rotatePlane writes the luma plane of in, sized dim, rotated clockwise by
// rot into out. Chroma is left neutral.
func rotatePlane(out, in []byte, dim camera.Dim, rot camera.Rotation) {
	w, h := dim.Width, dim.Height
	if len(in) < w*h || len(out) < w*h {
		copy(out, in)
		return
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy, dw int
			switch rot {
			case camera.Rotate90:
				dx, dy, dw = h-1-y, x, h
			case camera.Rotate180:
				dx, dy, dw = w-1-x, h-1-y, w
			case camera.Rotate270:
				dx, dy, dw = y, w-1-x, h
			default:
				dx, dy, dw = x, y, w
			}
			out[dy*dw+dx] = in[y*w+x]
		}
	}
	for i := w * h; i < len(out); i++ {
		out[i] = 0x80
	}
}
