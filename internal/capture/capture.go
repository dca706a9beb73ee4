package capture

import (
	"errors"
	"fmt"
	"image"
)

// FrameType describes the pixel layout a grabber writes into FrameInfo.Buffer.
type FrameType int

const (
	FrameTypeInvalid FrameType = iota
	// FrameTypeARGB is 4 bytes per pixel in B, G, R, A byte order.
	FrameTypeARGB
	// FrameTypeRGB is 3 bytes per pixel, tightly packed, B, G, R byte order.
	FrameTypeRGB
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeARGB:
		return "argb"
	case FrameTypeRGB:
		return "rgb"
	default:
		return "invalid"
	}
}

// FrameComp describes the compression applied to a frame.
type FrameComp int

const (
	FrameCompNone FrameComp = iota
)

func (c FrameComp) String() string {
	switch c {
	case FrameCompNone:
		return "none"
	default:
		return fmt.Sprintf("comp(%d)", int(c))
	}
}

// FrameInfo describes one grabbed frame. Buffer is owned by the caller and
// must hold at least MaxFrameSize() bytes of the grabber that fills it.
type FrameInfo struct {
	Width   int
	Height  int
	Stride  int // pixels per row in Buffer
	OutSize int // bytes written to Buffer
	Buffer  []byte
}

// FrameGrabber is a screen capture backend.
//
// A grabber is constructed empty and does nothing until Initialize succeeds.
// Releasing the grabber requires an explicit DeInitialize; dropping the last
// reference does not free backend resources. Implementations are not safe
// for concurrent use.
type FrameGrabber interface {
	// Name returns a short identifier for the backend ("nvfbc", "x11").
	Name() string

	// Initialize brings the backend to a ready state. Calling it on a ready
	// grabber re-initializes from scratch. On failure the grabber is left
	// uninitialized and may be retried later.
	Initialize() error

	// DeInitialize releases every backend resource. Safe to call repeatedly
	// and from any state.
	DeInitialize()

	// GrabFrame copies one full frame into frame.Buffer and fills in the
	// frame geometry.
	GrabFrame(frame *FrameInfo) error

	// MaxFrameSize is the largest number of bytes GrabFrame may write, or 0
	// when the grabber is not ready.
	MaxFrameSize() int

	// FrameType reports FrameTypeInvalid when the grabber is not ready.
	FrameType() FrameType

	// FrameCompression reports FrameCompNone when the grabber is not ready.
	FrameCompression() FrameComp

	// Ready reports whether Initialize has succeeded and no teardown happened since.
	Ready() bool
}

// Recoverer is implemented by grabbers that rebuild their connection or
// session inside GrabFrame.
type Recoverer interface {
	// Recoveries counts in-place rebuilds since construction.
	Recoveries() uint64
}

var (
	// ErrUnsupportedFrameType is returned when converting a frame of an unknown layout.
	ErrUnsupportedFrameType = errors.New("unsupported frame type")

	// ErrShortFrame is returned when a frame's buffer is smaller than its geometry.
	ErrShortFrame = errors.New("frame buffer shorter than frame geometry")

	// ErrNoBackend is returned by the router when no grabber could be initialized.
	ErrNoBackend = errors.New("no capture backend available")

	// ErrBufferTooSmall is returned by GrabFrame when the caller's buffer
	// cannot hold the frame. Nothing is written to the buffer.
	ErrBufferTooSmall = errors.New("frame buffer too small")
)

// BytesPerPixel returns the size of one pixel for a frame type, or 0.
func BytesPerPixel(t FrameType) int {
	switch t {
	case FrameTypeARGB:
		return 4
	case FrameTypeRGB:
		return 3
	default:
		return 0
	}
}

// ToRGBA converts a grabbed frame into an image.RGBA. The frame buffer is not
// retained.
func ToRGBA(t FrameType, frame *FrameInfo) (*image.RGBA, error) {
	bpp := BytesPerPixel(t)
	if bpp == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFrameType, t)
	}

	pitch := frame.Stride * bpp
	if frame.Height > 0 && len(frame.Buffer) < (frame.Height-1)*pitch+frame.Width*bpp {
		return nil, ErrShortFrame
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		src := frame.Buffer[y*pitch : y*pitch+frame.Width*bpp]
		dst := img.Pix[y*img.Stride : y*img.Stride+frame.Width*4]
		for x, d := 0, 0; x < len(src); x, d = x+bpp, d+4 {
			dst[d+0] = src[x+2]
			dst[d+1] = src[x+1]
			dst[d+2] = src[x+0]
			dst[d+3] = 255
		}
	}
	return img, nil
}
