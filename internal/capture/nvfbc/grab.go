package nvfbc

import (
	"fmt"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

const (
	// grabAttempts bounds backend round-trips per GrabFrame call. An
	// invalidated session consumes one attempt for its rebuild.
	grabAttempts = 2

	bytesPerPixel = 3
)

// region is the part of the backend buffer delivered to the caller.
type region struct {
	Width  int
	Height int
	Offset int // byte offset of the first delivered pixel
	Pitch  int // source bytes per row
}

// reconcile clamps the grabbed frame to the live desktop size and centers
// the delivered rectangle inside the backend's buffer. Odd differences round
// toward the top-left. A non-positive desktop dimension leaves that axis
// unclamped.
func reconcile(info FrameGrabInfo, desktopWidth, desktopHeight int) region {
	width := int(info.Width)
	height := int(info.Height)
	if desktopWidth > 0 && desktopWidth < width {
		width = desktopWidth
	}
	if desktopHeight > 0 && desktopHeight < height {
		height = desktopHeight
	}

	bufferWidth := int(info.BufferWidth)
	offset := (((int(info.Height)-height)>>1)*bufferWidth + ((int(info.Width) - width) >> 1)) * bytesPerPixel

	return region{
		Width:  width,
		Height: height,
		Offset: offset,
		Pitch:  bufferWidth * bytesPerPixel,
	}
}

// extent is the number of source bytes the copy touches.
func (r region) extent() int {
	if r.Width == 0 || r.Height == 0 {
		return 0
	}
	return r.Offset + (r.Height-1)*r.Pitch + r.Width*bytesPerPixel
}

// GrabFrame copies the current desktop into frame.Buffer. An invalidated
// vendor session is rebuilt in place, at most once per call; a dynamic
// disable is reported immediately.
func (s *Session) GrabFrame(frame *capture.FrameInfo) error {
	if s.state != StateReady {
		return ErrNotInitialized
	}

	log := logger.WithComponent("nvfbc")

	for attempt := 0; attempt < grabAttempts; attempt++ {
		desktopWidth, desktopHeight := s.desktopSize()

		r := s.tosys.GrabFrame(&s.grabParams)
		switch r {
		case ResultSuccess:
			return s.copyFrame(frame, reconcile(s.grabInfo, desktopWidth, desktopHeight))

		case ResultDynamicDisable:
			log.Error().Msg("NvFBC was disabled by someone else")
			return ErrDynamicDisable

		case ResultInvalidatedSession:
			log.Warn().Int("attempt", attempt+1).Msg("Session was invalidated, attempting to restart")
			s.DeInitialize()
			if err := s.Initialize(); err != nil {
				log.Error().Err(err).Msg("Failed to re-initialize")
				return fmt.Errorf("%w: %w", ErrReinitFailed, err)
			}
			s.recoveries++

		default:
			log.Debug().
				Int("attempt", attempt+1).
				Str("result", r.String()).
				Msg("NvFBCToSysGrabFrame failed")
		}
	}

	log.Error().Msg("Failed to grab frame")
	return ErrGrabFailed
}

// desktopSize returns the live desktop dimensions, or zeros when they
// cannot be read.
func (s *Session) desktopSize() (int, int) {
	bounds, err := s.platform.DesktopBounds()
	if err != nil {
		logger.WithComponent("nvfbc").Debug().Err(err).Msg("Desktop bounds unavailable, using grabbed size")
		return 0, 0
	}
	return bounds.Dx(), bounds.Dy()
}

// copyFrame copies the reconciled region row by row. Source rows are
// BufferWidth pixels wide; destination rows are tightly packed.
func (s *Session) copyFrame(frame *capture.FrameInfo, r region) error {
	outSize := r.Width * r.Height * bytesPerPixel
	if len(frame.Buffer) < outSize {
		return fmt.Errorf("%w: need %d bytes, have %d", capture.ErrBufferTooSmall, outSize, len(frame.Buffer))
	}

	frame.Width = r.Width
	frame.Height = r.Height
	frame.Stride = r.Width
	frame.OutSize = outSize

	if outSize == 0 {
		return nil
	}

	src := s.buffer.Bytes(r.extent())
	row := r.Width * bytesPerPixel
	for y := 0; y < r.Height; y++ {
		from := r.Offset + y*r.Pitch
		copy(frame.Buffer[y*row:(y+1)*row], src[from:from+row])
	}
	return nil
}
