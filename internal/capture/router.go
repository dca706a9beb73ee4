package capture

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// Router is a FrameGrabber that picks the first backend, in priority order,
// that initializes successfully and delegates to it from then on.
type Router struct {
	backends []FrameGrabber
	active   FrameGrabber
}

// NewRouter creates a router over the given backends, highest priority first.
func NewRouter(backends ...FrameGrabber) (*Router, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("router needs at least one backend")
	}
	return &Router{backends: backends}, nil
}

// Name returns the active backend's name, or "router" when none is active.
func (r *Router) Name() string {
	if r.active != nil {
		return r.active.Name()
	}
	return "router"
}

// Initialize tears down the active backend, if any, and walks the backend
// list until one initializes.
func (r *Router) Initialize() error {
	log := logger.WithComponent("capture-router")

	r.DeInitialize()

	var errs []error
	for _, b := range r.backends {
		if err := b.Initialize(); err != nil {
			log.Warn().
				Err(err).
				Str("backend", b.Name()).
				Msg("Capture backend not available")
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}

		r.active = b
		log.Info().
			Str("backend", b.Name()).
			Int("max_frame_size", b.MaxFrameSize()).
			Str("frame_type", b.FrameType().String()).
			Msg("Capture backend initialized")
		return nil
	}

	return fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
}

// DeInitialize releases the active backend.
func (r *Router) DeInitialize() {
	if r.active == nil {
		return
	}
	r.active.DeInitialize()
	r.active = nil
}

// GrabFrame delegates to the active backend.
func (r *Router) GrabFrame(frame *FrameInfo) error {
	if r.active == nil {
		return ErrNoBackend
	}
	return r.active.GrabFrame(frame)
}

// MaxFrameSize delegates to the active backend.
func (r *Router) MaxFrameSize() int {
	if r.active == nil {
		return 0
	}
	return r.active.MaxFrameSize()
}

// FrameType delegates to the active backend.
func (r *Router) FrameType() FrameType {
	if r.active == nil {
		return FrameTypeInvalid
	}
	return r.active.FrameType()
}

// FrameCompression delegates to the active backend.
func (r *Router) FrameCompression() FrameComp {
	if r.active == nil {
		return FrameCompNone
	}
	return r.active.FrameCompression()
}

// Ready reports whether a backend is active and ready. A backend can drop
// out of the ready state by itself, e.g. when recovery inside GrabFrame fails.
func (r *Router) Ready() bool {
	return r.active != nil && r.active.Ready()
}

// Recoveries sums the in-place rebuilds of every backend that counts them.
func (r *Router) Recoveries() uint64 {
	var n uint64
	for _, b := range r.backends {
		if rc, ok := b.(Recoverer); ok {
			n += rc.Recoveries()
		}
	}
	return n
}

// Active returns the selected backend, or nil.
func (r *Router) Active() FrameGrabber {
	return r.active
}

// Backends returns the configured backends in priority order.
func (r *Router) Backends() []FrameGrabber {
	out := make([]FrameGrabber, len(r.backends))
	copy(out, r.backends)
	return out
}
