package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/capture/nvfbc"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/metrics"
	"github.com/bryanchriswhite/framegrab/internal/output"
)

var (
	// ErrNotReady is returned when the grabber could not be initialized.
	ErrNotReady = errors.New("capture is not ready")

	// ErrHalted is returned after the backend reported a hard disable. Only
	// Reinitialize clears it.
	ErrHalted = errors.New("capture halted by the backend, reinitialize to resume")

	// ErrAlreadyRunning is returned by Start on a running pump.
	ErrAlreadyRunning = errors.New("pump is already running")

	errThrottled = errors.New("re-initialization throttled")
)

// Renderer draws on top of a frame before it is written out.
type Renderer interface {
	Render(img *image.RGBA) error
}

// Options configures a Pump. Overlay and Output are optional.
type Options struct {
	ReinitInterval    time.Duration
	SlowGrabThreshold time.Duration
	Overlay           Renderer
	Output            output.Output
}

// Status is a snapshot of the pump and its grabber.
type Status struct {
	Backend          string    `json:"backend"`
	Ready            bool      `json:"ready"`
	Halted           bool      `json:"halted"`
	Running          bool      `json:"running"`
	MaxFrameSize     int       `json:"max_frame_size"`
	FrameType        string    `json:"frame_type"`
	FrameCompression string    `json:"frame_compression"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	Frames           uint64    `json:"frames"`
	Failures         uint64    `json:"failures"`
	SlowGrabs        uint64    `json:"slow_grabs"`
	InitAttempts     uint64    `json:"init_attempts"`
	Recoveries       uint64    `json:"recoveries"`
	LastError        string    `json:"last_error,omitempty"`
	ErrorClass       string    `json:"error_class,omitempty"`
	LastFrameAt      time.Time `json:"last_frame_at"`
}

// String formats the status as a one-line overlay label.
func (s Status) String() string {
	switch {
	case s.Halted:
		return fmt.Sprintf("%s halted: %s", s.Backend, s.LastError)
	case !s.Ready:
		return fmt.Sprintf("%s not ready", s.Backend)
	default:
		return fmt.Sprintf("%s %dx%d %s #%d", s.Backend, s.Width, s.Height, s.FrameType, s.Frames)
	}
}

// Pump drives a FrameGrabber on a timer and feeds the frames to an output.
// Every call into the grabber is serialized.
type Pump struct {
	grabber capture.FrameGrabber
	opts    Options
	now     func() time.Time

	grabMu       sync.Mutex
	buf          []byte
	lastInit     time.Time
	initAttempts uint64
	halted       bool
	gaugeBackend string

	mu        sync.RWMutex
	status    Status
	listeners []chan Status

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPump creates a stopped pump. The grabber is not initialized until the
// first tick or Snapshot.
func NewPump(grabber capture.FrameGrabber, opts Options) *Pump {
	return &Pump{
		grabber: grabber,
		opts:    opts,
		now:     time.Now,
		status:  Status{Backend: grabber.Name()},
	}
}

// Start grabs fps frames per second until Stop is called.
func (p *Pump) Start(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("fps must be positive, got %d", fps)
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.update(func(s *Status) { s.Running = true })

	logger.WithComponent("pump").Info().
		Int("fps", fps).
		Str("backend", p.grabber.Name()).
		Msg("Frame pump started")

	go p.run(ctx, time.Second/time.Duration(fps), p.done)
	return nil
}

// Stop halts the ticker loop and waits for the current tick to finish. The
// grabber stays initialized; call Close to release it.
func (p *Pump) Stop() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.update(func(s *Status) { s.Running = false })
	logger.WithComponent("pump").Info().Msg("Frame pump stopped")
}

// Close stops the pump, releases the grabber and closes every subscriber.
func (p *Pump) Close() {
	p.Stop()

	p.grabMu.Lock()
	p.grabber.DeInitialize()
	if p.gaugeBackend != "" {
		metrics.DeleteBackendMetrics(p.gaugeBackend)
		p.gaugeBackend = ""
	}
	desc := p.describeLocked()
	p.grabMu.Unlock()

	p.update(desc)

	p.mu.Lock()
	for _, l := range p.listeners {
		close(l)
	}
	p.listeners = nil
	p.mu.Unlock()
}

func (p *Pump) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick grabs one frame and hands it to the overlay and output.
func (p *Pump) tick() {
	img, err := p.capture(false)
	if err != nil {
		return
	}

	log := logger.WithComponent("pump")
	if p.opts.Overlay != nil {
		if err := p.opts.Overlay.Render(img); err != nil {
			log.Warn().Err(err).Msg("Overlay render failed")
		}
	}
	if p.opts.Output != nil && p.opts.Output.IsRunning() {
		if err := p.opts.Output.WriteFrame(img); err != nil {
			log.Debug().Err(err).Str("output", p.opts.Output.Name()).Msg("Failed to write frame")
		}
	}
}

// Snapshot performs one synchronous grab, initializing the grabber first if
// needed regardless of the re-init interval. No overlay is drawn.
func (p *Pump) Snapshot() (*image.RGBA, error) {
	return p.capture(true)
}

// Reinitialize tears the grabber down and initializes it again. It also
// clears a halt caused by a hard disable.
func (p *Pump) Reinitialize() error {
	p.grabMu.Lock()
	p.halted = false
	p.grabber.DeInitialize()
	err := p.initLocked()
	desc := p.describeLocked()
	p.grabMu.Unlock()

	p.update(func(s *Status) {
		desc(s)
		setError(s, err)
	})
	return err
}

// SetTiming changes the re-init interval and slow-grab threshold for
// subsequent ticks.
func (p *Pump) SetTiming(reinitInterval, slowGrabThreshold time.Duration) {
	p.grabMu.Lock()
	defer p.grabMu.Unlock()
	p.opts.ReinitInterval = reinitInterval
	p.opts.SlowGrabThreshold = slowGrabThreshold
}

// Status returns the current status.
func (p *Pump) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Subscribe returns a channel that receives a status after every change.
// Slow readers miss updates.
func (p *Pump) Subscribe() chan Status {
	ch := make(chan Status, 10)
	p.mu.Lock()
	p.listeners = append(p.listeners, ch)
	p.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (p *Pump) Unsubscribe(ch chan Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, l := range p.listeners {
		if l == ch {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// update applies fn to the status and notifies subscribers.
func (p *Pump) update(fn func(s *Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn(&p.status)
	for _, l := range p.listeners {
		select {
		case l <- p.status:
		default:
		}
	}
}

// capture runs one grab and records the outcome in the status.
func (p *Pump) capture(force bool) (*image.RGBA, error) {
	p.grabMu.Lock()
	img, frame, slow, err := p.grabLocked(force)
	desc := p.describeLocked()
	p.grabMu.Unlock()

	if errors.Is(err, errThrottled) || (errors.Is(err, ErrHalted) && !force) {
		return nil, err
	}

	now := p.now()
	p.update(func(s *Status) {
		desc(s)
		if slow {
			s.SlowGrabs++
		}
		if err != nil {
			if s.LastError != err.Error() {
				logger.WithComponent("pump").Warn().
					Err(err).
					Str("class", nvfbc.Classify(err).String()).
					Msg("Frame capture failed")
			}
			s.Failures++
			setError(s, err)
			return
		}
		s.Frames++
		s.Width, s.Height = frame.Width, frame.Height
		s.LastFrameAt = now
		setError(s, nil)
	})
	return img, err
}

func setError(s *Status, err error) {
	if err == nil {
		s.LastError, s.ErrorClass = "", ""
		return
	}
	s.LastError = err.Error()
	s.ErrorClass = nvfbc.Classify(err).String()
}

// describeLocked captures the grabber-derived status fields. The returned
// function is applied later under the status lock.
func (p *Pump) describeLocked() func(s *Status) {
	backend := p.grabber.Name()
	ready := p.grabber.Ready()
	maxSize := p.grabber.MaxFrameSize()
	frameType := p.grabber.FrameType().String()
	frameComp := p.grabber.FrameCompression().String()
	attempts := p.initAttempts
	halted := p.halted
	recoveries := p.recoveries()

	return func(s *Status) {
		s.Backend = backend
		s.Ready = ready
		s.Halted = halted
		s.MaxFrameSize = maxSize
		s.FrameType = frameType
		s.FrameCompression = frameComp
		s.InitAttempts = attempts
		s.Recoveries = recoveries
	}
}

func (p *Pump) recoveries() uint64 {
	if r, ok := p.grabber.(capture.Recoverer); ok {
		return r.Recoveries()
	}
	return 0
}

func (p *Pump) initLocked() error {
	log := logger.WithComponent("pump")

	p.lastInit = p.now()
	p.initAttempts++

	err := p.grabber.Initialize()
	metrics.ObserveInit(p.grabber.Name(), err)
	if err != nil {
		log.Debug().
			Err(err).
			Str("class", nvfbc.Classify(err).String()).
			Msg("Grabber initialization failed")
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	log.Info().
		Str("backend", p.grabber.Name()).
		Int("max_frame_size", p.grabber.MaxFrameSize()).
		Str("frame_type", p.grabber.FrameType().String()).
		Msg("Grabber ready")
	return nil
}

// grabLocked initializes the grabber when needed, grabs into the shared
// buffer and converts the result.
func (p *Pump) grabLocked(force bool) (*image.RGBA, capture.FrameInfo, bool, error) {
	var frame capture.FrameInfo

	if p.halted {
		return nil, frame, false, ErrHalted
	}

	if !p.grabber.Ready() {
		if !force && !p.lastInit.IsZero() && p.now().Sub(p.lastInit) < p.opts.ReinitInterval {
			return nil, frame, false, errThrottled
		}
		if err := p.initLocked(); err != nil {
			return nil, frame, false, err
		}
	}

	if size := p.grabber.MaxFrameSize(); len(p.buf) != size {
		p.buf = make([]byte, size)
	}
	frame.Buffer = p.buf

	backend := p.grabber.Name()
	before := p.recoveries()
	start := p.now()
	err := p.grabber.GrabFrame(&frame)
	if errors.Is(err, capture.ErrBufferTooSmall) {
		// The frame grew during the grab, e.g. across an in-place rebuild.
		if size := p.grabber.MaxFrameSize(); size > len(p.buf) {
			p.buf = make([]byte, size)
			frame = capture.FrameInfo{Buffer: p.buf}
			err = p.grabber.GrabFrame(&frame)
		}
	}
	elapsed := p.now().Sub(start)

	metrics.ObserveGrab(backend, elapsed, err)
	metrics.AddReinits(backend, p.recoveries()-before)

	slow := p.opts.SlowGrabThreshold > 0 && elapsed > p.opts.SlowGrabThreshold
	if slow {
		metrics.IncSlowGrab(backend)
		logger.WithComponent("pump").Warn().
			Str("backend", backend).
			Dur("elapsed", elapsed).
			Dur("threshold", p.opts.SlowGrabThreshold).
			Msg("Slow frame grab")
	}

	if err != nil {
		if nvfbc.Classify(err) == nvfbc.ClassHardDisable {
			p.halted = true
			logger.WithComponent("pump").Error().
				Err(err).
				Msg("Capture disabled by the backend, halting until reinitialized")
		}
		return nil, frame, slow, err
	}

	img, err := capture.ToRGBA(p.grabber.FrameType(), &frame)
	if err != nil {
		return nil, frame, slow, err
	}
	if p.gaugeBackend != backend {
		// The router moved to another backend; the old gauges are stale.
		if p.gaugeBackend != "" {
			metrics.DeleteBackendMetrics(p.gaugeBackend)
		}
		p.gaugeBackend = backend
	}
	metrics.SetFrameGeometry(backend, frame.Width, frame.Height)
	return img, frame, slow, nil
}
