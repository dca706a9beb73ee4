package nvfbc

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// SettleDelay is the quiescence period NvFBC needs after ToSys setup before
// the first grab returns valid data.
const SettleDelay = 100 * time.Millisecond

// adapterIndex is the only adapter sessions are created on.
const adapterIndex = 0

// State is the lifecycle stage of a Session.
type State int

const (
	StateUninitialized State = iota
	StateEnabled
	StateCreated
	StateSetUp
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateEnabled:
		return "enabled"
	case StateCreated:
		return "created"
	case StateSetUp:
		return "setup"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options tune a Session.
type Options struct {
	// GlobalFlags, when non-zero, is passed to NvFBC_SetGlobalFlags before
	// the status query.
	GlobalFlags uint32
}

// entryPoints is the capability table resolved from the library. A Session
// holds either a fully populated table or none at all.
type entryPoints struct {
	createEx       Proc
	setGlobalFlags Proc
	getStatusEx    Proc
	enable         Proc
}

// bind resolves every entry point or none.
func bind(m Module) (*entryPoints, error) {
	procs := make(map[string]Proc, 4)
	for _, name := range []string{ProcCreateEx, ProcSetGlobalFlags, ProcGetStatusEx, ProcEnable} {
		p, err := m.Proc(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if p == nil {
			return nil, fmt.Errorf("%s: nil entry point", name)
		}
		procs[name] = p
	}

	return &entryPoints{
		createEx:       procs[ProcCreateEx],
		setGlobalFlags: procs[ProcSetGlobalFlags],
		getStatusEx:    procs[ProcGetStatusEx],
		enable:         procs[ProcEnable],
	}, nil
}

// Session is an NvFBC ToSys capture session. It implements
// capture.FrameGrabber.
//
// A Session must be released with DeInitialize; it does not free the
// vendor session or unload the library on its own. It is not safe for
// concurrent use.
type Session struct {
	platform Platform
	opts     Options

	state  State
	path   string
	module Module
	procs  *entryPoints
	tosys  ToSys
	buffer FrameBuffer // backend-owned, read-only

	maxWidth  int
	maxHeight int

	grabParams GrabFrameParams
	grabInfo   FrameGrabInfo

	recoveries uint64
}

var _ capture.FrameGrabber = (*Session)(nil)

// NewSession creates an uninitialized session on the given platform.
func NewSession(platform Platform, opts Options) *Session {
	return &Session{
		platform: platform,
		opts:     opts,
	}
}

// Name returns the backend identifier.
func (s *Session) Name() string {
	return "nvfbc"
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return s.state
}

// Ready reports whether the session can grab frames.
func (s *Session) Ready() bool {
	return s.state == StateReady
}

// Path returns the library path of the last load attempt.
func (s *Session) Path() string {
	return s.path
}

// MaxGeometry returns the negotiated maximum capture size.
func (s *Session) MaxGeometry() (width, height int) {
	return s.maxWidth, s.maxHeight
}

// Recoveries counts invalidated sessions that were successfully rebuilt.
func (s *Session) Recoveries() uint64 {
	return s.recoveries
}

// Initialize loads the library and runs the full session setup. A ready
// session is torn down first. Any failure leaves the session uninitialized.
func (s *Session) Initialize() error {
	log := logger.WithComponent("nvfbc")

	if s.state != StateUninitialized || s.module != nil {
		s.DeInitialize()
	}

	dir, err := s.platform.SystemDir()
	if err != nil {
		log.Error().Err(err).Msg("Failed to locate the system directory")
		return &LoadError{Path: LibraryName, Code: errorCode(err), Err: err}
	}
	s.path = filepath.Join(dir, LibraryName)

	module, err := s.platform.Open(s.path)
	if err != nil {
		code := errorCode(err)
		log.Error().
			Err(err).
			Uint32("code", code).
			Str("path", s.path).
			Msg("Failed to load the NvFBC library")
		return &LoadError{Path: s.path, Code: code, Err: err}
	}
	s.module = module

	procs, err := bind(module)
	if err != nil {
		log.Error().
			Err(err).
			Str("path", s.path).
			Msg("Unable to locate required entry points")
		s.DeInitialize()
		return fmt.Errorf("%w in %s: %w", ErrMissingEntryPoint, s.path, err)
	}
	s.procs = procs

	if s.opts.GlobalFlags != 0 {
		if r := s.procs.setGlobalFlags.Call(s.opts.GlobalFlags); r != ResultSuccess {
			log.Warn().
				Str("result", r.String()).
				Uint32("flags", s.opts.GlobalFlags).
				Msg("NvFBC_SetGlobalFlags failed, continuing")
		}
	}

	status, err := s.queryStatus()
	if err != nil {
		s.DeInitialize()
		return err
	}
	s.state = StateEnabled

	if !status.IsCapturePossible {
		log.Error().Msg("Capture is not possible, unsupported device or driver")
		s.DeInitialize()
		return ErrCaptureNotPossible
	}
	if !status.CanCreateNow {
		log.Error().Msg("Can not create an instance of NvFBC at this time")
		s.DeInitialize()
		return ErrCannotCreateNow
	}

	if err := s.create(); err != nil {
		s.DeInitialize()
		return err
	}
	s.state = StateCreated

	if err := s.setUp(); err != nil {
		s.DeInitialize()
		return err
	}
	s.state = StateSetUp

	s.platform.Sleep(SettleDelay)

	s.grabInfo = FrameGrabInfo{}
	s.grabParams = GrabFrameParams{
		Version:      GrabFrameParamsVersion,
		Flags:        GrabNoFlags,
		Mode:         SourceModeFull,
		StartX:       0,
		StartY:       0,
		TargetWidth:  0,
		TargetHeight: 0,
		Info:         &s.grabInfo,
	}

	s.state = StateReady
	log.Info().
		Str("path", s.path).
		Int("max_width", s.maxWidth).
		Int("max_height", s.maxHeight).
		Msg("NvFBC session ready")
	return nil
}

// queryStatus reads the adapter status, enabling NvFBC once if the first
// query fails.
func (s *Session) queryStatus() (StatusEx, error) {
	log := logger.WithComponent("nvfbc")

	status := StatusEx{Version: StatusExVersion, AdapterIndex: adapterIndex}
	r := s.procs.getStatusEx.Call(&status)
	if r == ResultSuccess {
		return status, nil
	}

	log.Info().Str("result", r.String()).Msg("Attempting to enable NvFBC")
	if er := s.procs.enable.Call(EnableOn); er == ResultSuccess {
		log.Info().Msg("Success, attempting to get status again")
		status = StatusEx{Version: StatusExVersion, AdapterIndex: adapterIndex}
		r = s.procs.getStatusEx.Call(&status)
	} else {
		log.Warn().Str("result", er.String()).Msg("NvFBC_Enable failed")
	}

	if r != ResultSuccess {
		log.Error().Str("result", r.String()).Msg("Failed to get NvFBC status")
		return StatusEx{}, fmt.Errorf("%w: %s", ErrStatusUnavailable, r)
	}
	return status, nil
}

// create asks the backend for a ToSys session on the primary adapter.
func (s *Session) create() error {
	log := logger.WithComponent("nvfbc")

	params := CreateParams{
		Version:       CreateParamsVersion,
		InterfaceType: InterfaceToSys,
		Device:        0,
		AdapterIndex:  adapterIndex,
	}
	if r := s.procs.createEx.Call(&params); r != ResultSuccess {
		log.Error().Str("result", r.String()).Msg("Failed to create an instance of NvFBC")
		return fmt.Errorf("%w: %s", ErrCreateFailed, r)
	}

	tosys, err := s.module.ToSys(&params)
	if err != nil {
		log.Error().Err(err).Msg("Backend returned no usable ToSys session")
		return fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	s.tosys = tosys
	s.maxWidth = int(params.MaxDisplayWidth)
	s.maxHeight = int(params.MaxDisplayHeight)
	return nil
}

// setUp configures RGB output into system memory with the hardware cursor
// composited and no diff map.
func (s *Session) setUp() error {
	log := logger.WithComponent("nvfbc")

	params := ToSysSetupParams{
		Version:      SetupParamsVersion,
		Mode:         FormatRGB,
		WithHWCursor: true,
		DiffMap:      false,
	}
	if r := s.tosys.SetUp(&params); r != ResultSuccess {
		log.Error().Str("result", r.String()).Msg("NvFBCToSysSetUp Failed")
		return fmt.Errorf("%w: %s", ErrSetupFailed, r)
	}
	if params.Buffer == nil {
		log.Error().Msg("NvFBCToSysSetUp returned no frame buffer")
		return fmt.Errorf("%w: no frame buffer", ErrSetupFailed)
	}

	s.buffer = params.Buffer
	return nil
}

// DeInitialize releases the vendor session and unloads the library. Each
// resource is released independently, so this is safe from any state and
// may be called repeatedly.
func (s *Session) DeInitialize() {
	log := logger.WithComponent("nvfbc")

	s.buffer = nil

	if s.tosys != nil {
		if r := s.tosys.Release(); r != ResultSuccess {
			log.Warn().Str("result", r.String()).Msg("NvFBCToSysRelease failed")
		}
		s.tosys = nil
	}

	s.maxWidth = 0
	s.maxHeight = 0
	s.procs = nil
	s.grabParams = GrabFrameParams{}
	s.grabInfo = FrameGrabInfo{}

	if s.module != nil {
		if err := s.module.Close(); err != nil {
			log.Warn().Err(err).Str("path", s.path).Msg("Failed to unload the NvFBC library")
		}
		s.module = nil
	}

	s.state = StateUninitialized
}

// MaxFrameSize returns the buffer size GrabFrame needs, or 0 when not ready.
func (s *Session) MaxFrameSize() int {
	if s.state != StateReady {
		return 0
	}
	return s.maxWidth * s.maxHeight * bytesPerPixel
}

// FrameType is RGB while ready.
func (s *Session) FrameType() capture.FrameType {
	if s.state != StateReady {
		return capture.FrameTypeInvalid
	}
	return capture.FrameTypeRGB
}

// FrameCompression is always none for ToSys RGB output.
func (s *Session) FrameCompression() capture.FrameComp {
	return capture.FrameCompNone
}
