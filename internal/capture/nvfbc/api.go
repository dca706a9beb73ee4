// Package nvfbc drives the NVIDIA Frame Buffer Capture (NvFBC) ToSys
// interface: it binds the vendor library at runtime, walks the capture
// session through its setup sequence and copies desktop frames into
// caller-owned buffers.
//
// The vendor's versioned, fixed-size C structs are mirrored here as plain Go
// value types. Platform bindings translate them to the native layout and
// stamp the native version tag; callers only fill the logical fields.
package nvfbc

import (
	"fmt"
	"image"
	"time"
)

// Exported entry points of the NvFBC library.
const (
	ProcCreateEx       = "NvFBC_CreateEx"
	ProcSetGlobalFlags = "NvFBC_SetGlobalFlags"
	ProcGetStatusEx    = "NvFBC_GetStatusEx"
	ProcEnable         = "NvFBC_Enable"
)

// Result is an NVFBCRESULT code.
type Result int32

const (
	ResultSuccess              Result = 0
	ResultGeneric              Result = -1
	ResultInvalidParam         Result = -2
	ResultInvalidatedSession   Result = -3
	ResultProtectedContent     Result = -4
	ResultDriverFailure        Result = -5
	ResultCudaFailure          Result = -6
	ResultUnsupported          Result = -7
	ResultHWEncFailure         Result = -8
	ResultIncompatibleDriver   Result = -9
	ResultUnsupportedPlatform  Result = -10
	ResultOutOfMemory          Result = -11
	ResultInvalidPtr           Result = -12
	ResultIncompatibleVersion  Result = -13
	ResultOptCaptureFailure    Result = -14
	ResultInsufficientPrivs    Result = -15
	ResultInvalidCall          Result = -16
	ResultSystemError          Result = -17
	ResultInvalidTarget        Result = -18
	ResultNvAPIFailure         Result = -19
	ResultDynamicDisable       Result = -20
	ResultIPCFailure           Result = -21
	ResultCursorCaptureFailure Result = -22
)

var resultNames = map[Result]string{
	ResultSuccess:              "success",
	ResultGeneric:              "generic error",
	ResultInvalidParam:         "invalid parameter",
	ResultInvalidatedSession:   "invalidated session",
	ResultProtectedContent:     "protected content",
	ResultDriverFailure:        "driver failure",
	ResultCudaFailure:          "cuda failure",
	ResultUnsupported:          "unsupported",
	ResultHWEncFailure:         "hw encoder failure",
	ResultIncompatibleDriver:   "incompatible driver",
	ResultUnsupportedPlatform:  "unsupported platform",
	ResultOutOfMemory:          "out of memory",
	ResultInvalidPtr:           "invalid pointer",
	ResultIncompatibleVersion:  "incompatible version",
	ResultOptCaptureFailure:    "optimized capture failure",
	ResultInsufficientPrivs:    "insufficient privileges",
	ResultInvalidCall:          "invalid call",
	ResultSystemError:          "system error",
	ResultInvalidTarget:        "invalid target",
	ResultNvAPIFailure:         "nvapi failure",
	ResultDynamicDisable:       "dynamically disabled",
	ResultIPCFailure:           "ipc failure",
	ResultCursorCaptureFailure: "cursor capture failure",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("nvfbc result %d", int32(r))
}

// EnableState is the argument to NvFBC_Enable.
type EnableState uint32

const (
	EnableOff EnableState = 0
	EnableOn  EnableState = 1
)

// InterfaceType selects the capture target in CreateParams.
type InterfaceType uint32

// InterfaceToSys captures into system memory.
const InterfaceToSys InterfaceType = 0x1204

// BufferFormat is the ToSys output pixel format.
type BufferFormat uint32

const (
	FormatARGB      BufferFormat = 0
	FormatRGB       BufferFormat = 1
	FormatYUV420P   BufferFormat = 2
	FormatRGBPlanar BufferFormat = 3
	FormatXOR       BufferFormat = 4
	FormatYUV444P   BufferFormat = 5
	FormatARGB10    BufferFormat = 6
)

// GrabMode selects full, scaled or cropped grabs.
type GrabMode uint32

const (
	SourceModeFull  GrabMode = 0
	SourceModeScale GrabMode = 1
	SourceModeCrop  GrabMode = 2
)

// GrabFlags modify a ToSys grab.
type GrabFlags uint32

const (
	GrabNoFlags         GrabFlags = 0
	GrabNoWait          GrabFlags = 1
	GrabWaitWithTimeout GrabFlags = 0x10
)

// Logical struct revisions. Bindings combine them with the native struct
// size into the vendor version tag.
const (
	StatusExVersion        uint32 = 2
	CreateParamsVersion    uint32 = 2
	SetupParamsVersion     uint32 = 2
	GrabFrameParamsVersion uint32 = 1
)

// StatusEx mirrors NvFBCStatusEx.
type StatusEx struct {
	Version      uint32
	AdapterIndex uint32

	// Filled by the backend.
	IsCapturePossible  bool
	CurrentlyCapturing bool
	CanCreateNow       bool
	NvFBCVersion       uint32
}

// CreateParams mirrors NvFBCCreateParams.
type CreateParams struct {
	Version       uint32
	InterfaceType InterfaceType
	Device        uintptr
	AdapterIndex  uint32

	// Filled by the backend.
	MaxDisplayWidth  uint32
	MaxDisplayHeight uint32
	Object           uintptr // opaque NvFBCToSys instance
}

// ToSysSetupParams mirrors NVFBC_TOSYS_SETUP_PARAMS.
type ToSysSetupParams struct {
	Version      uint32
	Mode         BufferFormat
	WithHWCursor bool
	DiffMap      bool

	// Filled by the backend: the shared frame buffer.
	Buffer FrameBuffer
}

// FrameGrabInfo mirrors NvFBCFrameGrabInfo.
type FrameGrabInfo struct {
	Width               uint32
	Height              uint32
	BufferWidth         uint32
	OverlayActive       bool
	MustRecreate        bool
	FirstBuffer         bool
	HWMouseVisible      bool
	ProtectedContent    bool
	DriverInternalError uint32
}

// GrabFrameParams mirrors NVFBC_TOSYS_GRAB_FRAME_PARAMS.
type GrabFrameParams struct {
	Version      uint32
	Flags        GrabFlags
	TargetWidth  uint32
	TargetHeight uint32
	StartX       uint32
	StartY       uint32
	Mode         GrabMode
	WaitTime     uint32
	Info         *FrameGrabInfo
}

// FrameBuffer is a borrowed view of backend-owned shared memory. It stays
// valid only while the session that produced it is ready and must never be
// written to or freed by callers.
type FrameBuffer interface {
	// Bytes returns the first n bytes of the buffer.
	Bytes(n int) []byte
}

// Proc is a resolved library entry point. Arguments are pointers to the
// request structs above or scalar EnableState / uint32 values.
type Proc interface {
	Call(args ...any) Result
}

// ToSys is the session object returned by NvFBC_CreateEx.
type ToSys interface {
	SetUp(params *ToSysSetupParams) Result
	GrabFrame(params *GrabFrameParams) Result
	Release() Result
}

// Module is a loaded NvFBC library.
type Module interface {
	// Proc resolves an exported entry point by name.
	Proc(name string) (Proc, error)

	// ToSys wraps the session object produced by a successful CreateEx.
	ToSys(params *CreateParams) (ToSys, error)

	// Close unloads the library.
	Close() error
}

// Platform is the set of OS services the session needs.
type Platform interface {
	// SystemDir returns the directory the vendor library is installed in.
	SystemDir() (string, error)

	// Open loads the library at path.
	Open(path string) (Module, error)

	// DesktopBounds returns the visible desktop rectangle.
	DesktopBounds() (image.Rectangle, error)

	// Sleep blocks the calling goroutine.
	Sleep(d time.Duration)
}
