//go:build windows

package nvfbc

import (
	"errors"
	"fmt"
	"image"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modUser32            = windows.NewLazySystemDLL("user32.dll")
	procGetDesktopWindow = modUser32.NewProc("GetDesktopWindow")
	procGetWindowRect    = modUser32.NewProc("GetWindowRect")
)

// NVFBC_DLL_VERSION, the high byte of every struct version tag.
const dllVersion = 0x70

// structVersion builds NVFBC_STRUCT_VERSION(type, rev).
func structVersion(size uintptr, rev uint32) uint32 {
	return uint32(size) | rev<<16 | dllVersion<<24
}

// Native layouts. Bitfields are packed into a single flags word.

// rawStatusEx matches NvFBCStatusEx.
type rawStatusEx struct {
	dwVersion         uint32
	flags             uint32 // bIsCapturePossible:1, bCurrentlyCapturing:1, bCanCreateNow:1, ...
	dwNvFBCVersion    uint32
	dwAdapterIdx      uint32
	pPrivateData      uintptr
	dwPrivateDataSize uint32
	dwReserved        [59]uint32
	pReserved         [31]uintptr
}

// rawCreateParams matches NvFBCCreateParams (v2).
type rawCreateParams struct {
	dwVersion          uint32
	dwInterfaceType    uint32
	dwMaxDisplayWidth  uint32
	dwMaxDisplayHeight uint32
	pDevice            uintptr
	pPrivateData       uintptr
	dwPrivateDataSize  uint32
	dwInterfaceVersion uint32
	pNvFBC             uintptr
	dwAdapterIdx       uint32
	dwNvFBCVersion     uint32
	cudaCtx            uintptr
	pPrivateData2      uintptr
	dwPrivateData2Size uint32
	dwReserved         [55]uint32
	pReserved          [27]uintptr
}

// rawSetupParams matches NVFBC_TOSYS_SETUP_PARAMS (v2).
type rawSetupParams struct {
	dwVersion           uint32
	flags               uint32 // bWithHWCursor:1, bDiffMap:1, ...
	eMode               uint32
	dwReserved1         uint32
	ppBuffer            *uintptr
	ppDiffMap           *uintptr
	hCursorCaptureEvent uintptr
	dwReserved          [58]uint32
	pReserved           [29]uintptr
}

// rawFrameGrabInfo matches NvFBCFrameGrabInfo.
type rawFrameGrabInfo struct {
	dwWidth               uint32
	dwHeight              uint32
	dwBufferWidth         uint32
	dwReserved            uint32
	bOverlayActive        uint32
	bMustRecreate         uint32
	bFirstBuffer          uint32
	bHWMouseVisible       uint32
	bProtectedContent     uint32
	dwDriverInternalError uint32
	bStereoOn             uint32
	bIGPUCapture          uint32
	dwSourcePID           uint32
	dwReserved3           uint32
	flags                 uint32
	dwWaitModeUsed        uint32
	qwReserved            [11]uint64
}

// rawGrabFrameParams matches NVFBC_TOSYS_GRAB_FRAME_PARAMS (v1).
type rawGrabFrameParams struct {
	dwVersion           uint32
	dwFlags             uint32
	dwTargetWidth       uint32
	dwTargetHeight      uint32
	dwStartX            uint32
	dwStartY            uint32
	eGMode              uint32
	dwWaitTime          uint32
	pNvFBCFrameGrabInfo *rawFrameGrabInfo
	dwReserved          [56]uint32
	pReserved           [31]uintptr
}

// NvFBCToSys virtual method slots.
const (
	vtblSetUp             = 0
	vtblGrabFrame         = 1
	vtblGPUBasedCPUSleep  = 2
	vtblToSysRelease      = 3
	statusCapturePossible = 1 << 0
	statusCapturing       = 1 << 1
	statusCanCreateNow    = 1 << 2
	setupWithHWCursor     = 1 << 0
	setupDiffMap          = 1 << 1
)

type windowsPlatform struct{}

// DefaultPlatform returns the Windows platform binding.
func DefaultPlatform() Platform {
	return windowsPlatform{}
}

func (windowsPlatform) SystemDir() (string, error) {
	return windows.GetSystemDirectory()
}

func (windowsPlatform) Open(path string) (Module, error) {
	h, err := windows.LoadLibrary(path)
	if err != nil {
		return nil, err
	}
	return &library{handle: h, path: path}, nil
}

func (windowsPlatform) DesktopBounds() (image.Rectangle, error) {
	hwnd, _, _ := procGetDesktopWindow.Call()
	var rect windows.Rect
	ok, _, err := procGetWindowRect.Call(hwnd, uintptr(unsafe.Pointer(&rect)))
	if ok == 0 {
		return image.Rectangle{}, fmt.Errorf("GetWindowRect: %w", err)
	}
	return image.Rect(int(rect.Left), int(rect.Top), int(rect.Right), int(rect.Bottom)), nil
}

func (windowsPlatform) Sleep(d time.Duration) {
	time.Sleep(d)
}

// library is a loaded NvFBC DLL.
type library struct {
	handle windows.Handle
	path   string
}

func (l *library) Proc(name string) (Proc, error) {
	addr, err := windows.GetProcAddress(l.handle, name)
	if err != nil {
		return nil, err
	}
	return proc{name: name, addr: addr}, nil
}

func (l *library) ToSys(params *CreateParams) (ToSys, error) {
	if params.Object == 0 {
		return nil, errors.New("NvFBC_CreateEx returned a nil session object")
	}
	return &toSys{obj: params.Object}, nil
}

func (l *library) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := windows.FreeLibrary(l.handle)
	l.handle = 0
	return err
}

// proc is an exported __stdcall entry point.
type proc struct {
	name string
	addr uintptr
}

func (p proc) Call(args ...any) Result {
	if len(args) != 1 {
		return ResultInvalidParam
	}

	switch a := args[0].(type) {
	case *StatusEx:
		var raw rawStatusEx
		raw.dwVersion = structVersion(unsafe.Sizeof(raw), a.Version)
		raw.dwAdapterIdx = a.AdapterIndex
		r, _, _ := syscall.SyscallN(p.addr, uintptr(unsafe.Pointer(&raw)))
		a.IsCapturePossible = raw.flags&statusCapturePossible != 0
		a.CurrentlyCapturing = raw.flags&statusCapturing != 0
		a.CanCreateNow = raw.flags&statusCanCreateNow != 0
		a.NvFBCVersion = raw.dwNvFBCVersion
		return Result(int32(r))

	case *CreateParams:
		var raw rawCreateParams
		raw.dwVersion = structVersion(unsafe.Sizeof(raw), a.Version)
		raw.dwInterfaceType = uint32(a.InterfaceType)
		raw.pDevice = a.Device
		raw.dwAdapterIdx = a.AdapterIndex
		r, _, _ := syscall.SyscallN(p.addr, uintptr(unsafe.Pointer(&raw)))
		a.MaxDisplayWidth = raw.dwMaxDisplayWidth
		a.MaxDisplayHeight = raw.dwMaxDisplayHeight
		a.Object = raw.pNvFBC
		return Result(int32(r))

	case EnableState:
		r, _, _ := syscall.SyscallN(p.addr, uintptr(a))
		return Result(int32(r))

	case uint32:
		r, _, _ := syscall.SyscallN(p.addr, uintptr(a))
		return Result(int32(r))

	default:
		return ResultInvalidParam
	}
}

// toSys wraps an NvFBCToSys instance. The raw parameter blocks live here so
// grabs reuse them and the pointers handed to the driver stay stable.
type toSys struct {
	obj    uintptr
	buffer uintptr // written by the driver through ppBuffer

	setup rawSetupParams
	grab  rawGrabFrameParams
	info  rawFrameGrabInfo
}

func (t *toSys) method(slot int) uintptr {
	vtbl := *(*uintptr)(unsafe.Pointer(t.obj))
	return *(*uintptr)(unsafe.Pointer(vtbl + uintptr(slot)*unsafe.Sizeof(uintptr(0))))
}

func (t *toSys) SetUp(params *ToSysSetupParams) Result {
	if t.obj == 0 {
		return ResultInvalidCall
	}

	t.setup = rawSetupParams{}
	t.setup.dwVersion = structVersion(unsafe.Sizeof(t.setup), params.Version)
	t.setup.eMode = uint32(params.Mode)
	if params.WithHWCursor {
		t.setup.flags |= setupWithHWCursor
	}
	if params.DiffMap {
		t.setup.flags |= setupDiffMap
	}
	t.setup.ppBuffer = &t.buffer

	r, _, _ := syscall.SyscallN(t.method(vtblSetUp), t.obj, uintptr(unsafe.Pointer(&t.setup)))
	if Result(int32(r)) == ResultSuccess && t.buffer != 0 {
		params.Buffer = sharedBuffer(t.buffer)
	}
	return Result(int32(r))
}

func (t *toSys) GrabFrame(params *GrabFrameParams) Result {
	if t.obj == 0 {
		return ResultInvalidCall
	}

	t.info = rawFrameGrabInfo{}
	t.grab = rawGrabFrameParams{
		dwFlags:             uint32(params.Flags),
		dwTargetWidth:       params.TargetWidth,
		dwTargetHeight:      params.TargetHeight,
		dwStartX:            params.StartX,
		dwStartY:            params.StartY,
		eGMode:              uint32(params.Mode),
		dwWaitTime:          params.WaitTime,
		pNvFBCFrameGrabInfo: &t.info,
	}
	t.grab.dwVersion = structVersion(unsafe.Sizeof(t.grab), params.Version)

	r, _, _ := syscall.SyscallN(t.method(vtblGrabFrame), t.obj, uintptr(unsafe.Pointer(&t.grab)))

	if params.Info != nil {
		*params.Info = FrameGrabInfo{
			Width:               t.info.dwWidth,
			Height:              t.info.dwHeight,
			BufferWidth:         t.info.dwBufferWidth,
			OverlayActive:       t.info.bOverlayActive != 0,
			MustRecreate:        t.info.bMustRecreate != 0,
			FirstBuffer:         t.info.bFirstBuffer != 0,
			HWMouseVisible:      t.info.bHWMouseVisible != 0,
			ProtectedContent:    t.info.bProtectedContent != 0,
			DriverInternalError: t.info.dwDriverInternalError,
		}
	}
	return Result(int32(r))
}

func (t *toSys) Release() Result {
	if t.obj == 0 {
		return ResultSuccess
	}
	r, _, _ := syscall.SyscallN(t.method(vtblToSysRelease), t.obj)
	t.obj = 0
	t.buffer = 0
	return Result(int32(r))
}

// sharedBuffer is the driver-owned frame buffer address.
type sharedBuffer uintptr

func (b sharedBuffer) Bytes(n int) []byte {
	if b == 0 || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(b)), n)
}
