package nvfbc

import (
	"errors"
	"image"
	"syscall"
	"time"
)

// fakeDriver scripts an NvFBC installation. It outlives individual loads so
// a test can drive a session across re-initialization.
type fakeDriver struct {
	systemDir    string
	systemDirErr error
	openErrs     []error // per Open call; nil entries succeed
	missing      string  // entry point the library does not export

	statusResults []Result // per GetStatusEx call; exhausted means success
	enableResult  Result
	status        StatusEx
	flagsResult   Result
	createResult  Result
	nilObject     bool
	maxWidth      uint32
	maxHeight     uint32
	setupResult   Result
	noBuffer      bool
	buffer        []byte

	grabResults []Result // per GrabFrame call; exhausted means success
	info        FrameGrabInfo
	desktop     image.Rectangle
	desktopErr  error

	calls      []string
	opens      int
	closes     int
	releases   int
	statusN    int
	grabN      int
	sleeps     []time.Duration
	flagsSet   []uint32
	enableArgs []EnableState
	lastSetup  ToSysSetupParams
	lastCreate CreateParams
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		systemDir: `C:\Windows\System32`,
		status: StatusEx{
			IsCapturePossible: true,
			CanCreateNow:      true,
		},
		maxWidth:  4,
		maxHeight: 2,
		buffer:    make([]byte, 4*2*3),
		info:      FrameGrabInfo{Width: 4, Height: 2, BufferWidth: 4},
		desktop:   image.Rect(0, 0, 4, 2),
	}
}

func (d *fakeDriver) record(call string) { d.calls = append(d.calls, call) }

func (d *fakeDriver) SystemDir() (string, error) {
	d.record("SystemDir")
	return d.systemDir, d.systemDirErr
}

func (d *fakeDriver) Open(path string) (Module, error) {
	d.record("Open")
	n := d.opens
	d.opens++
	if n < len(d.openErrs) && d.openErrs[n] != nil {
		return nil, d.openErrs[n]
	}
	return &fakeModule{driver: d, path: path}, nil
}

func (d *fakeDriver) DesktopBounds() (image.Rectangle, error) {
	d.record("DesktopBounds")
	return d.desktop, d.desktopErr
}

func (d *fakeDriver) Sleep(dur time.Duration) {
	d.record("Sleep")
	d.sleeps = append(d.sleeps, dur)
}

// backendCalls counts recorded calls other than platform helpers.
func (d *fakeDriver) backendCalls() int {
	n := 0
	for _, c := range d.calls {
		switch c {
		case "SystemDir", "Open", "DesktopBounds", "Sleep":
		default:
			n++
		}
	}
	return n
}

type fakeModule struct {
	driver *fakeDriver
	path   string
	closed bool
}

func (m *fakeModule) Proc(name string) (Proc, error) {
	if name == m.driver.missing {
		return nil, syscall.Errno(127)
	}
	d := m.driver
	switch name {
	case ProcGetStatusEx:
		return procFunc(func(args ...any) Result {
			d.record(name)
			n := d.statusN
			d.statusN++
			if n < len(d.statusResults) && d.statusResults[n] != ResultSuccess {
				return d.statusResults[n]
			}
			st := args[0].(*StatusEx)
			st.IsCapturePossible = d.status.IsCapturePossible
			st.CanCreateNow = d.status.CanCreateNow
			st.CurrentlyCapturing = d.status.CurrentlyCapturing
			st.NvFBCVersion = 0x70
			return ResultSuccess
		}), nil
	case ProcEnable:
		return procFunc(func(args ...any) Result {
			d.record(name)
			d.enableArgs = append(d.enableArgs, args[0].(EnableState))
			return d.enableResult
		}), nil
	case ProcSetGlobalFlags:
		return procFunc(func(args ...any) Result {
			d.record(name)
			d.flagsSet = append(d.flagsSet, args[0].(uint32))
			return d.flagsResult
		}), nil
	case ProcCreateEx:
		return procFunc(func(args ...any) Result {
			d.record(name)
			p := args[0].(*CreateParams)
			d.lastCreate = *p
			if d.createResult != ResultSuccess {
				return d.createResult
			}
			p.MaxDisplayWidth = d.maxWidth
			p.MaxDisplayHeight = d.maxHeight
			if !d.nilObject {
				p.Object = 0xf8c
			}
			return ResultSuccess
		}), nil
	}
	return nil, errors.New("unknown entry point")
}

func (m *fakeModule) ToSys(params *CreateParams) (ToSys, error) {
	if params.Object == 0 {
		return nil, errors.New("nil session object")
	}
	return &fakeToSys{driver: m.driver}, nil
}

func (m *fakeModule) Close() error {
	m.closed = true
	m.driver.closes++
	m.driver.record("Close")
	return nil
}

type procFunc func(args ...any) Result

func (f procFunc) Call(args ...any) Result { return f(args...) }

type fakeToSys struct {
	driver *fakeDriver
}

func (t *fakeToSys) SetUp(params *ToSysSetupParams) Result {
	d := t.driver
	d.record("SetUp")
	d.lastSetup = *params
	if d.setupResult != ResultSuccess {
		return d.setupResult
	}
	if !d.noBuffer {
		params.Buffer = byteBuffer(d.buffer)
	}
	return ResultSuccess
}

func (t *fakeToSys) GrabFrame(params *GrabFrameParams) Result {
	d := t.driver
	d.record("GrabFrame")
	n := d.grabN
	d.grabN++
	if n < len(d.grabResults) && d.grabResults[n] != ResultSuccess {
		return d.grabResults[n]
	}
	if params.Info != nil {
		*params.Info = d.info
	}
	return ResultSuccess
}

func (t *fakeToSys) Release() Result {
	t.driver.record("Release")
	t.driver.releases++
	return ResultSuccess
}

// byteBuffer slices past its length panic, so any read outside the
// backend buffer fails the test.
type byteBuffer []byte

func (b byteBuffer) Bytes(n int) []byte { return b[:n] }
