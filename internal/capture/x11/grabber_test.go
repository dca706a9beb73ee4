package x11

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

type fakeDisplay struct {
	width, height int
	depth         byte
	data          []byte
	errs          []error // per RootImage call
	reads         int
	closed        bool
}

func (d *fakeDisplay) Screen() (int, int, byte) { return d.width, d.height, d.depth }

func (d *fakeDisplay) RootImage(width, height int) ([]byte, error) {
	n := d.reads
	d.reads++
	if n < len(d.errs) && d.errs[n] != nil {
		return nil, d.errs[n]
	}
	return d.data, nil
}

func (d *fakeDisplay) Close() { d.closed = true }

func newTestGrabber(displays ...*fakeDisplay) (*Grabber, *int) {
	dials := 0
	g := &Grabber{
		dial: func(string) (display, error) {
			if dials >= len(displays) {
				dials++
				return nil, errors.New("connection refused")
			}
			d := displays[dials]
			dials++
			return d, nil
		},
	}
	return g, &dials
}

func TestGrabberInitialize(t *testing.T) {
	d := &fakeDisplay{width: 2, height: 2, depth: 24}
	g, _ := newTestGrabber(d)

	if g.Ready() || g.MaxFrameSize() != 0 || g.FrameType() != capture.FrameTypeInvalid {
		t.Fatalf("unconnected grabber reports a ready state")
	}
	if err := g.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !g.Ready() {
		t.Fatalf("not ready")
	}
	if got := g.MaxFrameSize(); got != 16 {
		t.Errorf("MaxFrameSize = %d, want 16", got)
	}
	if g.FrameType() != capture.FrameTypeARGB {
		t.Errorf("FrameType = %s, want argb", g.FrameType())
	}

	g.DeInitialize()
	g.DeInitialize()
	if !d.closed || g.Ready() || g.MaxFrameSize() != 0 {
		t.Errorf("DeInitialize did not release the connection")
	}
}

func TestGrabberRejectsDepth(t *testing.T) {
	d := &fakeDisplay{width: 2, height: 2, depth: 16}
	g, _ := newTestGrabber(d)

	if err := g.Initialize(); !errors.Is(err, ErrUnsupportedDepth) {
		t.Fatalf("err = %v, want ErrUnsupportedDepth", err)
	}
	if !d.closed || g.Ready() {
		t.Errorf("connection kept after rejection")
	}
}

func TestGrabberGrabFrame(t *testing.T) {
	data := []byte{
		1, 2, 3, 0, 4, 5, 6, 0,
		7, 8, 9, 0, 10, 11, 12, 0,
	}
	d := &fakeDisplay{width: 2, height: 2, depth: 24, data: data}
	g, _ := newTestGrabber(d)
	if err := g.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	frame := &capture.FrameInfo{Buffer: make([]byte, g.MaxFrameSize())}
	if err := g.GrabFrame(frame); err != nil {
		t.Fatalf("GrabFrame: %v", err)
	}
	if frame.Width != 2 || frame.Height != 2 || frame.Stride != 2 || frame.OutSize != 16 {
		t.Errorf("frame = %+v", frame)
	}
	if !bytes.Equal(frame.Buffer, data) {
		t.Errorf("buffer = %v", frame.Buffer)
	}

	img, err := capture.ToRGBA(g.FrameType(), frame)
	if err != nil {
		t.Fatalf("ToRGBA: %v", err)
	}
	if got := img.RGBAAt(1, 1); got.R != 12 || got.G != 11 || got.B != 10 || got.A != 255 {
		t.Errorf("pixel = %+v", got)
	}
}

func TestGrabberReconnectsOnce(t *testing.T) {
	data := make([]byte, 16)
	first := &fakeDisplay{width: 2, height: 2, depth: 24, errs: []error{errors.New("BadMatch")}}
	second := &fakeDisplay{width: 2, height: 2, depth: 24, data: data}
	g, dials := newTestGrabber(first, second)
	if err := g.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := g.GrabFrame(&capture.FrameInfo{Buffer: make([]byte, 16)}); err != nil {
		t.Fatalf("GrabFrame: %v", err)
	}
	if *dials != 2 || !first.closed || g.Recoveries() != 1 {
		t.Errorf("dials = %d closed = %v reconnects = %d", *dials, first.closed, g.Recoveries())
	}
}

func TestGrabberReconnectFails(t *testing.T) {
	first := &fakeDisplay{width: 2, height: 2, depth: 24, errs: []error{errors.New("BadMatch")}}
	g, _ := newTestGrabber(first)
	if err := g.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := g.GrabFrame(&capture.FrameInfo{Buffer: make([]byte, 16)}); err == nil {
		t.Fatal("GrabFrame succeeded without a connection")
	}
	if g.Ready() {
		t.Errorf("grabber still ready after failed reconnect")
	}
	if err := g.GrabFrame(&capture.FrameInfo{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestGrabberBufferTooSmall(t *testing.T) {
	d := &fakeDisplay{width: 2, height: 2, depth: 32, data: make([]byte, 16)}
	g, _ := newTestGrabber(d)
	if err := g.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	frame := &capture.FrameInfo{Buffer: make([]byte, 8)}
	if err := g.GrabFrame(frame); !errors.Is(err, capture.ErrBufferTooSmall) {
		t.Fatalf("err = %v, want ErrBufferTooSmall", err)
	}
	if frame.OutSize != 0 {
		t.Errorf("frame modified")
	}
}
