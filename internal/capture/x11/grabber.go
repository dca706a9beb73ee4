// Package x11 grabs the X11 root window. It is the fallback backend on hosts
// without NvFBC.
package x11

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

const bytesPerPixel = 4

var (
	// ErrNotConnected is returned by GrabFrame before a successful Initialize.
	ErrNotConnected = errors.New("x11 grabber is not connected")

	// ErrUnsupportedDepth is returned for root windows that are not 24 or 32 bit.
	ErrUnsupportedDepth = errors.New("unsupported root window depth")
)

// display is the part of an X connection the grabber uses.
type display interface {
	// Screen returns the default screen's root geometry and depth.
	Screen() (width, height int, depth byte)

	// RootImage reads the root window as a ZPixmap.
	RootImage(width, height int) ([]byte, error)

	Close()
}

// dialer opens a display. An empty name means $DISPLAY.
type dialer func(name string) (display, error)

// Grabber captures the whole X11 root window. It implements
// capture.FrameGrabber.
type Grabber struct {
	name string
	dial dialer

	conn   display
	width  int
	height int

	reconnects uint64
}

var _ capture.FrameGrabber = (*Grabber)(nil)

// NewGrabber creates an unconnected grabber for the named display.
func NewGrabber(displayName string) *Grabber {
	return &Grabber{name: displayName, dial: dialXGB}
}

// Name returns the backend identifier.
func (g *Grabber) Name() string {
	return "x11"
}

// Recoveries counts connections rebuilt after a failed grab.
func (g *Grabber) Recoveries() uint64 {
	return g.reconnects
}

// Initialize connects to the X server and records the screen geometry.
func (g *Grabber) Initialize() error {
	log := logger.WithComponent("x11-capturer")

	g.DeInitialize()

	conn, err := g.dial(g.name)
	if err != nil {
		log.Error().Err(err).Str("display", g.name).Msg("Failed to connect to X server")
		return fmt.Errorf("failed to connect to X server: %w", err)
	}

	width, height, depth := conn.Screen()
	if depth != 24 && depth != 32 {
		conn.Close()
		log.Error().Uint8("depth", depth).Msg("Root window depth not supported")
		return fmt.Errorf("%w: %d", ErrUnsupportedDepth, depth)
	}

	g.conn = conn
	g.width = width
	g.height = height

	log.Info().
		Int("width", width).
		Int("height", height).
		Uint8("depth", depth).
		Msg("X11 grabber connected")
	return nil
}

// DeInitialize closes the connection. Safe to call repeatedly.
func (g *Grabber) DeInitialize() {
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.width = 0
	g.height = 0
}

// Ready reports whether the grabber holds a connection.
func (g *Grabber) Ready() bool {
	return g.conn != nil
}

// MaxFrameSize returns the bytes needed for one root window frame.
func (g *Grabber) MaxFrameSize() int {
	if g.conn == nil {
		return 0
	}
	return g.width * g.height * bytesPerPixel
}

// FrameType is ARGB while connected.
func (g *Grabber) FrameType() capture.FrameType {
	if g.conn == nil {
		return capture.FrameTypeInvalid
	}
	return capture.FrameTypeARGB
}

func (g *Grabber) FrameCompression() capture.FrameComp {
	return capture.FrameCompNone
}

// GrabFrame reads the root window. A failed read reconnects once and tries
// again.
func (g *Grabber) GrabFrame(frame *capture.FrameInfo) error {
	if g.conn == nil {
		return ErrNotConnected
	}

	log := logger.WithComponent("x11-capturer")

	data, err := g.conn.RootImage(g.width, g.height)
	if err != nil {
		log.Warn().Err(err).Msg("GetImage failed, reconnecting")
		g.reconnects++
		if ierr := g.Initialize(); ierr != nil {
			return fmt.Errorf("failed to get image: %w", errors.Join(err, ierr))
		}
		if data, err = g.conn.RootImage(g.width, g.height); err != nil {
			return fmt.Errorf("failed to get image: %w", err)
		}
	}

	outSize := g.width * g.height * bytesPerPixel
	if len(frame.Buffer) < outSize {
		return fmt.Errorf("%w: need %d bytes, have %d", capture.ErrBufferTooSmall, outSize, len(frame.Buffer))
	}
	if len(data) < outSize {
		return fmt.Errorf("%w: got %d bytes, want %d", capture.ErrShortFrame, len(data), outSize)
	}

	copy(frame.Buffer, data[:outSize])
	frame.Width = g.width
	frame.Height = g.height
	frame.Stride = g.width
	frame.OutSize = outSize
	return nil
}

// xgbDisplay is a display backed by an xgb connection.
type xgbDisplay struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
}

func dialXGB(name string) (display, error) {
	var (
		conn *xgb.Conn
		err  error
	)
	if name == "" {
		conn, err = xgb.NewConn()
	} else {
		conn, err = xgb.NewConnDisplay(name)
	}
	if err != nil {
		return nil, err
	}

	setup := xproto.Setup(conn)
	return &xgbDisplay{conn: conn, screen: setup.DefaultScreen(conn)}, nil
}

func (d *xgbDisplay) Screen() (int, int, byte) {
	return int(d.screen.WidthInPixels), int(d.screen.HeightInPixels), d.screen.RootDepth
}

func (d *xgbDisplay) RootImage(width, height int) ([]byte, error) {
	reply, err := xproto.GetImage(
		d.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(d.screen.Root),
		0, 0,
		uint16(width), uint16(height),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (d *xgbDisplay) Close() {
	d.conn.Close()
}
