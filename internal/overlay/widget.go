package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"sync"
)

// Widget is drawn on top of preview frames.
type Widget interface {
	// ID returns the unique identifier for this widget instance
	ID() string

	// Type returns the widget type name
	Type() string

	// Render draws the widget onto img at its configured position
	Render(img *image.RGBA) error

	// IsEnabled returns whether the widget should be rendered
	IsEnabled() bool

	// SetEnabled sets whether the widget should be rendered
	SetEnabled(enabled bool)
}

// BaseWidget holds the position, opacity and enabled state shared by widgets.
type BaseWidget struct {
	mu      sync.RWMutex
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates an enabled base widget.
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{
		id:      id,
		enabled: true,
		x:       x,
		y:       y,
	}
	w.SetOpacity(opacity)
	return w
}

func (w *BaseWidget) ID() string {
	return w.id
}

func (w *BaseWidget) IsEnabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled
}

func (w *BaseWidget) SetEnabled(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = enabled
}

// Position returns the widget's top-left corner.
func (w *BaseWidget) Position() (int, int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.x, w.y
}

// SetPosition moves the widget.
func (w *BaseWidget) SetPosition(x, y int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.x = x
	w.y = y
}

// Opacity returns the widget's opacity.
func (w *BaseWidget) Opacity() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.opacity
}

// SetOpacity sets the widget's opacity, clamped to [0, 1].
func (w *BaseWidget) SetOpacity(opacity float64) {
	if opacity < 0.0 {
		opacity = 0.0
	}
	if opacity > 1.0 {
		opacity = 1.0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opacity = opacity
}

// BlendImage composites src onto dst with its top-left corner at (x, y),
// scaling the source alpha by opacity. Pixels outside dst are clipped.
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	if opacity <= 0 {
		return
	}

	srcBounds := src.Bounds()
	target := image.Rect(x, y, x+srcBounds.Dx(), y+srcBounds.Dy()).Intersect(dst.Bounds())
	if target.Empty() {
		return
	}

	for dy := target.Min.Y; dy < target.Max.Y; dy++ {
		sy := srcBounds.Min.Y + (dy - y)
		for dx := target.Min.X; dx < target.Max.X; dx++ {
			sx := srcBounds.Min.X + (dx - x)

			sr, sg, sb, sa := src.At(sx, sy).RGBA()
			alpha := float64(sa) / 0xffff * opacity
			if alpha == 0 {
				continue
			}

			// Both sides are alpha-premultiplied, so "over" is a plain
			// weighted sum per channel.
			i := dst.PixOffset(dx, dy)
			p := dst.Pix[i : i+4 : i+4]
			mix := func(s uint32, d uint8) uint8 {
				v := float64(s)/0xffff*opacity + float64(d)/0xff*(1-alpha)
				return uint8(v*0xff + 0.5)
			}
			dst.SetRGBA(dx, dy, color.RGBA{
				R: mix(sr, p[0]),
				G: mix(sg, p[1]),
				B: mix(sb, p[2]),
				A: mix(sa, p[3]),
			})
		}
	}
}

// DrawRectangle fills r with c, blended at opacity.
func DrawRectangle(dst *image.RGBA, r image.Rectangle, c color.Color, opacity float64) {
	tmp := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(tmp, tmp.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	BlendImage(dst, tmp, r.Min.X, r.Min.Y, opacity)
}
