package overlay

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TextOptions configures a TextWidget.
type TextOptions struct {
	X, Y       int
	Opacity    float64
	Color      color.RGBA
	Background *color.RGBA // nil for transparent
	Padding    int
}

// DefaultTextOptions returns white text on a translucent black label.
func DefaultTextOptions() TextOptions {
	return TextOptions{
		X:          8,
		Y:          8,
		Opacity:    0.8,
		Color:      color.RGBA{255, 255, 255, 255},
		Background: &color.RGBA{0, 0, 0, 160},
		Padding:    5,
	}
}

// TextWidget draws a single line of text. The text is either fixed or read
// from a source function on every render.
type TextWidget struct {
	*BaseWidget
	text      string
	source    func() string
	face      font.Face
	textColor color.RGBA
	bgColor   *color.RGBA
	padding   int
}

// NewTextWidget creates a widget showing fixed text.
func NewTextWidget(id, text string, opts TextOptions) *TextWidget {
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, opts.X, opts.Y, opts.Opacity),
		text:       text,
		face:       basicfont.Face7x13,
		textColor:  opts.Color,
		bgColor:    opts.Background,
		padding:    opts.Padding,
	}
}

// NewStatusWidget creates a widget whose text is produced by source at
// render time.
func NewStatusWidget(id string, source func() string, opts TextOptions) *TextWidget {
	w := NewTextWidget(id, "", opts)
	w.source = source
	return w
}

func (w *TextWidget) Type() string {
	if w.source != nil {
		return "status"
	}
	return "text"
}

// Text returns the text the next render will draw.
func (w *TextWidget) Text() string {
	if w.source != nil {
		return w.source()
	}
	return w.text
}

// SetText replaces the fixed text and detaches any source.
func (w *TextWidget) SetText(text string) {
	w.text = text
	w.source = nil
}

// Bounds returns the area the widget covers for the given text.
func (w *TextWidget) Bounds(text string) image.Rectangle {
	x, y := w.Position()
	width := font.MeasureString(w.face, text).Ceil() + w.padding*2
	height := w.face.Metrics().Height.Ceil() + w.padding*2
	return image.Rect(x, y, x+width, y+height)
}

// Render draws the label onto img.
func (w *TextWidget) Render(img *image.RGBA) error {
	if !w.IsEnabled() {
		return nil
	}
	text := w.Text()
	if text == "" {
		return nil
	}

	bounds := w.Bounds(text)
	opacity := w.Opacity()
	if w.bgColor != nil {
		DrawRectangle(img, bounds, *w.bgColor, opacity)
	}

	metrics := w.face.Metrics()
	textImg := image.NewRGBA(image.Rect(0, 0, bounds.Dx()-w.padding*2, metrics.Height.Ceil()))
	d := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(w.textColor),
		Face: w.face,
		Dot:  fixed.Point26_6{X: 0, Y: metrics.Ascent},
	}
	d.DrawString(text)

	BlendImage(img, textImg, bounds.Min.X+w.padding, bounds.Min.Y+w.padding, opacity)
	return nil
}
