package overlay

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func filled(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestBlendImage(t *testing.T) {
	tests := []struct {
		name    string
		src     color.RGBA
		opacity float64
		want    color.RGBA
	}{
		{"opaque source replaces", color.RGBA{255, 0, 0, 255}, 1, color.RGBA{255, 0, 0, 255}},
		{"zero opacity keeps destination", color.RGBA{255, 0, 0, 255}, 0, color.RGBA{0, 0, 255, 255}},
		{"half opacity mixes", color.RGBA{255, 0, 0, 255}, 0.5, color.RGBA{128, 0, 128, 255}},
		{"transparent source keeps destination", color.RGBA{0, 0, 0, 0}, 1, color.RGBA{0, 0, 255, 255}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := filled(2, 2, color.RGBA{0, 0, 255, 255})
			BlendImage(dst, filled(1, 1, tt.src), 1, 1, tt.opacity)

			if got := dst.RGBAAt(1, 1); got != tt.want {
				t.Errorf("blended = %v, want %v", got, tt.want)
			}
			if got := dst.RGBAAt(0, 0); got != (color.RGBA{0, 0, 255, 255}) {
				t.Errorf("pixel outside source changed: %v", got)
			}
		})
	}
}

func TestBlendImageClips(t *testing.T) {
	dst := filled(4, 4, color.RGBA{0, 0, 0, 255})
	src := filled(4, 4, color.RGBA{255, 255, 255, 255})

	// Must not panic when the source hangs off every edge.
	BlendImage(dst, src, -2, -2, 1)
	BlendImage(dst, src, 3, 3, 1)
	BlendImage(dst, src, 10, 10, 1)

	if got := dst.RGBAAt(0, 0); got.R != 255 {
		t.Errorf("top-left not covered: %v", got)
	}
	if got := dst.RGBAAt(3, 3); got.R != 255 {
		t.Errorf("bottom-right not covered: %v", got)
	}
	if got := dst.RGBAAt(2, 0); got.R != 0 {
		t.Errorf("uncovered pixel changed: %v", got)
	}
}

func TestDrawRectangle(t *testing.T) {
	dst := filled(6, 6, color.RGBA{0, 0, 0, 255})
	DrawRectangle(dst, image.Rect(1, 1, 3, 3), color.RGBA{0, 255, 0, 255}, 1)

	if got := dst.RGBAAt(2, 2); got.G != 255 {
		t.Errorf("inside = %v", got)
	}
	if got := dst.RGBAAt(3, 3); got.G != 0 {
		t.Errorf("outside = %v", got)
	}
}

func TestTextWidgetRender(t *testing.T) {
	opts := DefaultTextOptions()
	opts.X, opts.Y = 2, 2
	opts.Opacity = 1
	w := NewTextWidget("label", "nvfbc 1920x1080", opts)

	img := filled(200, 40, color.RGBA{0, 0, 0, 255})
	if err := w.Render(img); err != nil {
		t.Fatalf("Render: %v", err)
	}

	bounds := w.Bounds("nvfbc 1920x1080")
	lit := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if img.RGBAAt(x, y).R > 128 {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Errorf("no text pixels drawn")
	}
	if got := img.RGBAAt(bounds.Max.X+1, bounds.Max.Y+1); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("pixel outside the label changed: %v", got)
	}
}

func TestTextWidgetDisabledOrEmpty(t *testing.T) {
	img := filled(50, 20, color.RGBA{0, 0, 0, 255})
	before := append([]byte(nil), img.Pix...)

	w := NewTextWidget("empty", "", DefaultTextOptions())
	_ = w.Render(img)

	w = NewTextWidget("off", "hidden", DefaultTextOptions())
	w.SetEnabled(false)
	_ = w.Render(img)

	if string(img.Pix) != string(before) {
		t.Errorf("image changed")
	}
}

func TestStatusWidgetReadsSource(t *testing.T) {
	n := 0
	w := NewStatusWidget("status", func() string {
		n++
		return "frame"
	}, DefaultTextOptions())

	if w.Type() != "status" {
		t.Errorf("Type = %q", w.Type())
	}
	_ = w.Render(filled(100, 30, color.RGBA{}))
	if n != 1 {
		t.Errorf("source called %d times, want 1", n)
	}

	w.SetText("fixed")
	if w.Text() != "fixed" || w.Type() != "text" {
		t.Errorf("SetText did not detach the source")
	}
}

func TestBaseWidgetOpacityClamped(t *testing.T) {
	w := NewBaseWidget("w", 0, 0, 2)
	if w.Opacity() != 1 {
		t.Errorf("opacity = %v, want 1", w.Opacity())
	}
	w.SetOpacity(-1)
	if w.Opacity() != 0 {
		t.Errorf("opacity = %v, want 0", w.Opacity())
	}
}

type errWidget struct {
	*BaseWidget
	renders int
}

func (w *errWidget) Type() string { return "err" }

func (w *errWidget) Render(*image.RGBA) error {
	w.renders++
	return errors.New("boom")
}

func TestManager(t *testing.T) {
	m := NewManager()
	bad := &errWidget{BaseWidget: NewBaseWidget("bad", 0, 0, 1)}
	label := NewTextWidget("label", "x", DefaultTextOptions())

	if err := m.AddWidget(bad); err != nil {
		t.Fatalf("AddWidget: %v", err)
	}
	if err := m.AddWidget(label); err != nil {
		t.Fatalf("AddWidget: %v", err)
	}
	if err := m.AddWidget(label); err == nil {
		t.Errorf("duplicate ID accepted")
	}

	if err := m.Render(filled(40, 40, color.RGBA{})); err != nil {
		t.Errorf("Render: %v", err)
	}
	if bad.renders != 1 {
		t.Errorf("renders = %d, want 1", bad.renders)
	}

	m.SetEnabled(false)
	_ = m.Render(filled(40, 40, color.RGBA{}))
	if bad.renders != 1 {
		t.Errorf("disabled manager rendered widgets")
	}

	if err := m.RemoveWidget("bad"); err != nil {
		t.Fatalf("RemoveWidget: %v", err)
	}
	if err := m.RemoveWidget("bad"); err == nil {
		t.Errorf("second RemoveWidget succeeded")
	}
	if ws := m.Widgets(); len(ws) != 1 || ws[0].ID() != "label" {
		t.Errorf("widgets = %v", ws)
	}
}
