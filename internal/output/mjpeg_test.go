package output

import (
	"bufio"
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testFrame() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 20, B: 20, A: 255})
		}
	}
	return img
}

func TestMJPEGWriteFrameRequiresStart(t *testing.T) {
	m := NewMJPEGOutput(Config{FPS: 30, Quality: 80})

	if err := m.WriteFrame(testFrame()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestMJPEGStartStop(t *testing.T) {
	m := NewMJPEGOutput(Config{FPS: 30})

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err == nil {
		t.Errorf("second Start succeeded")
	}
	if !m.IsRunning() {
		t.Errorf("not running after Start")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if m.IsRunning() {
		t.Errorf("running after Stop")
	}
}

func TestMJPEGEncodesFrames(t *testing.T) {
	m := NewMJPEGOutput(Config{FPS: 30, Quality: 0}) // out of range falls back
	if m.config.Quality != defaultQuality {
		t.Errorf("quality = %d, want %d", m.config.Quality, defaultQuality)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if err := m.WriteFrame(testFrame()); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(m.LatestJPEG()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 4 {
		t.Errorf("bounds = %v", img.Bounds())
	}

	stats := m.Stats()
	if !stats.Running || stats.Frames != 1 || stats.Width != 8 || stats.Height != 4 || stats.TargetFPS != 30 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMJPEGStreamHandler(t *testing.T) {
	m := NewMJPEGOutput(Config{FPS: 30, Quality: 80})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	srv := httptest.NewServer(m.GetHTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = m.WriteFrame(testFrame())
			}
		}
	}()

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "--frame\r\n" {
		t.Errorf("boundary = %q", line)
	}
	line, _ = r.ReadString('\n')
	if line != "Content-Type: image/jpeg\r\n" {
		t.Errorf("part header = %q", line)
	}
	if m.ClientCount() != 1 {
		t.Errorf("clients = %d, want 1", m.ClientCount())
	}
}

func TestMJPEGStreamHandlerStopped(t *testing.T) {
	m := NewMJPEGOutput(Config{})

	rec := httptest.NewRecorder()
	m.GetHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMJPEGPages(t *testing.T) {
	m := NewMJPEGOutput(Config{FPS: 15})

	rec := httptest.NewRecorder()
	m.GetStatsHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream/stats", nil))
	if !strings.Contains(rec.Body.String(), "@ 15 FPS") || !strings.Contains(rec.Body.String(), "Stopped") {
		t.Errorf("stats page missing fields:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	m.GetViewerHandler()(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rec.Body.String(), `src="/stream"`) {
		t.Errorf("viewer page does not embed the stream")
	}
}

func TestMJPEGSetConfig(t *testing.T) {
	m := NewMJPEGOutput(Config{FPS: 30, Quality: 80})
	m.SetConfig(Config{FPS: 10, Quality: 500})

	if stats := m.Stats(); stats.TargetFPS != 10 {
		t.Errorf("target fps = %d, want 10", stats.TargetFPS)
	}
	if m.config.Quality != defaultQuality {
		t.Errorf("quality = %d, want %d", m.config.Quality, defaultQuality)
	}
}
