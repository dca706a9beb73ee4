package commands

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/capture/nvfbc"
	"github.com/bryanchriswhite/framegrab/internal/config"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name    string
		current any
		value   string
		want    any
		wantErr bool
	}{
		{"int", 8080, "9090", 9090, false},
		{"uint32", uint32(0), "4", 4, false},
		{"bad int", 8080, "lots", nil, true},
		{"float", 0.8, "0.5", 0.5, false},
		{"bool", true, "false", false, false},
		{"bad bool", true, "maybe", nil, true},
		{"list", []any{"nvfbc", "x11"}, "x11, nvfbc", []string{"x11", "nvfbc"}, false},
		{"string", "info", "debug", "debug", false},
		{"duration string", "2s", "5s", "5s", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseValue(tt.current, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseValue(%v, %q) succeeded", tt.current, tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseValue: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestBuildBackends(t *testing.T) {
	backends, err := buildBackends(config.CaptureConfig{Backends: []string{"x11", "nvfbc"}})
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if len(backends) != 2 || backends[0].Name() != "x11" || backends[1].Name() != "nvfbc" {
		t.Errorf("backends = %v", backends)
	}

	if _, err := buildBackends(config.CaptureConfig{Backends: []string{"dxgi"}}); err == nil {
		t.Error("unknown backend accepted")
	}
	if _, err := buildBackends(config.CaptureConfig{}); err == nil {
		t.Error("empty backend list accepted")
	}
}

func TestEncodeImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))

	var buf bytes.Buffer
	if err := encodeImage(&buf, "frame.PNG", img, 80); err != nil {
		t.Fatalf("png: %v", err)
	}
	if _, err := png.Decode(&buf); err != nil {
		t.Errorf("png decode: %v", err)
	}

	buf.Reset()
	if err := encodeImage(&buf, "frame.jpeg", img, 80); err != nil {
		t.Fatalf("jpeg: %v", err)
	}
	if _, err := jpeg.Decode(&buf); err != nil {
		t.Errorf("jpeg decode: %v", err)
	}

	if err := encodeImage(&buf, "frame.bmp", img, 80); err == nil {
		t.Error("bmp accepted")
	}
}

type probeGrabber struct {
	initErr error
	ready   bool
	deinits int
}

func (g *probeGrabber) Name() string { return "probe" }

func (g *probeGrabber) Initialize() error {
	g.ready = g.initErr == nil
	return g.initErr
}

func (g *probeGrabber) DeInitialize()                       { g.deinits++; g.ready = false }
func (g *probeGrabber) GrabFrame(*capture.FrameInfo) error  { return nil }
func (g *probeGrabber) MaxFrameSize() int                   { return 24 }
func (g *probeGrabber) FrameType() capture.FrameType        { return capture.FrameTypeRGB }
func (g *probeGrabber) FrameCompression() capture.FrameComp { return capture.FrameCompNone }
func (g *probeGrabber) Ready() bool                         { return g.ready }

func TestProbe(t *testing.T) {
	ok := &probeGrabber{}
	res := probe(ok)
	if !res.Available || res.FrameType != "rgb" || res.MaxSize != 24 {
		t.Errorf("res = %+v", res)
	}
	if ok.deinits != 1 || ok.ready {
		t.Errorf("probe did not release the grabber")
	}

	failing := &probeGrabber{initErr: nvfbc.ErrCannotCreateNow}
	res = probe(failing)
	if res.Available || res.Class != "capability" || !errors.Is(res.Err, nvfbc.ErrCannotCreateNow) {
		t.Errorf("res = %+v", res)
	}
	if failing.deinits != 1 {
		t.Errorf("failed probe not released")
	}
}

func TestConfigSetCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	rootCmd.SetArgs([]string{"--config", path, "config", "set", "stream.fps", "12"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config set: %v", err)
	}

	mgr, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if mgr.Get().Stream.FPS != 12 {
		t.Errorf("fps = %d, want 12", mgr.Get().Stream.FPS)
	}

	rootCmd.SetArgs([]string{"--config", path, "config", "set", "stream.fps", "0"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("invalid fps accepted")
	}

	rootCmd.SetArgs([]string{"--config", path, "config", "set", "no_such_key", "1"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestWriteProbes(t *testing.T) {
	first := &probeGrabber{}
	second := &probeGrabber{initErr: nvfbc.ErrCannotCreateNow}
	router, err := capture.NewRouter(first, second)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	var buf bytes.Buffer
	if err := writeProbes(&buf, router); err != nil {
		t.Fatalf("writeProbes: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "yes") || !strings.Contains(lines[1], "rgb") {
		t.Errorf("available row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "no") || !strings.Contains(lines[2], "capability") {
		t.Errorf("unavailable row = %q", lines[2])
	}
	if first.deinits != 1 || second.deinits != 1 {
		t.Errorf("deinits = %d, %d", first.deinits, second.deinits)
	}
}

func TestGrabRejectsFormatBeforeCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Cleanup(func() { grabOutput, grabBackend = "frame.png", "" })

	// An unknown backend would fail while building the router, so the
	// format error shows the extension is checked first.
	rootCmd.SetArgs([]string{"--config", path, "grab", "--backend", "dxgi", "-o", "frame.bmp"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unsupported image format") {
		t.Errorf("err = %v, want unsupported image format", err)
	}
}
