package output

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// ErrNotRunning is returned by WriteFrame before Start.
var ErrNotRunning = errors.New("MJPEG output not running")

const defaultQuality = 80

// MJPEGOutput streams frames as Motion JPEG over HTTP.
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	// Last encoded frame
	frameMu     sync.RWMutex
	currentJPEG []byte
	width       int
	height      int
	lastUpdate  time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	frameCount uint64
	startTime  time.Time
}

// Stats is a point-in-time view of the stream.
type Stats struct {
	Running    bool      `json:"running"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	TargetFPS  int       `json:"target_fps"`
	ActualFPS  float64   `json:"actual_fps"`
	Frames     uint64    `json:"frames"`
	Clients    int       `json:"clients"`
	LastUpdate time.Time `json:"last_update"`
	Uptime     string    `json:"uptime"`
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.Quality < 1 || config.Quality > 100 {
		config.Quality = defaultQuality
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// Start marks the output running. HTTP handlers are mounted separately.
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount = 0

	logger.WithComponent("mjpeg").Info().
		Int("fps", m.config.FPS).
		Int("quality", m.config.Quality).
		Msg("Output started")
	return nil
}

// Stop closes every client stream.
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Uint64("frames", m.frameCount).Msg("Output stopped")
	return nil
}

// WriteFrame encodes frame and sends it to every connected client. Slow
// clients drop frames.
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	if !m.IsRunning() {
		return ErrNotRunning
	}

	m.mu.RLock()
	quality := m.config.Quality
	m.mu.RUnlock()

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.currentJPEG = jpegData
	m.width = frame.Bounds().Dx()
	m.height = frame.Bounds().Dy()
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	m.mu.Lock()
	m.frameCount++
	m.mu.Unlock()

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// SetConfig applies a new frame rate and quality to subsequent frames.
func (m *MJPEGOutput) SetConfig(config Config) {
	if config.Quality < 1 || config.Quality > 100 {
		config.Quality = defaultQuality
	}
	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// ClientCount returns the number of connected stream clients.
func (m *MJPEGOutput) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// LatestJPEG returns the last encoded frame, or nil.
func (m *MJPEGOutput) LatestJPEG() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.currentJPEG
}

// Stats returns the current stream statistics.
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	running := m.running
	frameCount := m.frameCount
	startTime := m.startTime
	targetFPS := m.config.FPS
	m.mu.RUnlock()

	m.frameMu.RLock()
	width, height, lastUpdate := m.width, m.height, m.lastUpdate
	m.frameMu.RUnlock()

	s := Stats{
		Running:    running,
		Width:      width,
		Height:     height,
		TargetFPS:  targetFPS,
		Frames:     frameCount,
		Clients:    m.ClientCount(),
		LastUpdate: lastUpdate,
		Uptime:     "N/A",
	}
	if running && !startTime.IsZero() {
		elapsed := time.Since(startTime)
		if elapsed > 0 {
			s.ActualFPS = float64(frameCount) / elapsed.Seconds()
		}
		s.Uptime = elapsed.Round(time.Second).String()
	}
	return s
}

// GetHTTPHandler returns the multipart MJPEG stream handler.
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log := logger.WithComponent("mjpeg")
		log.Info().Int("clients", clientCount).Msg("Client connected")

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Client disconnected")
		}()

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if err := writePart(w, jpegData); err != nil {
					return
				}
			}
		}
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

var viewerPage = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>framegrab</title>
    <style>
        html, body { margin: 0; height: 100%; background: #000; }
        img { display: block; width: 100%; height: 100%; object-fit: contain; }
    </style>
</head>
<body>
    <img src="{{.Stream}}" alt="desktop">
</body>
</html>`))

// GetViewerHandler returns a page that shows the stream full-window.
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = viewerPage.Execute(w, struct{ Stream string }{Stream: "/stream"})
	}
}

var statsPage = template.Must(template.New("stats").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>framegrab - MJPEG Stats</title>
    <style>
        body { font-family: monospace; padding: 20px; background: #1e1e1e; color: #d4d4d4; }
        .stat { margin: 10px 0; }
        .label { color: #569cd6; }
        .value { color: #4ec9b0; }
    </style>
</head>
<body>
    <h1>MJPEG Stream Stats</h1>
    <div class="stat"><span class="label">Status:</span> <span class="value">{{if .Running}}Running{{else}}Stopped{{end}}</span></div>
    <div class="stat"><span class="label">Resolution:</span> <span class="value">{{.Width}}x{{.Height}} @ {{.TargetFPS}} FPS (target)</span></div>
    <div class="stat"><span class="label">Actual FPS:</span> <span class="value">{{printf "%.2f" .ActualFPS}}</span></div>
    <div class="stat"><span class="label">Total Frames:</span> <span class="value">{{.Frames}}</span></div>
    <div class="stat"><span class="label">Connected Clients:</span> <span class="value">{{.Clients}}</span></div>
    <div class="stat"><span class="label">Uptime:</span> <span class="value">{{.Uptime}}</span></div>
    <p><a href="/stream" style="color: #569cd6;">View Stream</a></p>
</body>
</html>`))

// GetStatsHandler returns an HTML page with stream statistics.
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = statsPage.Execute(w, m.Stats())
	}
}
