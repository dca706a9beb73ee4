package overlay

import (
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// Manager renders an ordered set of widgets onto preview frames.
type Manager struct {
	widgets []Widget
	mu      sync.RWMutex
	enabled bool
}

// NewManager creates an enabled manager with no widgets.
func NewManager() *Manager {
	return &Manager{enabled: true}
}

// AddWidget appends a widget; later widgets draw on top.
func (m *Manager) AddWidget(widget Widget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.widgets {
		if w.ID() == widget.ID() {
			return fmt.Errorf("widget with ID %s already exists", widget.ID())
		}
	}

	m.widgets = append(m.widgets, widget)
	logger.WithComponent("overlay").Info().
		Str("id", widget.ID()).
		Str("type", widget.Type()).
		Msg("Added widget")
	return nil
}

// RemoveWidget removes a widget by ID.
func (m *Manager) RemoveWidget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, w := range m.widgets {
		if w.ID() == id {
			m.widgets = append(m.widgets[:i], m.widgets[i+1:]...)
			logger.WithComponent("overlay").Info().Str("id", id).Msg("Removed widget")
			return nil
		}
	}
	return fmt.Errorf("widget with ID %s not found", id)
}

// Widgets returns the widgets in draw order.
func (m *Manager) Widgets() []Widget {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]Widget(nil), m.widgets...)
}

// SetEnabled turns overlay rendering on or off.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// IsEnabled reports whether overlays are drawn.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Render draws every enabled widget onto img. A failing widget is logged and
// skipped.
func (m *Manager) Render(img *image.RGBA) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.enabled {
		return nil
	}

	for _, w := range m.widgets {
		if !w.IsEnabled() {
			continue
		}
		if err := w.Render(img); err != nil {
			logger.WithComponent("overlay").Warn().
				Err(err).
				Str("id", w.ID()).
				Msg("Widget render failed")
		}
	}
	return nil
}
