package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// KnownBackends lists the backends the capture router knows how to build.
var KnownBackends = []string{"nvfbc", "x11"}

// Duration is a time.Duration stored as a Go duration string ("250ms").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the application configuration
type Config struct {
	ServerPort int           `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string        `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool          `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	Capture    CaptureConfig `json:"capture" yaml:"capture" mapstructure:"capture"`
	Stream     StreamConfig  `json:"stream" yaml:"stream" mapstructure:"stream"`
	Overlay    OverlayConfig `json:"overlay" yaml:"overlay" mapstructure:"overlay"`
	Metrics    MetricsConfig `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// CaptureConfig selects and tunes the capture backends.
type CaptureConfig struct {
	// Backends are tried in order until one initializes.
	Backends []string `json:"backends" yaml:"backends" mapstructure:"backends"`

	// GlobalFlags is passed to NvFBC_SetGlobalFlags when non-zero.
	GlobalFlags uint32 `json:"global_flags" yaml:"global_flags" mapstructure:"global_flags"`

	// X11Display overrides $DISPLAY for the x11 backend.
	X11Display string `json:"x11_display" yaml:"x11_display" mapstructure:"x11_display"`

	// ReinitInterval is the minimum time between Initialize attempts while
	// no backend is ready.
	ReinitInterval Duration `json:"reinit_interval" yaml:"reinit_interval" mapstructure:"reinit_interval"`

	// SlowGrabThreshold logs grabs that take longer than this.
	SlowGrabThreshold Duration `json:"slow_grab_threshold" yaml:"slow_grab_threshold" mapstructure:"slow_grab_threshold"`
}

// StreamConfig configures the MJPEG preview.
type StreamConfig struct {
	FPS         int `json:"fps" yaml:"fps" mapstructure:"fps"`
	JPEGQuality int `json:"jpeg_quality" yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
}

// OverlayConfig represents overlay configuration
type OverlayConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	X       int     `json:"x" yaml:"x" mapstructure:"x"`
	Y       int     `json:"y" yaml:"y" mapstructure:"y"`
	Opacity float64 `json:"opacity" yaml:"opacity" mapstructure:"opacity"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
}

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		LogPretty:  true,
		Capture: CaptureConfig{
			Backends:          []string{"nvfbc", "x11"},
			ReinitInterval:    Duration(2 * time.Second),
			SlowGrabThreshold: Duration(250 * time.Millisecond),
		},
		Stream: StreamConfig{
			FPS:         30,
			JPEGQuality: 80,
		},
		Overlay: OverlayConfig{
			Enabled: true,
			X:       8,
			Y:       8,
			Opacity: 0.8,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_pretty", d.LogPretty)
	v.SetDefault("capture.backends", d.Capture.Backends)
	v.SetDefault("capture.global_flags", d.Capture.GlobalFlags)
	v.SetDefault("capture.x11_display", d.Capture.X11Display)
	v.SetDefault("capture.reinit_interval", d.Capture.ReinitInterval.Std().String())
	v.SetDefault("capture.slow_grab_threshold", d.Capture.SlowGrabThreshold.Std().String())
	v.SetDefault("stream.fps", d.Stream.FPS)
	v.SetDefault("stream.jpeg_quality", d.Stream.JPEGQuality)
	v.SetDefault("overlay.enabled", d.Overlay.Enabled)
	v.SetDefault("overlay.x", d.Overlay.X)
	v.SetDefault("overlay.y", d.Overlay.Y)
	v.SetDefault("overlay.opacity", d.Overlay.Opacity)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server_port %d out of range", c.ServerPort))
	}
	if len(c.Capture.Backends) == 0 {
		errs = append(errs, errors.New("capture.backends is empty"))
	}
	for _, b := range c.Capture.Backends {
		if !slices.Contains(KnownBackends, b) {
			errs = append(errs, fmt.Errorf("unknown capture backend %q (known: %s)", b, strings.Join(KnownBackends, ", ")))
		}
	}
	if c.Capture.ReinitInterval < 0 {
		errs = append(errs, errors.New("capture.reinit_interval must not be negative"))
	}
	if c.Stream.FPS < 1 {
		errs = append(errs, fmt.Errorf("stream.fps %d must be positive", c.Stream.FPS))
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("stream.jpeg_quality %d out of range 1-100", c.Stream.JPEGQuality))
	}
	if c.Overlay.Opacity < 0 || c.Overlay.Opacity > 1 {
		errs = append(errs, fmt.Errorf("overlay.opacity %v out of range 0-1", c.Overlay.Opacity))
	}
	return errors.Join(errs...)
}

// watchDebounce coalesces the burst of events editors produce on save.
const watchDebounce = 100 * time.Millisecond

// Manager handles configuration. Every access to the viper instance goes
// through vmu; the viper instance is never given overrides with Set, so the
// file on disk stays the source of truth below env and flags.
type Manager struct {
	configPath string

	vmu sync.Mutex
	v   *viper.Viper

	mu        sync.RWMutex
	config    *Config
	listeners []func(*Config)

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// DefaultPath returns $HOME/.config/framegrab/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "framegrab", "config.yaml"), nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	return v
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults. FRAMEGRAB_* environment variables override
// file values.
func NewManager(configFile string) (*Manager, error) {
	log := logger.WithComponent("config")

	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := newViper(path)
	v.SetEnvPrefix("FRAMEGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{configPath: filepath.Clean(path), v: v}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", path).Msg("Config file not found, creating new config")
		if err := m.write(Defaults()); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	m.config = cfg

	log.Info().
		Str("path", path).
		Strs("backends", cfg.Capture.Backends).
		Msg("Config loaded")
	return m, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	cfg.Capture.Backends = slices.Clone(m.config.Capture.Backends)
	return &cfg
}

// IsSet reports whether key is a known configuration key.
func (m *Manager) IsSet(key string) bool {
	m.vmu.Lock()
	defer m.vmu.Unlock()
	return m.v.IsSet(key)
}

// Value returns the effective value of key, after env and flag overrides.
func (m *Manager) Value(key string) any {
	m.vmu.Lock()
	defer m.vmu.Unlock()
	return m.v.Get(key)
}

// GetConfigPath returns the file the configuration is read from.
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// BindFlag lets a command-line flag override key, then reloads.
func (m *Manager) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for %s", key)
	}

	m.vmu.Lock()
	defer m.vmu.Unlock()
	if err := m.v.BindPFlag(key, flag); err != nil {
		return err
	}
	_, err := m.reloadLocked(false)
	return err
}

// Reload re-reads the config file into the cached configuration.
func (m *Manager) Reload() error {
	m.vmu.Lock()
	defer m.vmu.Unlock()
	_, err := m.reloadLocked(true)
	return err
}

// reloadLocked re-decodes the viper state, reading the file first when
// readFile is set. The cached configuration is only replaced when the
// result validates. vmu must be held.
func (m *Manager) reloadLocked(readFile bool) (*Config, error) {
	if readFile {
		if err := m.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg, err := decode(m.v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Save writes the current configuration to disk as YAML.
func (m *Manager) Save() error {
	m.vmu.Lock()
	defer m.vmu.Unlock()

	cfg := m.Get()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return m.write(cfg)
}

// Update sets several keys at once and saves them. The values are merged
// with the file contents, written back to disk and re-read, so later edits
// to the file still take effect. Unknown keys are rejected. When the result
// does not validate nothing is written.
func (m *Manager) Update(values map[string]any) error {
	m.vmu.Lock()
	defer m.vmu.Unlock()

	known := make(map[string]bool)
	for _, k := range m.v.AllKeys() {
		known[k] = true
	}
	for k := range values {
		if !known[k] {
			return fmt.Errorf("unknown configuration key %q", k)
		}
	}

	staged := newViper(m.configPath)
	if err := staged.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	for k, val := range values {
		staged.Set(k, val)
	}
	next, err := decode(staged)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := m.write(next); err != nil {
		return err
	}
	_, err = m.reloadLocked(true)
	return err
}

func (m *Manager) write(cfg *Config) error {
	log := logger.WithComponent("config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		log.Error().Err(err).Str("config_dir", configDir).Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return err
	}

	log.Info().Str("path", m.configPath).Msg("Config saved successfully")
	return nil
}

// OnChange registers fn to run after the file changes on disk and the new
// configuration validates.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Watch starts watching the config file until Close. The directory is
// watched so editors that replace the file are seen. Invalid edits are
// logged and ignored.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(m.configPath)); err != nil {
		w.Close()
		return err
	}

	m.mu.Lock()
	if m.watcher != nil {
		m.mu.Unlock()
		w.Close()
		return errors.New("config watcher already running")
	}
	m.watcher = w
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	logger.WithComponent("config").Info().Str("path", m.configPath).Msg("Config watcher started")
	go m.watch(w, stop)
	return nil
}

// Close stops the watcher started by Watch.
func (m *Manager) Close() error {
	m.mu.Lock()
	w, stop := m.watcher, m.stop
	m.watcher, m.stop = nil, nil
	m.mu.Unlock()

	if w == nil {
		return nil
	}
	close(stop)
	return w.Close()
}

func (m *Manager) watch(w *fsnotify.Watcher, stop <-chan struct{}) {
	log := logger.WithComponent("config")

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != m.configPath {
				continue
			}
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				continue
			}
			log.Debug().Str("op", e.Op.String()).Msg("Config file change detected")
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(watchDebounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			m.handleChange()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (m *Manager) handleChange() {
	log := logger.WithComponent("config")

	m.vmu.Lock()
	_, err := m.reloadLocked(true)
	m.vmu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("path", m.configPath).Msg("Ignoring invalid config change")
		return
	}

	m.mu.RLock()
	listeners := slices.Clone(m.listeners)
	m.mu.RUnlock()

	log.Info().Str("path", m.configPath).Msg("Config reloaded")
	for _, fn := range listeners {
		fn(m.Get())
	}
}
