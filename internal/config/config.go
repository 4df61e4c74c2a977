package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"railgnss/internal/uart"
)

type Config struct {
	GNSS     GNSSConfig     `yaml:"gnss"`
	Store    StoreConfig    `yaml:"store"`
	Web      WebConfig      `yaml:"web"`
	TrackLog TrackLogConfig `yaml:"tracklog"`
	Capture  CaptureConfig  `yaml:"capture"`
}

type GNSSConfig struct {
	// Driver selects the UART backend: "termios" (default) or "serial".
	Driver string `yaml:"driver"`
	Device string `yaml:"device"`
	// Bauds are the startup candidates, tried after the persisted baud.
	Bauds          []int         `yaml:"bauds"`
	StartupWait    time.Duration `yaml:"startup_wait"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	StatusWait     time.Duration `yaml:"status_wait"`
	HDOPThreshold  float64       `yaml:"hdop_threshold"`
	// AutoStartup runs the module startup sequence when the daemon starts.
	AutoStartup *bool       `yaml:"auto_startup"`
	Power       PowerConfig `yaml:"power"`
}

type PowerConfig struct {
	EnableLine     string        `yaml:"enable_line"`
	ResetLine      string        `yaml:"reset_line"`
	ResetActiveLow bool          `yaml:"reset_active_low"`
	Pulse          time.Duration `yaml:"pulse"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
	// LogLines is how many log lines /api/logs keeps.
	LogLines int `yaml:"log_lines"`
}

type TrackLogConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type CaptureConfig struct {
	Record RecordConfig `yaml:"record"`
	Replay ReplayConfig `yaml:"replay"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AutoStartupEnabled reports gnss.auto_startup, true when unset.
func (g GNSSConfig) AutoStartupEnabled() bool {
	return g.AutoStartup == nil || *g.AutoStartup
}

// DefaultAndValidate fills defaults in place and rejects inconsistent
// settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	g := &cfg.GNSS
	g.Driver = strings.ToLower(strings.TrimSpace(g.Driver))
	if g.Driver == "" {
		g.Driver = "termios"
	}
	switch g.Driver {
	case "termios", "serial":
	default:
		return fmt.Errorf("gnss.driver must be 'termios' or 'serial'")
	}
	if strings.TrimSpace(g.Device) == "" && !cfg.Capture.Replay.Enable {
		return fmt.Errorf("gnss.device is required")
	}
	if len(g.Bauds) == 0 {
		g.Bauds = []int{9600, 115200, 38400, 57600}
	}
	for _, b := range g.Bauds {
		if !uart.SupportedBaud(b) {
			return fmt.Errorf("gnss.bauds: unsupported baud %d", b)
		}
	}
	if g.StartupWait <= 0 {
		g.StartupWait = 3 * time.Second
	}
	if g.CommandTimeout <= 0 {
		g.CommandTimeout = time.Second
	}
	if g.WriteTimeout <= 0 {
		g.WriteTimeout = 500 * time.Millisecond
	}
	if g.StatusWait <= 0 {
		g.StatusWait = 100 * time.Millisecond
	}
	if g.HDOPThreshold == 0 {
		g.HDOPThreshold = 2.0
	}
	if g.HDOPThreshold < 0 {
		return fmt.Errorf("gnss.hdop_threshold must be > 0")
	}
	if g.Power.Pulse <= 0 {
		g.Power.Pulse = 100 * time.Millisecond
	}
	if g.Power.EnableLine != "" && g.Power.EnableLine == g.Power.ResetLine {
		return fmt.Errorf("gnss.power.enable_line and gnss.power.reset_line must differ")
	}

	if strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = "/var/lib/railgnss/state.yaml"
	}

	if cfg.Web.Enable && strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.LogLines <= 0 {
		cfg.Web.LogLines = 500
	}

	if cfg.TrackLog.Enable && strings.TrimSpace(cfg.TrackLog.Path) == "" {
		return fmt.Errorf("tracklog.path is required when tracklog.enable is true")
	}

	if cfg.Capture.Record.Enable && cfg.Capture.Record.Path == "" {
		return fmt.Errorf("capture.record.path is required when capture.record.enable is true")
	}
	if cfg.Capture.Replay.Enable {
		if cfg.Capture.Replay.Path == "" {
			return fmt.Errorf("capture.replay.path is required when capture.replay.enable is true")
		}
		if cfg.Capture.Replay.Speed == 0 {
			cfg.Capture.Replay.Speed = 1
		}
		if cfg.Capture.Replay.Speed < 0 {
			return fmt.Errorf("capture.replay.speed must be > 0")
		}
	}
	if cfg.Capture.Record.Enable && cfg.Capture.Replay.Enable {
		return fmt.Errorf("capture.record and capture.replay cannot both be enabled")
	}
	return nil
}
