package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

const minimal = "gnss:\n  device: /dev/ttyAMA0\n"

func TestLoad_RequiresDevice(t *testing.T) {
	path := writeTempConfig(t, "gnss: {}\n")
	_, err := Load(path)
	requireErrEq(t, err, "gnss.device is required")
}

func TestLoad_EmptyFileRequiresDevice(t *testing.T) {
	path := writeTempConfig(t, "")
	_, err := Load(path)
	requireErrEq(t, err, "gnss.device is required")
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	g := cfg.GNSS
	if g.Driver != "termios" {
		t.Fatalf("driver=%q want termios", g.Driver)
	}
	if !reflect.DeepEqual(g.Bauds, []int{9600, 115200, 38400, 57600}) {
		t.Fatalf("bauds=%v", g.Bauds)
	}
	if g.StartupWait != 3*time.Second || g.CommandTimeout != time.Second {
		t.Fatalf("startup_wait=%s command_timeout=%s", g.StartupWait, g.CommandTimeout)
	}
	if g.StatusWait != 100*time.Millisecond || g.WriteTimeout != 500*time.Millisecond {
		t.Fatalf("status_wait=%s write_timeout=%s", g.StatusWait, g.WriteTimeout)
	}
	if g.HDOPThreshold != 2.0 {
		t.Fatalf("hdop_threshold=%v want 2", g.HDOPThreshold)
	}
	if !g.AutoStartupEnabled() {
		t.Fatalf("auto_startup should default to true")
	}
	if g.Power.Pulse != 100*time.Millisecond {
		t.Fatalf("power.pulse=%s", g.Power.Pulse)
	}
	if cfg.Store.Path == "" {
		t.Fatalf("expected store.path default")
	}
	if cfg.Web.Listen != "" || cfg.Web.LogLines != 500 {
		t.Fatalf("web=%+v", cfg.Web)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	body := `gnss:
  driver: Serial
  device: /dev/ttyUSB0
  bauds: [115200]
  hdop_threshold: 1.2
  auto_startup: false
  power:
    enable_line: GPIO17
    reset_line: GPIO27
    reset_active_low: true
store:
  path: /tmp/state.yaml
web:
  enable: true
tracklog:
  enable: true
  path: /tmp/track.db
`
	cfg, err := Load(writeTempConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GNSS.Driver != "serial" || cfg.GNSS.HDOPThreshold != 1.2 || cfg.GNSS.AutoStartupEnabled() {
		t.Fatalf("gnss=%+v", cfg.GNSS)
	}
	if cfg.Web.Listen != ":8080" {
		t.Fatalf("listen=%q want :8080", cfg.Web.Listen)
	}
	if cfg.GNSS.Power.ResetLine != "GPIO27" || !cfg.GNSS.Power.ResetActiveLow {
		t.Fatalf("power=%+v", cfg.GNSS.Power)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name  string
		extra string
		want  string
	}{
		{
			name:  "UnknownDriver",
			extra: "  driver: usb\n",
			want:  "gnss.driver must be 'termios' or 'serial'",
		},
		{
			name:  "UnsupportedBaud",
			extra: "  bauds: [9600, 12345]\n",
			want:  "gnss.bauds: unsupported baud 12345",
		},
		{
			// No termios constant exists for it.
			name:  "NonStandardBaud",
			extra: "  bauds: [14400, 9600]\n",
			want:  "gnss.bauds: unsupported baud 14400",
		},
		{
			name:  "NegativeHDOP",
			extra: "  hdop_threshold: -1\n",
			want:  "gnss.hdop_threshold must be > 0",
		},
		{
			name:  "SamePowerLines",
			extra: "  power:\n    enable_line: GPIO4\n    reset_line: GPIO4\n",
			want:  "gnss.power.enable_line and gnss.power.reset_line must differ",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, minimal+tc.extra)
			_, err := Load(path)
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_TrackLogRequiresPath(t *testing.T) {
	path := writeTempConfig(t, minimal+"tracklog:\n  enable: true\n")
	_, err := Load(path)
	requireErrEq(t, err, "tracklog.path is required when tracklog.enable is true")
}

func TestLoad_RecordRequiresPath(t *testing.T) {
	path := writeTempConfig(t, minimal+"capture:\n  record:\n    enable: true\n")
	_, err := Load(path)
	requireErrEq(t, err, "capture.record.path is required when capture.record.enable is true")
}

func TestLoad_ReplayRequiresPath(t *testing.T) {
	path := writeTempConfig(t, minimal+"capture:\n  replay:\n    enable: true\n")
	_, err := Load(path)
	requireErrEq(t, err, "capture.replay.path is required when capture.replay.enable is true")
}

func TestLoad_ReplayWithoutDevice(t *testing.T) {
	path := writeTempConfig(t, "capture:\n  replay:\n    enable: true\n    path: './x.log'\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Capture.Replay.Speed != 1 {
		t.Fatalf("speed=%v want 1", cfg.Capture.Replay.Speed)
	}
}

func TestLoad_ReplayNegativeSpeedRejected(t *testing.T) {
	path := writeTempConfig(t, minimal+"capture:\n  replay:\n    enable: true\n    path: './x.log'\n    speed: -1\n")
	_, err := Load(path)
	requireErrEq(t, err, "capture.replay.speed must be > 0")
}

func TestLoad_RecordAndReplayMutuallyExclusive(t *testing.T) {
	path := writeTempConfig(t, minimal+"capture:\n  record:\n    enable: true\n    path: './a.log'\n  replay:\n    enable: true\n    path: './b.log'\n")
	_, err := Load(path)
	requireErrEq(t, err, "capture.record and capture.replay cannot both be enabled")
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, minimal+"  parity: even\n")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "field parity not found") {
		t.Fatalf("error=%q", err.Error())
	}
}
