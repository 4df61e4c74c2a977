package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"railgnss/internal/gnss"
)

// Status carries the daemon facts that do not live in the GNSS stack.
type Status struct {
	startUnixNano int64
	device        atomic.Value // string
	driver        atomic.Value // string
	capture       atomic.Value // string
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.device.Store("")
	s.driver.Store("")
	s.capture.Store("")
	return s
}

// SetStatic records the UART device, backend driver and capture mode
// ("", "record" or "replay").
func (s *Status) SetStatic(device, driver, capture string) {
	s.device.Store(device)
	s.driver.Store(driver)
	s.capture.Store(capture)
}

type BuildInfo struct {
	GoVersion string `json:"go_version"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

type StatusSnapshot struct {
	Service     string      `json:"service"`
	NowUTC      string      `json:"now_utc"`
	UptimeSec   int64       `json:"uptime_sec"`
	Device      string      `json:"device"`
	Driver      string      `json:"driver"`
	Capture     string      `json:"capture,omitempty"`
	Baud        int         `json:"baud"`
	ModuleState string      `json:"module_state,omitempty"`
	Build       BuildInfo   `json:"build"`
	GNSS        *gnss.Stats `json:"gnss,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	return StatusSnapshot{
		Service:   "railgnss",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Device:    s.device.Load().(string),
		Driver:    s.driver.Load().(string),
		Capture:   s.capture.Load().(string),
		Build:     buildInfo(),
	}
}

func buildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		case "vcs.time":
			out.BuildTime = s.Value
		}
	}
	return out
}
