package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"railgnss/internal/gnss"
	"railgnss/internal/nmea"
)

// Power is the module supply/reset control.
type Power interface {
	Wired() bool
	Reset(ctx context.Context) error
	On() error
	Off() error
	IsOn() bool
}

type HDOPStore interface {
	SaveHDOPThreshold(v float64) error
}

type Exporter interface {
	Export(path string) (int, error)
}

// GNSS wires the "gnss" command. Power, Store and Track may be nil.
type GNSS struct {
	Service *gnss.Service
	Power   Power
	Store   HDOPStore
	Track   Exporter
}

const gnssUsage = "gnss reset|info|hdop get|hdop set <v>|nmea <sentence>|on|off|export <file>|stats"

func (g GNSS) Handler() Handler {
	return func(ctx context.Context, args []string, w io.Writer) error {
		if len(args) == 0 {
			return usage(gnssUsage)
		}
		switch strings.ToLower(args[0]) {
		case "reset":
			return g.reset(ctx, w)
		case "info":
			return g.info(w)
		case "hdop":
			return g.hdop(args[1:], w)
		case "nmea":
			if len(args) < 2 {
				return usage("gnss nmea <sentence>")
			}
			g.Service.Inject(nmea.Format(strings.Join(args[1:], " ")))
			_, err := fmt.Fprintln(w, "ok")
			return err
		case "on", "off":
			return g.power(strings.EqualFold(args[0], "on"), w)
		case "export":
			if len(args) != 2 {
				return usage("gnss export <file>")
			}
			if g.Track == nil {
				return errors.New("track log disabled")
			}
			n, err := g.Track.Export(args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "exported %d fixes to %s\n", n, args[1])
			return err
		case "stats":
			b, err := json.MarshalIndent(g.Service.Stats(), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "%s\n", b)
			return err
		default:
			return usage(gnssUsage)
		}
	}
}

func (g GNSS) reset(ctx context.Context, w io.Writer) error {
	if g.Power != nil && g.Power.Wired() {
		if err := g.Power.Reset(ctx); err != nil {
			return err
		}
	}
	g.Service.Assembler().Reset()
	if err := g.Service.Status().ResetFixLatches(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "ok")
	return err
}

func (g GNSS) info(w io.Writer) error {
	snap, err := g.Service.Snapshot()
	if err != nil {
		return err
	}
	f := snap.Fix
	fmt.Fprintf(w, "state=%s valid=%v quality=%d type=%d sats=%d\n", snap.State, f.Valid, f.FixQuality, f.FixType, f.Satellites)
	fmt.Fprintf(w, "lat=%.6f lon=%.6f alt=%.1fm\n", f.LatDeg, f.LonDeg, f.AltitudeM)
	fmt.Fprintf(w, "speed=%.2fkn avg=%.2fkn course=%.1f\n", f.SpeedKnots, snap.SpeedAvgKnots, f.Course)
	fmt.Fprintf(w, "hdop=%.2f pdop=%.2f vdop=%.2f threshold=%.2f\n", f.HDOP, f.PDOP, f.VDOP, snap.HDOPThreshold)
	fmt.Fprintf(w, "first_fix=%s first_accurate_fix=%s\n", fmtTime(snap.FirstFix), fmtTime(snap.FirstAccurateFix))
	names := make([]string, 0, len(snap.Satellites))
	for name := range snap.Satellites {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tb := snap.Satellites[name]
		fmt.Fprintf(w, "%s in_view=%d listed=%d truncated=%v\n", name, tb.InView, len(tb.Sats), tb.Truncated)
	}
	if n, err := g.Service.Status().Truncations(); err == nil && n > 0 {
		fmt.Fprintf(w, "gsv_dropped=%d\n", n)
	}
	return nil
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func (g GNSS) hdop(args []string, w io.Writer) error {
	st := g.Service.Status()
	if len(args) == 1 && args[0] == "get" {
		v, err := st.HDOPThreshold()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%.2f\n", v)
		return err
	}
	if len(args) != 2 || args[0] != "set" {
		return usage("gnss hdop get|set <v>")
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil || v <= 0 {
		return fmt.Errorf("invalid hdop threshold %q", args[1])
	}
	if err := st.SetHDOPThreshold(v); err != nil {
		return err
	}
	if g.Store != nil {
		if err := g.Store.SaveHDOPThreshold(v); err != nil {
			return fmt.Errorf("threshold applied but not saved: %w", err)
		}
	}
	_, err = fmt.Fprintln(w, "ok")
	return err
}

func (g GNSS) power(on bool, w io.Writer) error {
	if g.Power == nil || !g.Power.Wired() {
		return errors.New("no power control configured")
	}
	var err error
	if on {
		err = g.Power.On()
	} else {
		err = g.Power.Off()
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "power on=%v\n", g.Power.IsOn())
	return err
}
