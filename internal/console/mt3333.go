package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"railgnss/internal/mt3333"
)

// Module is the part of *mt3333.Module the console drives.
type Module interface {
	State() mt3333.State
	Startup(ctx context.Context, maxWait time.Duration) error
	Version(ctx context.Context) (string, error)
	Restart(ctx context.Context, kind mt3333.RestartKind) error
	SetBaud(ctx context.Context, baud int) error
	QueryNMEAOutput(ctx context.Context) (mt3333.NMEAOutput, error)
	SetNMEAOutput(ctx context.Context, o mt3333.NMEAOutput) error
	DefaultNMEAOutput(ctx context.Context) error
	SetFixInterval(ctx context.Context, ms int) error
	FixInterval(ctx context.Context) (int, error)
	Standby(ctx context.Context) error
	SetNavSpeedThreshold(ctx context.Context, mps float64) error
	NavSpeedThreshold(ctx context.Context) (float64, error)
	Raw(ctx context.Context, cmd string, expect int) (string, error)
	EnterBinary(ctx context.Context) error
	ExitBinary(ctx context.Context) error
	UploadEPO(ctx context.Context, data []byte, ackTimeout time.Duration) error
}

const mt3333Usage = "mt3333 startup|state|version|coldstart|warmstart|hotstart|fullcoldstart|baud <rate>|rate [default|<sentence>=<n>...]|interval [ms]|nav [mps]|standby|raw <cmd> [expect]|binary|ascii|epo <file>"

// MT3333 returns the "mt3333" command handler.
func MT3333(m Module) Handler {
	return func(ctx context.Context, args []string, w io.Writer) error {
		if len(args) == 0 {
			return usage(mt3333Usage)
		}
		switch strings.ToLower(args[0]) {
		case "startup":
			if err := m.Startup(ctx, 0); err != nil {
				return err
			}
			return ok(w)
		case "state":
			_, err := fmt.Fprintln(w, m.State())
			return err
		case "version":
			v, err := m.Version(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, v)
			return err
		case "hotstart":
			return restart(ctx, m, mt3333.HotStart, w)
		case "warmstart":
			return restart(ctx, m, mt3333.WarmStart, w)
		case "coldstart":
			return restart(ctx, m, mt3333.ColdStart, w)
		case "fullcoldstart":
			return restart(ctx, m, mt3333.FullColdStart, w)
		case "baud":
			if len(args) != 2 {
				return usage("mt3333 baud <rate>")
			}
			baud, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid baud %q", args[1])
			}
			if err := m.SetBaud(ctx, baud); err != nil {
				return err
			}
			return ok(w)
		case "rate":
			return rate(ctx, m, args[1:], w)
		case "interval":
			if len(args) == 1 {
				ms, err := m.FixInterval(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(w, "%d ms\n", ms)
				return err
			}
			ms, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid interval %q", args[1])
			}
			if err := m.SetFixInterval(ctx, ms); err != nil {
				return err
			}
			return ok(w)
		case "nav":
			if len(args) == 1 {
				v, err := m.NavSpeedThreshold(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(w, "%.1f m/s\n", v)
				return err
			}
			v, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid threshold %q", args[1])
			}
			if err := m.SetNavSpeedThreshold(ctx, v); err != nil {
				return err
			}
			return ok(w)
		case "standby":
			if err := m.Standby(ctx); err != nil {
				return err
			}
			return ok(w)
		case "raw":
			return raw(ctx, m, args[1:], w)
		case "binary":
			if err := m.EnterBinary(ctx); err != nil {
				return err
			}
			return ok(w)
		case "ascii":
			if err := m.ExitBinary(ctx); err != nil {
				return err
			}
			return ok(w)
		case "epo":
			if len(args) != 2 {
				return usage("mt3333 epo <file>")
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if err := m.UploadEPO(ctx, data, 0); err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "uploaded %d EPO records\n", len(data)/mt3333.EPORecordSize)
			return err
		default:
			return usage(mt3333Usage)
		}
	}
}

func ok(w io.Writer) error {
	_, err := fmt.Fprintln(w, "ok")
	return err
}

func restart(ctx context.Context, m Module, kind mt3333.RestartKind, w io.Writer) error {
	if err := m.Restart(ctx, kind); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s start ok\n", kind)
	return err
}

func raw(ctx context.Context, m Module, args []string, w io.Writer) error {
	if len(args) == 0 || len(args) > 2 {
		return usage("mt3333 raw <cmd> [expect]")
	}
	expect := mt3333.TypeAck
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n > 999 {
			return fmt.Errorf("invalid response type %q", args[1])
		}
		expect = n
	}
	resp, err := m.Raw(ctx, args[0], expect)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, resp)
	return err
}

func rate(ctx context.Context, m Module, args []string, w io.Writer) error {
	if len(args) == 0 {
		o, err := m.QueryNMEAOutput(ctx)
		if err != nil {
			return err
		}
		b, err := json.Marshal(o)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	}
	if len(args) == 1 && args[0] == "default" {
		if err := m.DefaultNMEAOutput(ctx); err != nil {
			return err
		}
		return ok(w)
	}

	o, err := m.QueryNMEAOutput(ctx)
	if err != nil {
		return err
	}
	for _, a := range args {
		name, val, found := strings.Cut(a, "=")
		if !found {
			return usage("mt3333 rate <sentence>=<n>...")
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 || n > 5 {
			return fmt.Errorf("invalid rate %q", a)
		}
		switch strings.ToLower(name) {
		case "gll":
			o.GLL = n
		case "rmc":
			o.RMC = n
		case "vtg":
			o.VTG = n
		case "gga":
			o.GGA = n
		case "gsa":
			o.GSA = n
		case "gsv":
			o.GSV = n
		case "zda":
			o.ZDA = n
		default:
			return fmt.Errorf("unknown sentence %q", name)
		}
	}
	if err := m.SetNMEAOutput(ctx, o); err != nil {
		return err
	}
	return ok(w)
}
