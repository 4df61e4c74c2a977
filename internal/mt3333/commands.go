package mt3333

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"railgnss/internal/frame"
	"railgnss/internal/nmea"
	"railgnss/internal/uart"
)

// Query response types.
const (
	typeVersion      = 705
	typeNMEAOutput   = 514
	typeFixInterval  = 500
	typeNavThreshold = 527
)

// Version queries the firmware release string (PMTK605 -> PMTK705).
func (m *Module) Version(ctx context.Context) (string, error) {
	resp, err := m.SendCommand(ctx, "PMTK605", typeVersion, m.cfg.CommandTimeout)
	if err != nil {
		return "", err
	}
	return strings.Join(resp.Fields, ","), nil
}

// Ping sends the PMTK000 test packet.
func (m *Module) Ping(ctx context.Context) error {
	_, err := m.SendCommand(ctx, "PMTK000", TypeAck, m.cfg.CommandTimeout)
	return err
}

// RestartKind selects one of the PMTK10x restarts.
type RestartKind int

const (
	HotStart      RestartKind = 101
	WarmStart     RestartKind = 102
	ColdStart     RestartKind = 103
	FullColdStart RestartKind = 104
)

func (k RestartKind) String() string {
	switch k {
	case HotStart:
		return "hot"
	case WarmStart:
		return "warm"
	case ColdStart:
		return "cold"
	case FullColdStart:
		return "full-cold"
	default:
		return "restart(" + strconv.Itoa(int(k)) + ")"
	}
}

// Restart issues a hot/warm/cold restart and waits for the module's startup
// message. The fix latches are re-armed since the module starts a new
// acquisition.
func (m *Module) Restart(ctx context.Context, kind RestartKind) error {
	if err := m.requireUp(); err != nil {
		return err
	}
	cmd := fmt.Sprintf("PMTK%03d", int(kind))
	if _, err := m.SendCommand(ctx, cmd, TypeStartup, m.cfg.StartupWait); err != nil {
		return err
	}
	if m.status != nil {
		if err := m.status.ResetFixLatches(); err != nil {
			return err
		}
	}
	log.Printf("mt3333 %s start done", kind)
	return nil
}

func (m *Module) HotStart(ctx context.Context) error      { return m.Restart(ctx, HotStart) }
func (m *Module) WarmStart(ctx context.Context) error     { return m.Restart(ctx, WarmStart) }
func (m *Module) ColdStart(ctx context.Context) error     { return m.Restart(ctx, ColdStart) }
func (m *Module) FullColdStart(ctx context.Context) error { return m.Restart(ctx, FullColdStart) }

// SetFixInterval sets the position fix interval in milliseconds (PMTK220).
func (m *Module) SetFixInterval(ctx context.Context, ms int) error {
	if ms < 100 || ms > 10000 {
		return fmt.Errorf("mt3333: fix interval %d ms out of range 100..10000", ms)
	}
	_, err := m.SendCommand(ctx, fmt.Sprintf("PMTK220,%d", ms), TypeAck, m.cfg.CommandTimeout)
	return err
}

// FixInterval queries the fix interval (PMTK400 -> PMTK500).
func (m *Module) FixInterval(ctx context.Context) (int, error) {
	resp, err := m.SendCommand(ctx, "PMTK400", typeFixInterval, m.cfg.CommandTimeout)
	if err != nil {
		return 0, err
	}
	if len(resp.Fields) == 0 {
		return 0, fmt.Errorf("mt3333: empty PMTK500")
	}
	ms, err := strconv.Atoi(resp.Fields[0])
	if err != nil {
		return 0, fmt.Errorf("mt3333: bad PMTK500 interval %q", resp.Fields[0])
	}
	return ms, nil
}

// NMEAOutput holds per-sentence output rates, in fixes per sentence
// (0 disables the sentence).
type NMEAOutput struct {
	GLL int `json:"gll"`
	RMC int `json:"rmc"`
	VTG int `json:"vtg"`
	GGA int `json:"gga"`
	GSA int `json:"gsa"`
	GSV int `json:"gsv"`
	ZDA int `json:"zda"`
}

// nmeaOutputFields is the PMTK314/514 field count.
const nmeaOutputFields = 19

func (o NMEAOutput) fields() []string {
	f := make([]string, nmeaOutputFields)
	for i := range f {
		f[i] = "0"
	}
	f[0] = strconv.Itoa(o.GLL)
	f[1] = strconv.Itoa(o.RMC)
	f[2] = strconv.Itoa(o.VTG)
	f[3] = strconv.Itoa(o.GGA)
	f[4] = strconv.Itoa(o.GSA)
	f[5] = strconv.Itoa(o.GSV)
	f[17] = strconv.Itoa(o.ZDA)
	return f
}

func parseNMEAOutput(fields []string) (NMEAOutput, error) {
	if len(fields) < 6 {
		return NMEAOutput{}, fmt.Errorf("mt3333: short PMTK514 (%d fields)", len(fields))
	}
	v := make([]int, len(fields))
	for i, s := range fields {
		n, err := strconv.Atoi(s)
		if err != nil {
			return NMEAOutput{}, fmt.Errorf("mt3333: bad PMTK514 field %d %q", i, s)
		}
		v[i] = n
	}
	out := NMEAOutput{GLL: v[0], RMC: v[1], VTG: v[2], GGA: v[3], GSA: v[4], GSV: v[5]}
	if len(v) > 17 {
		out.ZDA = v[17]
	}
	return out, nil
}

// SetNMEAOutput configures sentence output rates (PMTK314).
func (m *Module) SetNMEAOutput(ctx context.Context, o NMEAOutput) error {
	cmd := "PMTK314," + strings.Join(o.fields(), ",")
	_, err := m.SendCommand(ctx, cmd, TypeAck, m.cfg.CommandTimeout)
	return err
}

// DefaultNMEAOutput restores the firmware default rates (PMTK314,-1).
func (m *Module) DefaultNMEAOutput(ctx context.Context) error {
	_, err := m.SendCommand(ctx, "PMTK314,-1", TypeAck, m.cfg.CommandTimeout)
	return err
}

// QueryNMEAOutput reads the sentence output rates (PMTK414 -> PMTK514).
func (m *Module) QueryNMEAOutput(ctx context.Context) (NMEAOutput, error) {
	resp, err := m.SendCommand(ctx, "PMTK414", typeNMEAOutput, m.cfg.CommandTimeout)
	if err != nil {
		return NMEAOutput{}, err
	}
	return parseNMEAOutput(resp.Fields)
}

// SetBaud switches the module's serial rate (PMTK251). The module acks at
// the old rate, then the transport follows and the new rate is persisted.
// If the transport cannot follow, the link is lost and the state drops to
// Unknown so that startup renegotiates.
func (m *Module) SetBaud(ctx context.Context, baud int) error {
	if !uart.SupportedBaud(baud) {
		return fmt.Errorf("mt3333: unsupported baud %d", baud)
	}
	if err := m.requireUp(); err != nil {
		return err
	}
	if _, err := m.SendCommand(ctx, fmt.Sprintf("PMTK251,%d", baud), TypeAck, m.cfg.CommandTimeout); err != nil {
		return err
	}
	// The module needs a moment to retune its UART before it talks again.
	time.Sleep(20 * time.Millisecond)
	if err := m.tx.SetBaud(baud); err != nil {
		m.setState(StateUnknown)
		log.Printf("mt3333 baud change lost link module_baud=%d host_baud=%d: %v", baud, m.tx.Baud(), err)
		return fmt.Errorf("mt3333 set baud %d: %w", baud, err)
	}
	if m.store != nil {
		if err := m.store.SavePreferredBaud(baud); err != nil {
			log.Printf("mt3333 persist baud=%d failed: %v", baud, err)
		}
	}
	log.Printf("mt3333 baud changed baud=%d", baud)
	return nil
}

// Standby puts the module into standby (PMTK161,0). Any later byte on the
// line wakes it up.
func (m *Module) Standby(ctx context.Context) error {
	_, err := m.SendCommand(ctx, "PMTK161,0", TypeAck, m.cfg.CommandTimeout)
	return err
}

// SetNavSpeedThreshold sets the static navigation speed threshold in m/s
// (PMTK386). Speeds below it are reported as zero.
func (m *Module) SetNavSpeedThreshold(ctx context.Context, mps float64) error {
	if mps < 0 || mps > 2 {
		return fmt.Errorf("mt3333: nav speed threshold %.2f out of range 0..2", mps)
	}
	_, err := m.SendCommand(ctx, fmt.Sprintf("PMTK386,%.1f", mps), TypeAck, m.cfg.CommandTimeout)
	return err
}

// NavSpeedThreshold queries the threshold (PMTK447 -> PMTK527).
func (m *Module) NavSpeedThreshold(ctx context.Context) (float64, error) {
	resp, err := m.SendCommand(ctx, "PMTK447", typeNavThreshold, m.cfg.CommandTimeout)
	if err != nil {
		return 0, err
	}
	if len(resp.Fields) == 0 {
		return 0, fmt.Errorf("mt3333: empty PMTK527")
	}
	return strconv.ParseFloat(resp.Fields[0], 64)
}

// EnterBinary switches the module to MTK binary output (PMTK253,1,0) and
// the assembler to binary framing. The module does not ack this command.
func (m *Module) EnterBinary(ctx context.Context) error {
	if err := m.acquire(ctx, m.cfg.CommandTimeout); err != nil {
		return err
	}
	defer m.release()
	return m.enterBinaryLocked()
}

// ExitBinary sends the binary "back to NMEA" packet and restores ASCII
// framing.
func (m *Module) ExitBinary(ctx context.Context) error {
	if err := m.acquire(ctx, m.cfg.CommandTimeout); err != nil {
		return err
	}
	defer m.release()
	return m.exitBinaryLocked()
}

func (m *Module) enterBinaryLocked() error {
	if err := m.write(nmea.Format("PMTK253,1,0")); err != nil {
		return err
	}
	m.framer.SetMode(frame.ModeBinary)
	return nil
}

func (m *Module) exitBinaryLocked() error {
	err := m.write(nmea.SetNMEAModePacket())
	m.framer.SetMode(frame.ModeASCII)
	return err
}
