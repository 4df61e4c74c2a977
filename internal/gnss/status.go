package gnss

import (
	"errors"
	"fmt"
	"time"

	"railgnss/internal/nmea"
)

// OpState is the receiver operating state as seen by the application.
type OpState uint8

const (
	StateDown OpState = iota
	StateUp
)

func (s OpState) String() string {
	if s == StateUp {
		return "up"
	}
	return "down"
}

func (s OpState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OpState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "up":
		*s = StateUp
	case "down":
		*s = StateDown
	default:
		return fmt.Errorf("gnss: unknown state %q", b)
	}
	return nil
}

// ErrStatusBusy is returned when the status semaphore could not be taken in
// time.
var ErrStatusBusy = errors.New("gnss: status busy")

const (
	// MaxSatellites bounds the per-constellation satellite table.
	MaxSatellites = 16
	// SpeedHistoryLen is the number of RMC speeds kept for averaging.
	SpeedHistoryLen = 8

	// DefaultStatusWait bounds every status semaphore acquire.
	DefaultStatusWait = 100 * time.Millisecond
	// DefaultHDOPThreshold is the "accurate fix" limit used until configured.
	DefaultHDOPThreshold = 2.0
)

// Constellation groups satellites by the talker that reported them.
type Constellation uint8

const (
	GPS Constellation = iota
	GLONASS
	Galileo
	BeiDou
	QZSS
	numConstellations
)

func (c Constellation) String() string {
	switch c {
	case GPS:
		return "gps"
	case GLONASS:
		return "glonass"
	case Galileo:
		return "galileo"
	case BeiDou:
		return "beidou"
	case QZSS:
		return "qzss"
	default:
		return "unknown"
	}
}

// ConstellationForTalker maps an NMEA talker id. GN (combined) is reported
// against GPS since the MT3333 only uses GN for RMC/GGA.
func ConstellationForTalker(talker string) (Constellation, bool) {
	switch talker {
	case "GP", "GN":
		return GPS, true
	case "GL":
		return GLONASS, true
	case "GA":
		return Galileo, true
	case "GB", "BD":
		return BeiDou, true
	case "GQ":
		return QZSS, true
	default:
		return 0, false
	}
}

// Fix is the last known position solution.
type Fix struct {
	Valid      bool    `json:"valid"`
	UTCTime    float64 `json:"utc_time"`
	Date       int     `json:"date"`
	Latitude   float64 `json:"latitude"`
	NS         string  `json:"ns,omitempty"`
	Longitude  float64 `json:"longitude"`
	EW         string  `json:"ew,omitempty"`
	LatDeg     float64 `json:"lat_deg"`
	LonDeg     float64 `json:"lon_deg"`
	SpeedKnots float64 `json:"speed_knots"`
	Course     float64 `json:"course"`
	FixQuality int     `json:"fix_quality"`
	FixType    int     `json:"fix_type"`
	Satellites int     `json:"satellites"`
	HDOP       float64 `json:"hdop"`
	PDOP       float64 `json:"pdop"`
	VDOP       float64 `json:"vdop"`
	AltitudeM  float64 `json:"altitude_m"`
	Updated    string  `json:"updated,omitempty"`
}

type Satellite struct {
	PRN       int `json:"prn"`
	Elevation int `json:"elevation"`
	Azimuth   int `json:"azimuth"`
	SNR       int `json:"snr"`
}

// SatTable is one constellation's satellites in view. Truncated is set when
// the receiver reported more satellites than fit in the table.
type SatTable struct {
	InView    int         `json:"in_view"`
	Sats      []Satellite `json:"sats"`
	Truncated bool        `json:"truncated,omitempty"`
}

// Snapshot is a copy of the shared status.
type Snapshot struct {
	State            OpState             `json:"state"`
	HDOPThreshold    float64             `json:"hdop_threshold"`
	Fix              Fix                 `json:"fix"`
	FirstFix         *time.Time          `json:"first_fix,omitempty"`
	FirstAccurateFix *time.Time          `json:"first_accurate_fix,omitempty"`
	Satellites       map[string]SatTable `json:"satellites,omitempty"`
	SpeedHistory     []float64           `json:"speed_history,omitempty"`
	SpeedAvgKnots    float64             `json:"speed_avg_knots"`
	Date             *ZDATime            `json:"date,omitempty"`
	Text             string              `json:"text,omitempty"`
}

type ZDATime struct {
	UTCTime float64 `json:"utc_time"`
	Day     int     `json:"day"`
	Month   int     `json:"month"`
	Year    int     `json:"year"`
}

type satTable struct {
	inView    int
	n         int
	sats      [MaxSatellites]Satellite
	truncated bool
}

// speedHistory keeps the most recent speeds, oldest first.
type speedHistory struct {
	n      int
	speeds [SpeedHistoryLen]float64
}

func (h *speedHistory) add(v float64) {
	if h.n < len(h.speeds) {
		h.speeds[h.n] = v
		h.n++
		return
	}
	copy(h.speeds[:], h.speeds[1:])
	h.speeds[len(h.speeds)-1] = v
}

func (h *speedHistory) snapshot() []float64 {
	out := make([]float64, h.n)
	copy(out, h.speeds[:h.n])
	return out
}

func (h *speedHistory) average() float64 {
	if h.n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < h.n; i++ {
		sum += h.speeds[i]
	}
	return sum / float64(h.n)
}

// Status is the shared receiver status. It is guarded by a binary
// semaphore; every access waits at most the configured bound. Callbacks are
// never invoked while the semaphore is held.
type Status struct {
	sem  chan struct{}
	wait time.Duration

	state         OpState
	hdopThreshold float64
	fix           Fix
	hdopKnown     bool
	firstFix      time.Time
	firstAccurate time.Time
	sats          [numConstellations]satTable
	building      [numConstellations]satTable
	speeds        speedHistory
	zda           *ZDATime
	text          string
	truncations   uint64
}

func NewStatus() *Status {
	return &Status{
		sem:           make(chan struct{}, 1),
		wait:          DefaultStatusWait,
		hdopThreshold: DefaultHDOPThreshold,
	}
}

func (s *Status) acquire() error {
	select {
	case s.sem <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrStatusBusy
	}
}

func (s *Status) release() { <-s.sem }

// Snapshot returns a copy of the status.
func (s *Status) Snapshot() (Snapshot, error) {
	if err := s.acquire(); err != nil {
		return Snapshot{}, err
	}
	defer s.release()
	return s.snapshotLocked(), nil
}

func (s *Status) snapshotLocked() Snapshot {
	out := Snapshot{
		State:         s.state,
		HDOPThreshold: s.hdopThreshold,
		Fix:           s.fix,
		SpeedHistory:  s.speeds.snapshot(),
		SpeedAvgKnots: s.speeds.average(),
		Text:          s.text,
	}
	if !s.firstFix.IsZero() {
		t := s.firstFix
		out.FirstFix = &t
	}
	if !s.firstAccurate.IsZero() {
		t := s.firstAccurate
		out.FirstAccurateFix = &t
	}
	if s.zda != nil {
		z := *s.zda
		out.Date = &z
	}
	for c := Constellation(0); c < numConstellations; c++ {
		tb := &s.sats[c]
		if tb.inView == 0 && tb.n == 0 {
			continue
		}
		if out.Satellites == nil {
			out.Satellites = make(map[string]SatTable)
		}
		sats := make([]Satellite, tb.n)
		copy(sats, tb.sats[:tb.n])
		out.Satellites[c.String()] = SatTable{InView: tb.inView, Sats: sats, Truncated: tb.truncated}
	}
	return out
}

func (s *Status) SetState(st OpState) error {
	if err := s.acquire(); err != nil {
		return err
	}
	s.state = st
	s.release()
	return nil
}

func (s *Status) State() (OpState, error) {
	if err := s.acquire(); err != nil {
		return StateDown, err
	}
	defer s.release()
	return s.state, nil
}

func (s *Status) SetHDOPThreshold(v float64) error {
	if err := s.acquire(); err != nil {
		return err
	}
	s.hdopThreshold = v
	s.release()
	return nil
}

func (s *Status) HDOPThreshold() (float64, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.release()
	return s.hdopThreshold, nil
}

// ResetFixLatches clears the fix data and re-arms the first-fix and
// first-accurate-fix events. Called on a fresh module startup.
func (s *Status) ResetFixLatches() error {
	if err := s.acquire(); err != nil {
		return err
	}
	s.fix = Fix{}
	s.hdopKnown = false
	s.firstFix = time.Time{}
	s.firstAccurate = time.Time{}
	s.sats = [numConstellations]satTable{}
	s.building = [numConstellations]satTable{}
	s.speeds = speedHistory{}
	s.release()
	return nil
}

// Truncations reports how many GSV satellites were dropped because a
// constellation table was full.
func (s *Status) Truncations() (uint64, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.release()
	return s.truncations, nil
}

// Apply folds a decoded sentence into the status and returns the events it
// caused, in firing order. The caller dispatches them after Apply returns.
func (s *Status) Apply(now time.Time, sent nmea.Sentence) ([]Event, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	var kinds [3]EventKind
	fired := kinds[:0]

	switch v := sent.(type) {
	case nmea.RMC:
		fired = s.applyRMC(now, v, fired)
	case nmea.GGA:
		fired = s.applyGGA(now, v, fired)
	case nmea.GSA:
		s.applyGSA(now, v)
	case nmea.GSV:
		s.applyGSV(v)
	case nmea.VTG:
		if s.fix.Valid {
			s.fix.Course = v.CourseTrue
		}
	case nmea.ZDA:
		s.zda = &ZDATime{UTCTime: v.UTCTime, Day: v.Day, Month: v.Month, Year: v.Year}
	case nmea.TXT:
		s.text = v.Text
	}
	if s.fix.Valid {
		fired = s.checkAccurate(now, fired)
	}

	if len(fired) == 0 {
		s.release()
		return nil, nil
	}
	snap := s.snapshotLocked()
	s.release()

	out := make([]Event, len(fired))
	for i, k := range fired {
		out[i] = Event{Kind: k, Time: now, Snapshot: snap}
	}
	return out, nil
}

func (s *Status) markFix(now time.Time, fired []EventKind) []EventKind {
	s.fix.Valid = true
	s.fix.Updated = now.UTC().Format(time.RFC3339Nano)
	if s.firstFix.IsZero() {
		s.firstFix = now
		fired = append(fired, EventFirstFix)
	}
	return fired
}

func (s *Status) applyRMC(now time.Time, r nmea.RMC, fired []EventKind) []EventKind {
	if !r.Valid {
		// A void RMC marks the fix lost but keeps the last position.
		s.fix.Valid = false
		return fired
	}
	s.fix.UTCTime = r.UTCTime
	s.fix.Date = r.Date
	s.setPosition(r.Latitude, r.NS, r.Longitude, r.EW)
	s.fix.SpeedKnots = r.SpeedKnots
	s.fix.Course = r.Course
	s.speeds.add(r.SpeedKnots)
	fired = s.markFix(now, fired)
	return append(fired, EventNewFix)
}

func (s *Status) applyGGA(now time.Time, g nmea.GGA, fired []EventKind) []EventKind {
	s.fix.FixQuality = g.FixQuality
	s.fix.Satellites = g.Satellites
	if g.HDOP > 0 {
		s.fix.HDOP = g.HDOP
		s.hdopKnown = true
	}
	if g.FixQuality == 0 {
		return fired
	}
	s.fix.UTCTime = g.UTCTime
	s.setPosition(g.Latitude, g.NS, g.Longitude, g.EW)
	s.fix.AltitudeM = g.Altitude
	return s.markFix(now, fired)
}

func (s *Status) applyGSA(now time.Time, g nmea.GSA) {
	s.fix.FixType = g.FixType
	if g.HDOP > 0 {
		s.fix.HDOP = g.HDOP
		s.hdopKnown = true
	}
	s.fix.PDOP = g.PDOP
	s.fix.VDOP = g.VDOP
}

func (s *Status) setPosition(lat float64, ns byte, lon float64, ew byte) {
	s.fix.Latitude, s.fix.Longitude = lat, lon
	s.fix.NS, s.fix.EW = hemi(ns), hemi(ew)
	if d, ok := nmea.ToDegrees(lat, ns); ok {
		s.fix.LatDeg = d
	}
	if d, ok := nmea.ToDegrees(lon, ew); ok {
		s.fix.LonDeg = d
	}
}

func hemi(b byte) string {
	if b == 0 {
		return ""
	}
	return string(rune(b))
}

// checkAccurate latches the first fix whose HDOP is at or below the
// threshold. It fires once until ResetFixLatches.
func (s *Status) checkAccurate(now time.Time, fired []EventKind) []EventKind {
	if !s.firstAccurate.IsZero() || !s.hdopKnown || s.hdopThreshold <= 0 {
		return fired
	}
	if s.fix.HDOP > s.hdopThreshold {
		return fired
	}
	s.firstAccurate = now
	return append(fired, EventFirstAccurateFix)
}

// applyGSV collects a multi-sentence GSV group and publishes it when the last
// sentence arrives. Satellites beyond MaxSatellites or the reported in-view
// count are dropped and the table is flagged as truncated.
func (s *Status) applyGSV(g nmea.GSV) {
	c, ok := ConstellationForTalker(g.Talker)
	if !ok {
		return
	}
	b := &s.building[c]
	if g.MessageNumber <= 1 {
		*b = satTable{}
	}
	b.inView = g.InView
	limit := MaxSatellites
	if g.InView >= 0 && g.InView < limit {
		limit = g.InView
	}
	for i := 0; i < g.NumSats; i++ {
		if b.n >= limit {
			b.truncated = true
			s.truncations++
			continue
		}
		sv := g.Sats[i]
		b.sats[b.n] = Satellite{PRN: sv.PRN, Elevation: sv.Elevation, Azimuth: sv.Azimuth, SNR: sv.SNR}
		b.n++
	}
	if g.MessageNumber >= g.TotalMessages {
		s.sats[c] = *b
		*b = satTable{}
	}
}
