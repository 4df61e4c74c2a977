package nmea

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrShort   = errors.New("nmea: sentence too short")
	ErrUnknown = errors.New("nmea: unknown sentence")
)

type decodeFunc func(talker string, t *Tokenizer) Sentence

type decoderEntry struct {
	code      string
	minFields int
	decode    decodeFunc
}

// decoders maps the 3-letter sentence code (after the 2-letter talker) to its
// field decoder.
var decoders = [...]decoderEntry{
	{"RMC", 9, decodeRMC},
	{"VTG", 8, decodeVTG},
	{"GGA", 9, decodeGGA},
	{"GSA", 17, decodeGSA},
	{"GSV", 3, decodeGSV},
	{"ZDA", 4, decodeZDA},
	{"TXT", 4, decodeTXT},
}

func lookup(code []byte) *decoderEntry {
	for i := range decoders {
		if decoders[i].code == string(code) {
			return &decoders[i]
		}
	}
	return nil
}

// Decode decodes a validated sentence body (as returned by Validate: leading
// '$', no checksum). Sentences starting with "$P" are returned as Proprietary
// without consulting the table. Unknown codes return an error wrapping
// ErrUnknown.
func Decode(body []byte) (Sentence, error) {
	if len(body) == 0 || body[0] != '$' {
		return nil, ErrNoStart
	}
	if len(body) >= 2 && body[1] == 'P' {
		return decodeProprietary(body[1:]), nil
	}
	if len(body) < 6 {
		return nil, ErrShort
	}
	talker, code := string(body[1:3]), body[3:6]
	e := lookup(code)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, body[1:6])
	}
	fields := body[6:]
	if len(fields) > 0 {
		if fields[0] != ',' {
			return nil, fmt.Errorf("nmea: %s: malformed address field", body[1:])
		}
		fields = fields[1:]
	}
	if len(body) == 6 || countFields(fields) < e.minFields {
		return nil, fmt.Errorf("%w: %s", ErrShort, body[1:6])
	}
	t := NewTokenizer(fields)
	s := e.decode(talker, t)
	if err := t.Err(); err != nil {
		return nil, fmt.Errorf("%s%s: %w", talker, e.code, err)
	}
	return s, nil
}

func decodeProprietary(b []byte) Sentence {
	parts := strings.Split(string(b), ",")
	return Proprietary{Code: parts[0], Fields: parts[1:]}
}

// RMC fields (NMEA 0183 v2.3):
//
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3: latitude (ddmm.mmmm)
//	4: N/S
//	5: longitude (dddmm.mmmm)
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
//	10-12: magnetic variation, E/W, mode
func decodeRMC(talker string, t *Tokenizer) Sentence {
	r := RMC{Talker: talker}
	r.UTCTime, _ = t.Float()
	r.Valid = t.Char() == 'A'
	r.Latitude, _ = t.Float()
	r.NS = t.Char()
	r.Longitude, _ = t.Float()
	r.EW = t.Char()
	r.SpeedKnots, _ = t.Float()
	r.Course, _ = t.Float()
	r.Date, _ = t.Int()
	r.MagVar, _ = t.Float()
	r.MagVarEW = t.Char()
	r.Mode = t.Char()
	return r
}

func decodeVTG(talker string, t *Tokenizer) Sentence {
	v := VTG{Talker: talker}
	v.CourseTrue, _ = t.Float()
	t.Skip(1)
	v.CourseMagnetic, _ = t.Float()
	t.Skip(1)
	v.SpeedKnots, _ = t.Float()
	t.Skip(1)
	v.SpeedKmh, _ = t.Float()
	t.Skip(1)
	v.Mode = t.Char()
	return v
}

// GGA fields:
//
//	1: time
//	2-5: latitude, N/S, longitude, E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9-10: altitude (meters), units
//	11-12: geoid separation, units
func decodeGGA(talker string, t *Tokenizer) Sentence {
	g := GGA{Talker: talker}
	g.UTCTime, _ = t.Float()
	g.Latitude, _ = t.Float()
	g.NS = t.Char()
	g.Longitude, _ = t.Float()
	g.EW = t.Char()
	g.FixQuality, _ = t.Int()
	g.Satellites, _ = t.Int()
	g.HDOP, _ = t.Float()
	g.Altitude, _ = t.Float()
	t.Skip(1)
	g.GeoidSep, _ = t.Float()
	return g
}

func decodeGSA(talker string, t *Tokenizer) Sentence {
	g := GSA{Talker: talker}
	g.Mode = t.Char()
	g.FixType, _ = t.Int()
	for i := 0; i < len(g.PRNs); i++ {
		if prn, ok := t.Int(); ok {
			g.PRNs[g.NumPRNs] = prn
			g.NumPRNs++
		}
	}
	g.PDOP, _ = t.Float()
	g.HDOP, _ = t.Float()
	g.VDOP, _ = t.Float()
	return g
}

func decodeGSV(talker string, t *Tokenizer) Sentence {
	g := GSV{Talker: talker}
	g.TotalMessages, _ = t.Int()
	g.MessageNumber, _ = t.Int()
	g.InView, _ = t.Int()
	for g.NumSats < len(g.Sats) {
		prn, ok := t.Int()
		if !ok {
			break
		}
		g.Sats[g.NumSats] = SatInView{
			PRN:       prn,
			Elevation: t.IntOr(Missing),
			Azimuth:   t.IntOr(Missing),
			SNR:       t.IntOr(Missing),
		}
		g.NumSats++
	}
	return g
}

func decodeZDA(talker string, t *Tokenizer) Sentence {
	z := ZDA{Talker: talker}
	z.UTCTime, _ = t.Float()
	z.Day, _ = t.Int()
	z.Month, _ = t.Int()
	z.Year, _ = t.Int()
	z.ZoneHours, _ = t.Int()
	z.ZoneMinutes, _ = t.Int()
	return z
}

func decodeTXT(talker string, t *Tokenizer) Sentence {
	x := TXT{Talker: talker}
	x.Total, _ = t.Int()
	x.Number, _ = t.Int()
	x.ID, _ = t.Int()
	x.Text = t.Rest()
	return x
}

// ToDegrees converts an NMEA ddmm.mmmm / dddmm.mmmm value plus hemisphere into
// signed decimal degrees.
func ToDegrees(v float64, hemi byte) (float64, bool) {
	switch hemi {
	case 'N', 'S', 'E', 'W':
	default:
		return 0, false
	}
	if v < 0 {
		return 0, false
	}
	deg := math.Floor(v / 100)
	mins := v - deg*100
	if mins >= 60 {
		return 0, false
	}
	dec := deg + mins/60
	if hemi == 'S' || hemi == 'W' {
		dec = -dec
	}
	return dec, true
}
