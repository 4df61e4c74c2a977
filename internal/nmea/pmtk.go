package nmea

import (
	"fmt"
	"strconv"
	"strings"
)

// PMTK is a decoded MediaTek vendor sentence, e.g. "$PMTK001,605,3".
type PMTK struct {
	Type   int
	Fields []string
}

// ParsePMTK extracts the packet type of a "$PMTKnnn" sentence.
func ParsePMTK(p Proprietary) (PMTK, bool) {
	n, err := CommandNumber(p.Code)
	if err != nil {
		return PMTK{}, false
	}
	return PMTK{Type: n, Fields: p.Fields}, true
}

// CommandNumber returns the numeric id of a PMTK command or response text:
// "PMTK605", "$PMTK220,1000" and "PMTK001,604,3" yield 605, 220 and 1.
func CommandNumber(cmd string) (int, error) {
	s := strings.TrimPrefix(strings.TrimSpace(cmd), "$")
	if !strings.HasPrefix(s, "PMTK") {
		return 0, fmt.Errorf("nmea: %q is not a PMTK sentence", cmd)
	}
	s = s[len("PMTK"):]
	if i := strings.IndexAny(s, ",*"); i >= 0 {
		s = s[:i]
	}
	if len(s) != 3 {
		return 0, fmt.Errorf("nmea: %q has no 3-digit packet type", cmd)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("nmea: %q has no 3-digit packet type", cmd)
	}
	return n, nil
}
