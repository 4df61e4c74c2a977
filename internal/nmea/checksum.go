package nmea

import (
	"errors"
	"strings"
)

var (
	ErrNoStart    = errors.New("nmea: missing '$'")
	ErrNoChecksum = errors.New("nmea: missing checksum")
	ErrBadHex     = errors.New("nmea: bad checksum digits")
	ErrChecksum   = errors.New("nmea: checksum mismatch")
)

// Checksum is the XOR of all payload bytes (everything between '$' and '*').
func Checksum(payload []byte) byte {
	var ck byte
	for _, b := range payload {
		ck ^= b
	}
	return ck
}

// Validate checks the checksum of a raw frame "$...*CC[\r\n]". On success it
// returns the sentence truncated at '*', still starting with '$'. The result
// aliases frame; frame itself is not modified, so validating the same bytes
// again yields the same answer.
func Validate(frame []byte) ([]byte, error) {
	if len(frame) == 0 || frame[0] != '$' {
		return nil, ErrNoStart
	}
	star := -1
	for i := 1; i < len(frame); i++ {
		if frame[i] == '*' {
			star = i
			break
		}
	}
	if star < 0 || star+3 > len(frame) {
		return nil, ErrNoChecksum
	}
	hi, ok1 := fromHex(frame[star+1])
	lo, ok2 := fromHex(frame[star+2])
	if !ok1 || !ok2 {
		return nil, ErrBadHex
	}
	if Checksum(frame[1:star]) != hi<<4|lo {
		return nil, ErrChecksum
	}
	return frame[:star], nil
}

// Format builds a complete sentence "$<payload>*CC\r\n". A leading '$' in
// payload is accepted and not duplicated.
func Format(payload string) []byte {
	payload = strings.TrimPrefix(strings.TrimSpace(payload), "$")
	out := make([]byte, 0, len(payload)+6)
	out = append(out, '$')
	out = append(out, payload...)
	ck := Checksum([]byte(payload))
	out = append(out, '*', hexDigits[ck>>4], hexDigits[ck&0x0F], '\r', '\n')
	return out
}

const hexDigits = "0123456789ABCDEF"

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
