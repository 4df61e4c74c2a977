package nmea

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MTK binary packet layout (little-endian):
//
//	0x04 0x24 | length(2) | type(2) | data | checksum(1) | 0x0D 0x0A
//
// length counts the whole packet. The checksum is the XOR of the length,
// type and data bytes.

const (
	binaryOverhead = 9

	BinaryTypeAck       = 0x0002
	BinaryTypeEPO       = 0x02D2 // 722: one EPO transfer packet
	BinaryTypeSetOutput = 0x00FD // 253: output format (NMEA/binary)
)

var ErrBinaryFrame = errors.New("nmea: bad binary frame")

// Packet is a decoded MTK binary packet.
type Packet struct {
	Type uint16
	Data []byte
}

// BuildBinary assembles a binary packet of the given type.
func BuildBinary(typ uint16, data []byte) []byte {
	n := binaryOverhead + len(data)
	out := make([]byte, n)
	out[0], out[1] = 0x04, 0x24
	binary.LittleEndian.PutUint16(out[2:], uint16(n))
	binary.LittleEndian.PutUint16(out[4:], typ)
	copy(out[6:], data)
	out[n-3] = Checksum(out[2 : n-3])
	out[n-2], out[n-1] = '\r', '\n'
	return out
}

// ParseBinary validates a complete binary frame. Data aliases frame.
func ParseBinary(frame []byte) (Packet, error) {
	if len(frame) < binaryOverhead || frame[0] != 0x04 || frame[1] != 0x24 {
		return Packet{}, ErrBinaryFrame
	}
	n := int(binary.LittleEndian.Uint16(frame[2:]))
	if n != len(frame) {
		return Packet{}, fmt.Errorf("%w: length %d, have %d bytes", ErrBinaryFrame, n, len(frame))
	}
	if frame[n-2] != '\r' || frame[n-1] != '\n' {
		return Packet{}, fmt.Errorf("%w: missing terminator", ErrBinaryFrame)
	}
	if got, want := Checksum(frame[2:n-3]), frame[n-3]; got != want {
		return Packet{}, fmt.Errorf("%w: checksum 0x%02X want 0x%02X", ErrBinaryFrame, got, want)
	}
	return Packet{
		Type: binary.LittleEndian.Uint16(frame[4:]),
		Data: frame[6 : n-3],
	}, nil
}

// BinaryAck is the payload of a BinaryTypeAck packet.
type BinaryAck struct {
	Seq    uint16
	Result uint8 // 1 = accepted
}

func ParseBinaryAck(p Packet) (BinaryAck, bool) {
	if p.Type != BinaryTypeAck || len(p.Data) < 3 {
		return BinaryAck{}, false
	}
	return BinaryAck{Seq: binary.LittleEndian.Uint16(p.Data), Result: p.Data[2]}, true
}

// SetNMEAModePacket is the binary command that switches the receiver back to
// NMEA output at the current baud rate.
func SetNMEAModePacket() []byte {
	return BuildBinary(BinaryTypeSetOutput, []byte{0x00, 0x00, 0x00, 0x00, 0x00})
}
