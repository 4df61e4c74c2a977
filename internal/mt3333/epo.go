package mt3333

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"railgnss/internal/nmea"
)

const (
	// EPORecordSize is the size of one satellite record in an EPO file.
	EPORecordSize = 60
	// epoRecordsPerPacket records travel in one binary packet.
	epoRecordsPerPacket = 3
	epoEndSeq           = 0xFFFF
)

// UploadEPO transfers EPO ephemeris data. data is a whole number of 60-byte
// satellite records. The module is switched to binary mode for the transfer
// and back to NMEA afterwards, even on failure. Every packet must be
// acknowledged with its sequence number before the next one is sent.
func (m *Module) UploadEPO(ctx context.Context, data []byte, ackTimeout time.Duration) error {
	if len(data) == 0 || len(data)%EPORecordSize != 0 {
		return fmt.Errorf("mt3333: EPO data length %d is not a multiple of %d", len(data), EPORecordSize)
	}
	if ackTimeout <= 0 {
		ackTimeout = m.cfg.CommandTimeout
	}
	if err := m.requireUp(); err != nil {
		return err
	}
	if err := m.acquire(ctx, m.cfg.CommandTimeout); err != nil {
		return err
	}
	defer m.release()

	if err := m.enterBinaryLocked(); err != nil {
		return err
	}
	defer func() {
		if err := m.exitBinaryLocked(); err != nil {
			log.Printf("mt3333 epo: leaving binary mode: %v", err)
		}
	}()

	const chunk = EPORecordSize * epoRecordsPerPacket
	seq := uint16(0)
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		if err := m.sendEPO(ctx, seq, data[off:end], ackTimeout); err != nil {
			return err
		}
		seq++
	}
	if err := m.sendEPO(ctx, epoEndSeq, nil, ackTimeout); err != nil {
		return err
	}
	log.Printf("mt3333 epo upload done records=%d packets=%d", len(data)/EPORecordSize, int(seq)+1)
	return nil
}

// epoPacket builds a type 722 packet: seq followed by three record slots,
// zero padded.
func epoPacket(seq uint16, records []byte) []byte {
	payload := make([]byte, 2+EPORecordSize*epoRecordsPerPacket)
	binary.LittleEndian.PutUint16(payload, seq)
	copy(payload[2:], records)
	return nmea.BuildBinary(nmea.BinaryTypeEPO, payload)
}

func (m *Module) sendEPO(ctx context.Context, seq uint16, records []byte, timeout time.Duration) error {
	select {
	case <-m.binAck:
	default:
	}
	if err := m.write(epoPacket(seq, records)); err != nil {
		return fmt.Errorf("mt3333 epo seq=%d: %w", seq, err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-m.binAck:
			if ack.Seq != seq {
				log.Printf("mt3333 epo stale ack seq=%d want %d", ack.Seq, seq)
				continue
			}
			if ack.Result != 1 {
				return fmt.Errorf("mt3333 epo seq=%d result=%d: %w", seq, ack.Result, ErrBinary)
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("mt3333 epo seq=%d: %w", seq, ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
