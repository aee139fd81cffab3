// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"errors"
	"fmt"
)

var (
	// ErrCRCMismatch is returned for a packet whose CRC does not check out
	ErrCRCMismatch = errors.New("CRC mismatch")
	// ErrPacketOverflow is returned when a packet exceeds the receive buffer
	ErrPacketOverflow = errors.New("packet exceeds receive buffer")
)

// PacketDecoder implements the receive-side packet state machine.
// Bytes are fed one at a time; a completed, CRC-valid packet payload
// (without the CRC byte) is returned when its closing delimiter arrives.
type PacketDecoder struct {
	state     int
	buffer    []byte
	crc       uint8
	rawBuffer []byte // raw wire bytes of the current packet, including framing
	lastRaw   []byte // raw wire bytes of the last completed packet
}

// NewPacketDecoder creates a new packet decoder waiting for a delimiter
func NewPacketDecoder() *PacketDecoder {
	return &PacketDecoder{
		state:     stateWaitDelimiter,
		buffer:    make([]byte, 0, maxRawPacketSize),
		rawBuffer: make([]byte, 0, maxRawPacketSize*2),
	}
}

// Reset drops any partial packet and waits for the next delimiter
func (d *PacketDecoder) Reset() {
	d.state = stateWaitDelimiter
	d.startPacket()
}

func (d *PacketDecoder) startPacket() {
	d.buffer = d.buffer[:0]
	d.crc = 0
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the raw bytes accumulated for the current packet
func (d *PacketDecoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// LastPacketRaw returns the raw wire bytes of the last packet closed by a
// delimiter, valid or not
func (d *PacketDecoder) LastPacketRaw() []byte {
	return d.lastRaw
}

// DecodeByte processes a single wire byte.
// Returns the payload of a completed packet, or nil if the packet is
// incomplete. Returns an error if the packet had to be discarded.
func (d *PacketDecoder) DecodeByte(b byte) ([]byte, error) {
	d.rawBuffer = append(d.rawBuffer, b)

	switch d.state {
	case stateWaitDelimiter:
		if b == PacketMagic {
			d.startPacket()
			d.rawBuffer = append(d.rawBuffer, b)
			d.state = stateReading
		}
		return nil, nil

	case stateReading:
		if b == PacketMagic {
			return d.finishPacket()
		}
		if b == PacketEscape {
			d.state = stateEscaped
			return nil, nil
		}
		return nil, d.accept(b)

	case stateEscaped:
		if b == PacketMagic {
			// Delimiter inside an escape sequence: drop the packet, the
			// delimiter opens the next one
			d.startPacket()
			d.rawBuffer = append(d.rawBuffer, b)
			d.state = stateReading
			return nil, ErrIncompleteEscape
		}
		d.state = stateReading
		return nil, d.accept(b ^ EscapeXor)

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

func (d *PacketDecoder) accept(b byte) error {
	if len(d.buffer) >= maxRawPacketSize {
		d.Reset()
		return ErrPacketOverflow
	}
	d.buffer = append(d.buffer, b)
	d.crc = UpdateCRC(d.crc, b)
	return nil
}

// finishPacket validates the packet closed by a delimiter.
// The closing delimiter also opens the next packet.
func (d *PacketDecoder) finishPacket() ([]byte, error) {
	defer func() {
		d.startPacket()
		d.rawBuffer = append(d.rawBuffer, PacketMagic)
		d.state = stateReading
	}()

	// Consecutive delimiters separate packets without content
	if len(d.buffer) == 0 {
		return nil, nil
	}
	d.lastRaw = append(d.lastRaw[:0], d.rawBuffer...)

	if d.crc != 0 {
		return nil, fmt.Errorf("%w: residue 0x%02X over %d bytes", ErrCRCMismatch, d.crc, len(d.buffer))
	}

	// CRC byte only
	if len(d.buffer) == 1 {
		return nil, nil
	}

	payload := make([]byte, len(d.buffer)-1)
	copy(payload, d.buffer)
	return payload, nil
}
