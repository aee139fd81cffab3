// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import "errors"

// ErrIncompleteEscape is returned when data ends in the middle of an escape sequence
var ErrIncompleteEscape = errors.New("incomplete escape sequence at end of data")

func needsEscape(b byte) bool {
	return b == PacketMagic || b == PacketEscape
}

// appendEscaped appends b to dst, escaping it if it collides with a control byte
func appendEscaped(dst []byte, b byte) []byte {
	if needsEscape(b) {
		return append(dst, PacketEscape, b^EscapeXor)
	}
	return append(dst, b)
}

// Escape applies byte stuffing to data.
// Magic and escape bytes are replaced with ESC + (byte XOR EscapeXor).
func Escape(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		result = appendEscaped(result, b)
	}
	return result
}

// Unescape removes byte stuffing from escaped data.
// This is the inverse of Escape.
func Unescape(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscapeXor)
			escapeNext = false
		} else if b == PacketEscape {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, ErrIncompleteEscape
	}

	return result, nil
}

// AppendPacket frames payload as a complete wire packet and appends it to dst:
// MAGIC, escaped payload, escaped CRC, MAGIC.
func AppendPacket(dst, payload []byte) []byte {
	var crc uint8
	dst = append(dst, PacketMagic)
	for _, b := range payload {
		crc = UpdateCRC(crc, b)
		dst = appendEscaped(dst, b)
	}
	dst = appendEscaped(dst, crc)
	return append(dst, PacketMagic)
}

// EncodePacket returns payload framed for transmission
func EncodePacket(payload []byte) []byte {
	return AppendPacket(make([]byte, 0, len(payload)*2+4), payload)
}

// EncodeMessages concatenates the given messages into a single framed packet.
// Messages are encoded with their own sequence numbers.
func EncodeMessages(msgs ...Message) ([]byte, error) {
	payload := make([]byte, 0, MaxPacketCapacity)
	for _, m := range msgs {
		raw, err := m.Encode()
		if err != nil {
			return nil, err
		}
		payload = append(payload, raw...)
	}
	return EncodePacket(payload), nil
}
