// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"bytes"
	"errors"
	"testing"
)

// feed pushes wire bytes through the decoder and collects payloads and errors
func feed(d *PacketDecoder, wire []byte) (payloads [][]byte, errs []error) {
	for _, b := range wire {
		payload, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
		}
		if payload != nil {
			payloads = append(payloads, payload)
		}
	}
	return payloads, errs
}

// ============================================================
// Decoder Tests
// ============================================================

func TestDecoder_ValidPacket(t *testing.T) {
	payload := []byte{0x05, 0x01, 0x00, 0x03, MsgSysPong, 0x42}
	payloads, errs := feed(NewPacketDecoder(), EncodePacket(payload))

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(payloads) != 1 || !bytes.Equal(payloads[0], payload) {
		t.Fatalf("payloads %X, want [%X]", payloads, payload)
	}
}

func TestDecoder_EscapedContent(t *testing.T) {
	payload := []byte{0x04, 0x00, 0x01, MsgSysPong, PacketMagic}
	wire := EncodePacket(payload)
	if !bytes.Contains(wire, []byte{PacketEscape, PacketMagic ^ EscapeXor}) {
		t.Fatalf("magic byte not escaped on the wire: %X", wire)
	}

	payloads, errs := feed(NewPacketDecoder(), wire)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(payloads) != 1 || !bytes.Equal(payloads[0], payload) {
		t.Fatalf("payloads %X, want [%X]", payloads, payload)
	}
}

func TestDecoder_SharedDelimiter(t *testing.T) {
	p1 := []byte{0x03, 0x00, 0x01, MsgSysPong}
	p2 := []byte{0x03, 0x00, 0x02, MsgSysPong}
	w1 := EncodePacket(p1)
	w2 := EncodePacket(p2)
	// The closing delimiter of the first packet opens the second
	wire := append(append([]byte{}, w1...), w2[1:]...)

	payloads, errs := feed(NewPacketDecoder(), wire)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(payloads) != 2 || !bytes.Equal(payloads[0], p1) || !bytes.Equal(payloads[1], p2) {
		t.Fatalf("payloads %X", payloads)
	}
}

func TestDecoder_ConsecutiveDelimiters(t *testing.T) {
	payload := []byte{0x03, 0x00, 0x01, MsgSysPong}
	wire := append([]byte{PacketMagic, PacketMagic, PacketMagic}, EncodePacket(payload)...)
	wire = append(wire, PacketMagic)

	payloads, errs := feed(NewPacketDecoder(), wire)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(payloads) != 1 {
		t.Fatalf("got %d payloads, want 1", len(payloads))
	}
}

func TestDecoder_LeadingGarbage(t *testing.T) {
	payload := []byte{0x03, 0x00, 0x01, MsgSysPong}
	wire := append([]byte{0x12, 0x34, 0x56}, EncodePacket(payload)...)

	payloads, errs := feed(NewPacketDecoder(), wire)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(payloads) != 1 || !bytes.Equal(payloads[0], payload) {
		t.Fatalf("payloads %X, want [%X]", payloads, payload)
	}
}

func TestDecoder_CRCMismatch(t *testing.T) {
	payload := []byte{0x03, 0x00, 0x01, MsgSysPong}
	wire := EncodePacket(payload)
	wire[2] ^= 0x01 // corrupt a payload byte

	d := NewPacketDecoder()
	payloads, errs := feed(d, wire)
	if len(payloads) != 0 {
		t.Fatalf("corrupted packet delivered: %X", payloads)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrCRCMismatch) {
		t.Fatalf("expected one ErrCRCMismatch, got %v", errs)
	}
	if !bytes.Equal(d.LastPacketRaw(), wire) {
		t.Errorf("LastPacketRaw = %X, want %X", d.LastPacketRaw(), wire)
	}

	// The decoder recovers for the next packet
	payloads, errs = feed(d, EncodePacket(payload)[1:])
	if len(errs) != 0 || len(payloads) != 1 {
		t.Fatalf("decoder did not recover: payloads %X errors %v", payloads, errs)
	}
}

func TestDecoder_DelimiterAfterEscape(t *testing.T) {
	wire := []byte{PacketMagic, 0x03, PacketEscape, PacketMagic}
	_, errs := feed(NewPacketDecoder(), wire)
	if len(errs) != 1 || !errors.Is(errs[0], ErrIncompleteEscape) {
		t.Fatalf("expected ErrIncompleteEscape, got %v", errs)
	}
}

func TestDecoder_Overflow(t *testing.T) {
	wire := []byte{PacketMagic}
	wire = append(wire, bytes.Repeat([]byte{0x01}, maxRawPacketSize+1)...)

	_, errs := feed(NewPacketDecoder(), wire)
	if len(errs) == 0 || !errors.Is(errs[0], ErrPacketOverflow) {
		t.Fatalf("expected ErrPacketOverflow, got %v", errs)
	}
}

func TestDecoder_CRCOnlyPacket(t *testing.T) {
	wire := []byte{PacketMagic, 0x00, PacketMagic}
	payloads, errs := feed(NewPacketDecoder(), wire)
	if len(payloads) != 0 || len(errs) != 0 {
		t.Fatalf("empty packet should be ignored, got %X %v", payloads, errs)
	}
}
