// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMessageTooLarge is returned when a message does not fit the LEN byte
	ErrMessageTooLarge = errors.New("message too large")
	// ErrTruncatedMessage is returned when a packet ends inside a message
	ErrTruncatedMessage = errors.New("truncated message")
)

// Message is a single BiDiB message, the unit carried inside a packet
type Message struct {
	Type     uint8
	Address  Address
	Seq      uint8
	Payload  []byte
	ActionID uint32 // caller correlation token, 0 = none

	// Timestamp is set on receive
	Timestamp time.Time
}

// NewMessage creates a downlink message with the given payload
func NewMessage(addr Address, msgType uint8, payload []byte, actionID uint32) Message {
	return Message{
		Type:     msgType,
		Address:  addr,
		Payload:  payload,
		ActionID: actionID,
	}
}

// EncodedLen returns the number of bytes Encode will produce
func (m Message) EncodedLen() int {
	return 1 + len(m.Address.Stack()) + 2 + len(m.Payload)
}

// Encode returns the raw (unescaped) message bytes: LEN ADDR SEQ TYPE DATA.
// LEN excludes itself.
func (m Message) Encode() ([]byte, error) {
	stack := m.Address.Stack()
	length := len(stack) + 2 + len(m.Payload)
	if length > MaxMessageLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, length, MaxMessageLength)
	}

	raw := make([]byte, 0, length+1)
	raw = append(raw, uint8(length))
	raw = append(raw, stack...)
	raw = append(raw, m.Seq, m.Type)
	raw = append(raw, m.Payload...)
	return raw, nil
}

// DecodeMessage decodes the message at the start of data.
// Returns the message and the number of bytes consumed.
func DecodeMessage(data []byte) (Message, int, error) {
	var m Message
	if len(data) == 0 {
		return m, 0, ErrTruncatedMessage
	}

	length := int(data[0])
	if length+1 > len(data) {
		return m, 0, fmt.Errorf("%w: length %d, %d bytes available", ErrTruncatedMessage, length, len(data)-1)
	}
	body := data[1 : length+1]

	// Address stack: up to the first zero byte, at most AddressSize bytes
	i := 0
	for ; i < len(body) && i < AddressSize; i++ {
		if body[i] == 0 {
			i++
			break
		}
		m.Address[i] = body[i]
	}

	if len(body)-i < 2 {
		return m, 0, fmt.Errorf("%w: no room for seq/type after address", ErrTruncatedMessage)
	}
	m.Seq = body[i]
	m.Type = body[i+1]
	if rest := body[i+2:]; len(rest) > 0 {
		m.Payload = make([]byte, len(rest))
		copy(m.Payload, rest)
	}

	return m, length + 1, nil
}

// SplitPacket splits a validated packet payload into its messages.
// On a truncated trailing message the messages decoded so far are returned
// together with the error.
func SplitPacket(payload []byte) ([]Message, error) {
	var msgs []Message
	for offset := 0; offset < len(payload); {
		m, n, err := DecodeMessage(payload[offset:])
		if err != nil {
			return msgs, fmt.Errorf("message at offset %d: %w", offset, err)
		}
		msgs = append(msgs, m)
		offset += n
	}
	return msgs, nil
}

// IsUplink returns true for node → host message types
func IsUplink(msgType uint8) bool {
	return msgType >= 0x80
}

// isUnsequenced returns true for types always sent with sequence number 0
func isUnsequenced(msgType uint8) bool {
	switch {
	case msgType == MsgSysGetMagic, msgType == MsgSysReset:
		return true
	case msgType >= MsgLocalLogonAck && msgType < 0x80:
		return true
	}
	return false
}
