// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// ErrDeferred is returned where a message has to reach the wire now but was
// held back by flow control. The message stays queued for its node.
var ErrDeferred = errors.New("message held back by flow control")

// BufferMessageWithData queues a downlink message carrying data for
// transmission. The message is appended to the packet buffer if the node is
// ready, otherwise it is held in the node's queue until the node becomes
// ready again. actionID is returned by the dispatch of the matching reply.
func (t *Transport) BufferMessageWithData(addr Address, msgType uint8, data []byte, actionID uint32) error {
	payload := make([]byte, len(data))
	copy(payload, data)
	_, err := t.bufferMessage(NewMessage(addr, msgType, payload, actionID))
	return err
}

// BufferMessageWithoutData queues a downlink message without payload
func (t *Transport) BufferMessageWithoutData(addr Address, msgType uint8, actionID uint32) error {
	_, err := t.bufferMessage(NewMessage(addr, msgType, nil, actionID))
	return err
}

// bufferMessage reports whether msg went into the packet buffer (true) or
// was held in its node's queue (false)
func (t *Transport) bufferMessage(msg Message) (bool, error) {
	if IsUplink(msg.Type) {
		return false, fmt.Errorf("message type 0x%02X is not a downlink type", msg.Type)
	}

	t.log.WithFields(logrus.Fields{
		"addr":   msg.Address.String(),
		"type":   FormatMessageType(msg.Type),
		"len":    len(msg.Payload),
		"action": msg.ActionID,
	}).Debug("buffering message")

	t.bufMu.Lock()
	sent, err := t.bufferLocked(msg)
	captured := t.takeCapturedLocked()
	t.bufMu.Unlock()

	t.writeCaptured(captured)
	return sent, err
}

func (t *Transport) bufferLocked(msg Message) (bool, error) {
	if size := msg.EncodedLen(); size-1 > MaxMessageLength || size > t.capacity {
		return false, fmt.Errorf("%w: %s is %d bytes", ErrMessageTooLarge, FormatMessageType(msg.Type), size)
	}
	if !t.nodes.TrySend(msg) {
		t.counters.deferred.Add(1)
		return false, nil
	}
	return true, t.appendLocked(msg)
}

// sendNow buffers and flushes msg, failing with ErrDeferred when flow
// control holds it back
func (t *Transport) sendNow(addr Address, msgType uint8) error {
	sent, err := t.bufferMessage(NewMessage(addr, msgType, nil, 0))
	if err != nil {
		return err
	}
	if !sent {
		return fmt.Errorf("%s to %s: %w", FormatMessageType(msgType), addr, ErrDeferred)
	}
	return t.Flush()
}

// appendLocked assigns the sequence number and appends msg to the packet
// buffer, flushing before when it does not fit and after when less than the
// safety margin remains. Caller must hold t.bufMu and must have passed msg
// through the node table.
func (t *Transport) appendLocked(msg Message) error {
	if isUnsequenced(msg.Type) {
		msg.Seq = 0
		if msg.Type == MsgSysGetMagic || msg.Type == MsgSysReset {
			t.nodes.ResetSequence(msg.Address)
		}
	} else {
		msg.Seq = t.nodes.NextSendSeq(msg.Address)
	}

	raw, err := msg.Encode()
	if err != nil {
		return err
	}

	if len(t.buffer)+len(raw) > t.capacity {
		if err := t.flushLocked(); err != nil {
			return err
		}
	}
	t.buffer = append(t.buffer, raw...)
	t.counters.messagesOut.Add(1)

	switch msg.Type {
	case MsgSysEnable:
		t.enabled.Store(true)
	case MsgSysDisable:
		t.enabled.Store(false)
	}

	if t.capture != nil {
		msg.Timestamp = t.clock.Now()
		t.captured = append(t.captured, msg)
	}

	if t.capacity-len(t.buffer) < packetSafetyMargin {
		return t.flushLocked()
	}
	return nil
}

// tryQueuedMessages moves messages that were held back by flow control into
// the packet buffer for every address that may have become ready, then
// flushes. Must not be called with the node table lock held.
func (t *Transport) tryQueuedMessages(addrs ...Address) {
	t.bufMu.Lock()
	t.releaseLocked(addrs)
	captured := t.takeCapturedLocked()
	t.bufMu.Unlock()

	t.writeCaptured(captured)
}

func (t *Transport) releaseLocked(addrs []Address) {
	released := 0
	for _, addr := range addrs {
		for _, msg := range t.nodes.Drain(addr) {
			if err := t.appendLocked(msg); err != nil {
				t.log.WithError(err).WithFields(logrus.Fields{
					"addr": addr.String(),
					"type": FormatMessageType(msg.Type),
				}).Error("failed to send released message")
				continue
			}
			released++
		}
	}

	if released == 0 {
		return
	}
	t.log.WithField("count", released).Debug("queued messages released")
	if err := t.flushLocked(); err != nil {
		t.log.WithError(err).Error("flush of released messages failed")
	}
}

// takeCapturedLocked hands over the transmitted messages waiting for the
// capture file. Caller must hold t.bufMu.
func (t *Transport) takeCapturedLocked() []Message {
	if len(t.captured) == 0 {
		return nil
	}
	msgs := t.captured
	t.captured = nil
	return msgs
}

// writeCaptured records transmitted messages. Runs without t.bufMu.
func (t *Transport) writeCaptured(msgs []Message) {
	for _, msg := range msgs {
		if err := t.capture.Write(DirectionDown, msg); err != nil {
			t.log.WithError(err).Warn("capture write failed")
			return
		}
	}
}

// Flush frames the buffered messages into one packet and writes it to the
// link. An empty buffer is a no-op.
func (t *Transport) Flush() error {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	return t.flushLocked()
}

// flushLocked writes the packet buffer as a single batched write through
// the auxiliary wire buffer. Caller must hold t.bufMu.
func (t *Transport) flushLocked() error {
	if len(t.buffer) == 0 {
		return nil
	}
	defer func() { t.buffer = t.buffer[:0] }()

	var err error
	if 2*len(t.buffer)+4 <= cap(t.wireBuf) {
		t.wireBuf = AppendPacket(t.wireBuf[:0], t.buffer)
		err = t.writeAll(t.wireBuf)
	} else {
		err = t.writeBytewise()
	}

	if err != nil {
		t.counters.writeErrors.Add(1)
		t.log.WithError(err).WithField("len", len(t.buffer)).Error("packet write failed")
		return fmt.Errorf("write packet: %w", err)
	}
	t.counters.packetsOut.Add(1)
	return nil
}

// writeAll writes p, continuing after short writes. A write that makes no
// progress fails with io.ErrShortWrite.
func (t *Transport) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := t.link.Write(p)
		if n > 0 {
			t.counters.bytesOut.Add(uint64(n))
			p = p[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// writeBytewise writes the packet one byte at a time. Used only when the
// escaped packet could exceed the auxiliary buffer.
func (t *Transport) writeBytewise() error {
	var one [1]byte
	write := func(b byte) error {
		one[0] = b
		return t.writeAll(one[:])
	}
	writeEscaped := func(b byte) error {
		if needsEscape(b) {
			if err := write(PacketEscape); err != nil {
				return err
			}
			b ^= EscapeXor
		}
		return write(b)
	}

	if err := write(PacketMagic); err != nil {
		return err
	}
	var crc uint8
	for _, b := range t.buffer {
		crc = UpdateCRC(crc, b)
		if err := writeEscaped(b); err != nil {
			return err
		}
	}
	if err := writeEscaped(crc); err != nil {
		return err
	}
	return write(PacketMagic)
}

// SetPacketCapacity changes the maximum packet payload, capped at
// MaxPacketCapacity. The buffer is flushed first so that no packet exceeds
// the new size.
func (t *Transport) SetPacketCapacity(capacity int) error {
	if capacity <= packetSafetyMargin {
		return fmt.Errorf("packet capacity %d too small", capacity)
	}
	if capacity > MaxPacketCapacity {
		capacity = MaxPacketCapacity
	}

	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	if err := t.flushLocked(); err != nil {
		return err
	}
	t.capacity = capacity
	t.log.WithField("capacity", capacity).Info("packet capacity set")
	return nil
}
