// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// receiveLoop reads the link byte by byte until the transport stops or the
// link reports a permanent close. ReadByte never blocks, so an empty read is
// followed by a short sleep.
func (t *Transport) receiveLoop(ctx context.Context) {
	defer t.wg.Done()
	defer close(t.recvDone)

	var linkDone <-chan struct{}
	if dl, ok := t.link.(doneLink); ok {
		linkDone = dl.Done()
	}

	decoder := NewPacketDecoder()
	for t.running.Load() && ctx.Err() == nil {
		b, ok := t.link.ReadByte()
		if !ok {
			select {
			case <-linkDone:
				t.log.Warn("link closed, receive loop stopped")
				return
			default:
			}
			time.Sleep(t.cfg.ReadBackoff)
			continue
		}

		t.counters.bytesIn.Add(1)
		payload, err := decoder.DecodeByte(b)
		if err != nil {
			t.counters.totalPackets.Add(1)
			t.packetError(err, decoder.LastPacketRaw())
			continue
		}
		if payload != nil {
			t.counters.totalPackets.Add(1)
			t.counters.validPackets.Add(1)
			t.handlePacket(payload)
		}
	}
}

func (t *Transport) packetError(err error, raw []byte) {
	if errors.Is(err, ErrCRCMismatch) {
		t.counters.crcErrors.Add(1)
		t.log.WithError(err).WithField("raw", fmt.Sprintf("% X", raw)).Error("packet dropped")
		return
	}
	t.counters.decodeErrors.Add(1)
	t.log.WithError(err).Warn("packet dropped")
}

// handlePacket splits a validated packet and processes its messages in order
func (t *Transport) handlePacket(payload []byte) {
	msgs, err := SplitPacket(payload)
	if err != nil {
		t.counters.decodeErrors.Add(1)
		t.log.WithError(err).WithField("decoded", len(msgs)).Error("malformed packet")
	}
	for _, msg := range msgs {
		t.handleMessage(msg)
	}
}

// handleMessage runs the per-message bookkeeping and dispatch:
// sequence check, response resolution, release of held-back traffic,
// validation, capture and routing.
func (t *Transport) handleMessage(msg Message) {
	msg.Timestamp = t.clock.Now()
	t.counters.messagesIn.Add(1)

	t.nodes.CheckReceiveSeq(msg.Address, msg.Seq)
	actionID := t.nodes.UpdateState(msg.Address, msg.Type)
	msg.ActionID = actionID
	t.tryQueuedMessages(msg.Address)

	if errs := ValidateMessage(msg); len(errs) > 0 {
		t.counters.validationErrors.Add(1)
		for _, verr := range errs {
			t.log.WithFields(logrus.Fields{
				"addr": msg.Address.String(),
				"type": FormatMessageType(msg.Type),
			}).Warn(verr.Error())
		}
	}

	if t.capture != nil {
		if err := t.capture.Write(DirectionUp, msg); err != nil {
			t.log.WithError(err).Warn("capture write failed")
		}
	}

	t.log.WithFields(logrus.Fields{
		"addr":   msg.Address.String(),
		"seq":    msg.Seq,
		"type":   FormatMessageType(msg.Type),
		"action": actionID,
	}).Debug("message received")

	t.route(msg, actionID)
}
