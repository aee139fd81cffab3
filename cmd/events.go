// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

// busEvent is one line of the event log
type busEvent struct {
	timestamp time.Time
	addr      bidib.Address
	message   string
	isError   bool
}

func (e busEvent) String() string {
	return fmt.Sprintf("[%s] %s %s", e.timestamp.Format("15:04:05.000"), e.addr, e.message)
}

// eventHandler turns decoded state changes into events. emit must not
// block: it runs on the receive goroutine.
type eventHandler struct {
	emit func(busEvent)
}

func (h eventHandler) send(addr bidib.Address, isError bool, format string, args ...interface{}) {
	h.emit(busEvent{
		timestamp: time.Now(),
		addr:      addr,
		message:   fmt.Sprintf(format, args...),
		isError:   isError,
	})
}

func (h eventHandler) OccupancyChanged(addr bidib.Address, detector uint8, occupied bool) {
	state := "free"
	if occupied {
		state = "occupied"
	}
	h.send(addr, false, "detector %d %s", detector, state)
}

func (h eventHandler) OccupancyMultiple(addr bidib.Address, base uint8, occupied []bool) {
	var b strings.Builder
	for _, o := range occupied {
		if o {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	h.send(addr, false, "detectors %d..%d: %s", base, int(base)+len(occupied)-1, b.String())
}

func (h eventHandler) OccupancyConfidence(addr bidib.Address, void, freeze, noSignal bool) {
	h.send(addr, void || noSignal, "confidence void=%t freeze=%t nosignal=%t", void, freeze, noSignal)
}

func (h eventHandler) AccessoryChanged(addr bidib.Address, state bidib.AccessoryState, actionID uint32) {
	if state.ExecError {
		h.send(addr, true, "accessory %d error 0x%02X (action %d)", state.Number, state.Wait, actionID)
		return
	}
	h.send(addr, false, "accessory %d aspect %d (action %d)", state.Number, state.Aspect, actionID)
}

func (h eventHandler) PeripheralChanged(addr bidib.Address, portType, portNum, status uint8) {
	h.send(addr, false, "port %d/%d status %d", portType, portNum, status)
}

func (h eventHandler) BoosterChanged(addr bidib.Address, state uint8) {
	h.send(addr, bidib.IsBoosterError(state), "booster %s", bidib.FormatBoostState(state))
}

func (h eventHandler) BoosterDiagnostic(addr bidib.Address, values map[uint8]uint8) {
	h.send(addr, false, "booster diagnostic %v", values)
}

func (h eventHandler) TrackOutputChanged(addr bidib.Address, state uint8, actionID uint32) {
	h.send(addr, false, "track output %s (action %d)", bidib.FormatCsState(state), actionID)
}

func (h eventHandler) TrainAck(addr bidib.Address, decoder uint16, ack uint8, actionID uint32) {
	h.send(addr, false, "drive ack decoder %d ack %d (action %d)", decoder, ack, actionID)
}

func (h eventHandler) TrainManualDrive(addr bidib.Address, drive bidib.DriveManual) {
	h.send(addr, false, "manual drive decoder %d", drive.Decoder)
}

func (h eventHandler) TrainPosition(addr bidib.Address, detector uint8, decoders []uint16) {
	h.send(addr, false, "detector %d sees decoders %v", detector, decoders)
}

func (h eventHandler) TrainSpeed(addr bidib.Address, decoder uint16, speed uint16) {
	h.send(addr, false, "decoder %d speed %d", decoder, speed)
}

func (h eventHandler) NodeAdded(addr bidib.Address, entry bidib.NodeTabEntry) {
	h.send(addr, false, "node added (%s)", bidib.FormatUniqueID(entry.UniqueID[:]))
}

func (h eventHandler) NodeLost(addr bidib.Address, entry bidib.NodeTabEntry) {
	h.send(addr, true, "node lost (%s)", bidib.FormatUniqueID(entry.UniqueID[:]))
}

func (h eventHandler) NodeInfo(msg bidib.Message) {
	isError := msg.Type == bidib.MsgSysError || msg.Type == bidib.MsgLcNA
	h.send(msg.Address, isError, "%s %s", bidib.FormatMessageType(msg.Type), strings.TrimSpace(bidib.FormatPayload(msg.Type, msg.Payload)))
}

// drainQueues forwards the normal and error queues as events until ctx is
// done
func drainQueues(ctx context.Context, t *bidib.Transport, emit func(busEvent)) {
	for {
		msgReady := t.MessageQueue().Notify()
		errReady := t.ErrorQueue().Notify()
		for {
			msg, ok := t.ReadErrorMessage()
			if !ok {
				break
			}
			emit(busEvent{timestamp: msg.Timestamp, addr: msg.Address, message: bidib.FormatMessageType(msg.Type), isError: true})
		}
		for {
			msg, ok := t.ReadMessage()
			if !ok {
				break
			}
			emit(busEvent{timestamp: msg.Timestamp, addr: msg.Address, message: bidib.FormatMessageType(msg.Type)})
		}

		select {
		case <-ctx.Done():
			return
		case <-t.Done():
			return
		case <-msgReady:
		case <-errReady:
		}
	}
}
