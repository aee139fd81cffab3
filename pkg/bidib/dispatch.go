// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

// StateHandler receives decoded state changes from the receive pipeline.
// Methods are called synchronously from the receive goroutine and must not
// block; they may buffer messages on the transport.
type StateHandler interface {
	OccupancyChanged(addr Address, detector uint8, occupied bool)
	OccupancyMultiple(addr Address, base uint8, occupied []bool)
	OccupancyConfidence(addr Address, void, freeze, noSignal bool)
	AccessoryChanged(addr Address, state AccessoryState, actionID uint32)
	PeripheralChanged(addr Address, portType, portNum, status uint8)
	BoosterChanged(addr Address, state uint8)
	BoosterDiagnostic(addr Address, values map[uint8]uint8)
	TrackOutputChanged(addr Address, state uint8, actionID uint32)
	TrainAck(addr Address, decoder uint16, ack uint8, actionID uint32)
	TrainManualDrive(addr Address, drive DriveManual)
	TrainPosition(addr Address, detector uint8, decoders []uint16)
	TrainSpeed(addr Address, decoder uint16, speed uint16)
	NodeAdded(addr Address, entry NodeTabEntry)
	NodeLost(addr Address, entry NodeTabEntry)
	NodeInfo(msg Message)
}

// NopStateHandler ignores every state change. Embed it to implement only
// the methods of interest.
type NopStateHandler struct{}

func (NopStateHandler) OccupancyChanged(Address, uint8, bool) {}
func (NopStateHandler) OccupancyMultiple(Address, uint8, []bool) {}
func (NopStateHandler) OccupancyConfidence(Address, bool, bool, bool) {}
func (NopStateHandler) AccessoryChanged(Address, AccessoryState, uint32) {}
func (NopStateHandler) PeripheralChanged(Address, uint8, uint8, uint8) {}
func (NopStateHandler) BoosterChanged(Address, uint8) {}
func (NopStateHandler) BoosterDiagnostic(Address, map[uint8]uint8) {}
func (NopStateHandler) TrackOutputChanged(Address, uint8, uint32) {}
func (NopStateHandler) TrainAck(Address, uint16, uint8, uint32) {}
func (NopStateHandler) TrainManualDrive(Address, DriveManual) {}
func (NopStateHandler) TrainPosition(Address, uint8, []uint16) {}
func (NopStateHandler) TrainSpeed(Address, uint16, uint16) {}
func (NopStateHandler) NodeAdded(Address, NodeTabEntry) {}
func (NopStateHandler) NodeLost(Address, NodeTabEntry) {}
func (NopStateHandler) NodeInfo(Message) {}

// AccessoryState is the payload of MSG_ACCESSORY_STATE
type AccessoryState struct {
	Number    uint8
	Aspect    uint8
	Total     uint8
	Execute   uint8
	Wait      uint8 // wait time, or the error code when ExecError is set
	ExecError bool
}

// ParseAccessoryState decodes a MSG_ACCESSORY_STATE payload.
// Short payloads leave the missing fields zero.
func ParseAccessoryState(p []byte) AccessoryState {
	var s AccessoryState
	fields := []*uint8{&s.Number, &s.Aspect, &s.Total, &s.Execute, &s.Wait}
	for i := 0; i < len(fields) && i < len(p); i++ {
		*fields[i] = p[i]
	}
	s.ExecError = s.Execute&AccessoryExecError != 0
	return s
}

// NodeTabEntry is one node table entry as carried by MSG_NODETAB,
// MSG_NODE_NEW and MSG_NODE_LOST
type NodeTabEntry struct {
	Version  uint8
	Local    uint8 // local address below the reporting node
	UniqueID [7]byte
}

// Class returns the class bits of the node's unique id
func (e NodeTabEntry) Class() uint8 {
	return e.UniqueID[0]
}

// IsBridge returns true for nodes that have sub-nodes of their own
func (e NodeTabEntry) IsBridge() bool {
	return e.Class()&ClassBridge != 0
}

// ParseNodeTabEntry decodes VERSION LOCAL UNIQUE_ID[7]
func ParseNodeTabEntry(p []byte) (NodeTabEntry, error) {
	var e NodeTabEntry
	if len(p) < 9 {
		return e, fmt.Errorf("%w: node table entry needs 9 bytes, got %d", ErrTruncatedMessage, len(p))
	}
	e.Version = p[0]
	e.Local = p[1]
	copy(e.UniqueID[:], p[2:9])
	return e, nil
}

// DriveManual is the payload of MSG_CS_DRIVE_MANUAL: a locomotive driven
// from a handheld on the command station
type DriveManual struct {
	Decoder   uint16
	Format    uint8
	Active    uint8
	Speed     uint8
	Functions [4]uint8
}

// ParseDriveManual decodes ADDRL ADDRH FORMAT ACTIVE SPEED FUNC1..FUNC4
func ParseDriveManual(p []byte) (DriveManual, error) {
	var d DriveManual
	if len(p) < 9 {
		return d, fmt.Errorf("%w: drive manual needs 9 bytes, got %d", ErrTruncatedMessage, len(p))
	}
	d.Decoder = binary.LittleEndian.Uint16(p)
	d.Format = p[2]
	d.Active = p[3]
	d.Speed = p[4]
	copy(d.Functions[:], p[5:9])
	return d, nil
}

// IsBoosterError returns true for booster states reporting a fault
func IsBoosterError(state uint8) bool {
	switch state {
	case BoostStateOffShort, BoostStateOffHot, BoostStateOffNoPower:
		return true
	}
	return false
}

// dispatchState hands a state-affecting message to the StateHandler.
// Returns true when the message also reports an error.
func (t *Transport) dispatchState(msg Message, actionID uint32) (isError bool) {
	h := t.handler
	p := msg.Payload
	addr := msg.Address

	switch msg.Type {
	case MsgBmOcc, MsgBmFree:
		if len(p) >= 1 {
			h.OccupancyChanged(addr, p[0], msg.Type == MsgBmOcc)
		}

	case MsgBmMultiple:
		if len(p) >= 2 {
			base, size := p[0], int(p[1])
			bits := p[2:]
			occupied := make([]bool, 0, size)
			for i := 0; i < size && i/8 < len(bits); i++ {
				occupied = append(occupied, bits[i/8]&(1<<(i%8)) != 0)
			}
			h.OccupancyMultiple(addr, base, occupied)
		}

	case MsgBmConfidence:
		if len(p) >= 3 {
			h.OccupancyConfidence(addr, p[0] != 0, p[1] != 0, p[2] != 0)
		}

	case MsgBmAddress:
		if len(p) >= 1 {
			var decoders []uint16
			for i := 1; i+1 < len(p); i += 2 {
				if dcc := binary.LittleEndian.Uint16(p[i:]) & 0x3FFF; dcc != 0 {
					decoders = append(decoders, dcc)
				}
			}
			h.TrainPosition(addr, p[0], decoders)
		}

	case MsgBmSpeed:
		if len(p) >= 4 {
			h.TrainSpeed(addr, binary.LittleEndian.Uint16(p), binary.LittleEndian.Uint16(p[2:]))
		}

	case MsgAccessoryState, MsgAccessoryNotify:
		state := ParseAccessoryState(p)
		h.AccessoryChanged(addr, state, actionID)
		return state.ExecError

	case MsgLcStat:
		if len(p) >= 3 {
			h.PeripheralChanged(addr, p[0], p[1], p[2])
		}

	case MsgLcNA, MsgSysError:
		h.NodeInfo(msg)
		return true

	case MsgBoostStat:
		if len(p) >= 1 {
			h.BoosterChanged(addr, p[0])
			return IsBoosterError(p[0])
		}

	case MsgBoostDiagnostic:
		values := make(map[uint8]uint8, len(p)/2)
		for i := 0; i+1 < len(p); i += 2 {
			values[p[i]] = p[i+1]
		}
		h.BoosterDiagnostic(addr, values)

	case MsgCsState:
		if len(p) >= 1 {
			h.TrackOutputChanged(addr, p[0], actionID)
		}

	case MsgCsDriveAck:
		if len(p) >= 3 {
			h.TrainAck(addr, binary.LittleEndian.Uint16(p), p[2], actionID)
		}

	case MsgCsDriveManual:
		drive, err := ParseDriveManual(p)
		if err != nil {
			t.log.WithError(err).WithField("addr", addr.String()).Warn("bad drive manual report")
			return false
		}
		h.TrainManualDrive(addr, drive)

	default:
		h.NodeInfo(msg)
	}
	return false
}

// stateTypes are the uplink types consumed by the StateHandler instead of
// the normal queue
var stateTypes = map[uint8]bool{
	MsgBmOcc:             true,
	MsgBmFree:            true,
	MsgBmMultiple:        true,
	MsgBmConfidence:      true,
	MsgBmAddress:         true,
	MsgBmSpeed:           true,
	MsgBmCv:              true,
	MsgBmCurrent:         true,
	MsgAccessoryState:    true,
	MsgAccessoryNotify:   true,
	MsgLcStat:            true,
	MsgLcNA:              true,
	MsgLcConfigX:         true,
	MsgBoostStat:         true,
	MsgBoostDiagnostic:   true,
	MsgCsState:           true,
	MsgCsDriveAck:        true,
	MsgCsDriveManual:     true,
	MsgCsAccessoryAck:    true,
	MsgCsPomAck:          true,
	MsgSysError:          true,
	MsgSysSwVersion:      true,
	MsgSysPVersion:       true,
	MsgSysUniqueID:       true,
	MsgFeature:           true,
	MsgCsAccessoryManual: true,
}

// syncTypes are the replies awaited by the synchronous helpers. They go to
// the intern queue while an exchange is active.
var syncTypes = map[uint8]bool{
	MsgSysMagic:     true,
	MsgSysPong:      true,
	MsgNodeTabCount: true,
	MsgNodeTab:      true,
	MsgNodeNA:       true,
	MsgPktCapacity:  true,
	MsgFeatureCount: true,
	MsgFeature:      true,
	MsgFeatureNA:    true,
}

// route decides where a received message goes after flow-control
// bookkeeping. Housekeeping types are handled here as well.
func (t *Transport) route(msg Message, actionID uint32) {
	switch msg.Type {
	case MsgStall:
		t.handleStall(msg)
		return

	case MsgNodeNew, MsgNodeLost:
		t.handleNodeChange(msg)
		t.normal.Push(msg)
		return

	case MsgNodeTabCount, MsgNodeTab, MsgPktCapacity:
		t.intern.Push(msg)
		return
	}

	if syncTypes[msg.Type] && t.syncActive.Load() > 0 {
		t.intern.Push(msg)
		return
	}

	if stateTypes[msg.Type] {
		if t.dispatchState(msg, actionID) {
			t.errors.Push(msg)
		}
		return
	}

	switch msg.Type {
	case MsgFeatureNA, MsgNodeNA:
		t.errors.Push(msg)
	default:
		t.normal.Push(msg)
	}
}

// handleStall applies MSG_STALL and releases the traffic held back by it
func (t *Transport) handleStall(msg Message) {
	if len(msg.Payload) < 1 {
		t.log.WithField("addr", msg.Address.String()).Warn("stall message without state")
		return
	}
	stalled := msg.Payload[0] != StallCleared
	affected := t.nodes.UpdateStall(msg.Address, stalled)

	t.log.WithFields(logrus.Fields{
		"addr":     msg.Address.String(),
		"stalled":  stalled,
		"affected": len(affected),
	}).Info("node stall changed")

	if !stalled {
		t.tryQueuedMessages(affected...)
	}
}

// handleNodeChange acknowledges MSG_NODE_NEW / MSG_NODE_LOST and updates the
// node table
func (t *Transport) handleNodeChange(msg Message) {
	entry, err := ParseNodeTabEntry(msg.Payload)
	if err != nil {
		t.log.WithError(err).WithField("addr", msg.Address.String()).Warn("bad node change report")
		return
	}

	if err := t.BufferMessageWithData(msg.Address, MsgNodeChangedAck, []byte{entry.Version}, 0); err != nil {
		t.log.WithError(err).Error("node change acknowledge failed")
	} else if err := t.Flush(); err != nil {
		t.log.WithError(err).Error("node change acknowledge flush failed")
	}

	child, err := msg.Address.Child(entry.Local)
	if err != nil {
		t.log.WithError(err).Warn("node change below full address stack")
		return
	}

	fields := logrus.Fields{
		"addr":      child.String(),
		"unique_id": FormatUniqueID(entry.UniqueID[:]),
		"version":   entry.Version,
	}
	if msg.Type == MsgNodeLost {
		removed := t.nodes.Remove(child)
		t.log.WithFields(fields).WithField("removed", removed).Warn("node lost")
		t.handler.NodeLost(child, entry)
		return
	}
	t.log.WithFields(fields).Info("node added")
	t.handler.NodeAdded(child, entry)
}
