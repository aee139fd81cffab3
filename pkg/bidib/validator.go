// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import "fmt"

// AnomalyType represents different types of message anomalies
type AnomalyType int

const (
	AnomalyLengthMismatch AnomalyType = iota
	AnomalyInvalidValue
	AnomalyUnknownType
	AnomalyWrongDirection
)

// ValidationError represents a message validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// minPayload is the minimum payload length of fixed-layout uplink types
var minPayload = map[uint8]int{
	MsgSysMagic:        2,
	MsgSysPong:         1,
	MsgSysPVersion:     2,
	MsgSysUniqueID:     7,
	MsgSysSwVersion:    3,
	MsgSysError:        1,
	MsgNodeTabCount:    1,
	MsgNodeTab:         9,
	MsgPktCapacity:     1,
	MsgNodeNA:          1,
	MsgNodeLost:        9,
	MsgNodeNew:         9,
	MsgStall:           1,
	MsgFeature:         2,
	MsgFeatureNA:       1,
	MsgFeatureCount:    1,
	MsgBmOcc:           1,
	MsgBmFree:          1,
	MsgBmMultiple:      2,
	MsgBmConfidence:    3,
	MsgBmSpeed:         4,
	MsgBoostStat:       1,
	MsgAccessoryState:  5,
	MsgAccessoryNotify: 5,
	MsgLcStat:          3,
	MsgLcNA:            2,
	MsgCsState:         1,
	MsgCsDriveAck:      3,
	MsgCsDriveManual:   9,
}

// ValidateMessage checks a received message for structural anomalies.
// Returns a slice of validation errors (empty if the message is valid).
// Invalid messages are still dispatched; the result is informational.
func ValidateMessage(m Message) []ValidationError {
	errors := []ValidationError{}

	if !IsUplink(m.Type) {
		return append(errors, ValidationError{
			Type:    AnomalyWrongDirection,
			Message: fmt.Sprintf("Downlink type 0x%02X received from node", m.Type),
			Details: map[string]interface{}{"type": m.Type},
		})
	}

	if FormatMessageType(m.Type) == "UNKNOWN" {
		errors = append(errors, ValidationError{
			Type:    AnomalyUnknownType,
			Message: fmt.Sprintf("Unknown message type 0x%02X", m.Type),
			Details: map[string]interface{}{"type": m.Type},
		})
	}

	if want, ok := minPayload[m.Type]; ok && len(m.Payload) < want {
		return append(errors, ValidationError{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("%s payload too short (expected %d bytes)", FormatMessageType(m.Type), want),
			Details: map[string]interface{}{"length": len(m.Payload), "expected": want},
		})
	}

	switch m.Type {
	case MsgStall:
		errors = append(errors, validateStall(m)...)
	case MsgBoostStat:
		errors = append(errors, validateBoostState(m)...)
	case MsgCsState:
		errors = append(errors, validateCsState(m)...)
	case MsgPktCapacity:
		errors = append(errors, validatePktCapacity(m)...)
	case MsgBmMultiple:
		errors = append(errors, validateBmMultiple(m)...)
	}

	return errors
}

// validateStall validates MSG_STALL
func validateStall(m Message) []ValidationError {
	state := m.Payload[0]
	if state != StallCleared && state != StallActive {
		return []ValidationError{{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Invalid stall state=%d", state),
			Details: map[string]interface{}{"state": state},
		}}
	}
	return nil
}

// validateBoostState validates MSG_BOOST_STAT
func validateBoostState(m Message) []ValidationError {
	state := m.Payload[0]
	if FormatBoostState(state) == "UNKNOWN" {
		return []ValidationError{{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Invalid booster state=0x%02X", state),
			Details: map[string]interface{}{"state": state},
		}}
	}
	return nil
}

// validateCsState validates MSG_CS_STATE
func validateCsState(m Message) []ValidationError {
	state := m.Payload[0]
	if FormatCsState(state) == "UNKNOWN" {
		return []ValidationError{{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Invalid track output state=0x%02X", state),
			Details: map[string]interface{}{"state": state},
		}}
	}
	return nil
}

// validatePktCapacity validates MSG_PKT_CAPACITY
func validatePktCapacity(m Message) []ValidationError {
	capacity := m.Payload[0]
	if capacity != 0 && capacity < 64 {
		return []ValidationError{{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Packet capacity %d below protocol minimum 64", capacity),
			Details: map[string]interface{}{"capacity": capacity, "minimum": 64},
		}}
	}
	return nil
}

// validateBmMultiple validates MSG_BM_MULTIPLE
func validateBmMultiple(m Message) []ValidationError {
	size := int(m.Payload[1])
	if want := 2 + (size+7)/8; len(m.Payload) < want {
		return []ValidationError{{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("MSG_BM_MULTIPLE for %d detectors needs %d bytes", size, want),
			Details: map[string]interface{}{"length": len(m.Payload), "expected": want},
		}}
	}
	return nil
}
