// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// FormatMessage formats a message into a human-readable string
func FormatMessage(m Message) string {
	timestamp := m.Timestamp.Format("15:04:05.000")

	result := fmt.Sprintf("[%s] %s (0x%02X) addr=%s seq=%d len=%d\n",
		timestamp, FormatMessageType(m.Type), m.Type, m.Address, m.Seq, len(m.Payload))
	if m.ActionID != 0 {
		result += fmt.Sprintf("  Action: %d\n", m.ActionID)
	}
	if len(m.Payload) > 0 {
		result += FormatPayload(m.Type, m.Payload)
	}
	return result
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(msgType uint8) string {
	switch msgType {
	// System (Host → Node)
	case MsgSysGetMagic:
		return "SYS_GET_MAGIC"
	case MsgSysGetPVersion:
		return "SYS_GET_P_VERSION"
	case MsgSysEnable:
		return "SYS_ENABLE"
	case MsgSysDisable:
		return "SYS_DISABLE"
	case MsgSysGetUniqueID:
		return "SYS_GET_UNIQUE_ID"
	case MsgSysGetSwVersion:
		return "SYS_GET_SW_VERSION"
	case MsgSysPing:
		return "SYS_PING"
	case MsgSysIdentify:
		return "SYS_IDENTIFY"
	case MsgSysReset:
		return "SYS_RESET"
	case MsgGetPktCapacity:
		return "GET_PKT_CAPACITY"
	case MsgNodeTabGetAll:
		return "NODETAB_GETALL"
	case MsgNodeTabGetNext:
		return "NODETAB_GETNEXT"
	case MsgNodeChangedAck:
		return "NODE_CHANGED_ACK"
	case MsgSysGetError:
		return "SYS_GET_ERROR"
	case MsgFwUpdateOp:
		return "FW_UPDATE_OP"
	case MsgFeatureGetAll:
		return "FEATURE_GETALL"
	case MsgFeatureGetNext:
		return "FEATURE_GETNEXT"
	case MsgFeatureGet:
		return "FEATURE_GET"
	case MsgFeatureSet:
		return "FEATURE_SET"
	case MsgVendorEnable:
		return "VENDOR_ENABLE"
	case MsgVendorDisable:
		return "VENDOR_DISABLE"
	case MsgVendorSet:
		return "VENDOR_SET"
	case MsgVendorGet:
		return "VENDOR_GET"
	case MsgSysClock:
		return "SYS_CLOCK"
	case MsgStringGet:
		return "STRING_GET"
	case MsgStringSet:
		return "STRING_SET"

	// Occupancy (Host → Node)
	case MsgBmGetRange:
		return "BM_GET_RANGE"
	case MsgBmMirrorMultiple:
		return "BM_MIRROR_MULTIPLE"
	case MsgBmMirrorOcc:
		return "BM_MIRROR_OCC"
	case MsgBmMirrorFree:
		return "BM_MIRROR_FREE"
	case MsgBmAddrGetRange:
		return "BM_ADDR_GET_RANGE"
	case MsgBmGetConfidence:
		return "BM_GET_CONFIDENCE"
	case MsgBmMirrorPosition:
		return "BM_MIRROR_POSITION"

	// Booster and accessory (Host → Node)
	case MsgBoostOff:
		return "BOOST_OFF"
	case MsgBoostOn:
		return "BOOST_ON"
	case MsgBoostQuery:
		return "BOOST_QUERY"
	case MsgAccessorySet:
		return "ACCESSORY_SET"
	case MsgAccessoryGet:
		return "ACCESSORY_GET"
	case MsgAccessoryParaSet:
		return "ACCESSORY_PARA_SET"
	case MsgAccessoryParaGet:
		return "ACCESSORY_PARA_GET"

	// Switch/light control (Host → Node)
	case MsgLcPortQueryAll:
		return "LC_PORT_QUERY_ALL"
	case MsgLcOutput:
		return "LC_OUTPUT"
	case MsgLcConfigSet:
		return "LC_CONFIG_SET"
	case MsgLcConfigGet:
		return "LC_CONFIG_GET"
	case MsgLcKeyQuery:
		return "LC_KEY_QUERY"
	case MsgLcOutputQuery:
		return "LC_OUTPUT_QUERY"
	case MsgLcConfigXGetAll:
		return "LC_CONFIGX_GETALL"
	case MsgLcConfigXSet:
		return "LC_CONFIGX_SET"
	case MsgLcConfigXGet:
		return "LC_CONFIGX_GET"

	// Command station (Host → Node)
	case MsgCsAllocate:
		return "CS_ALLOCATE"
	case MsgCsSetState:
		return "CS_SET_STATE"
	case MsgCsDrive:
		return "CS_DRIVE"
	case MsgCsAccessory:
		return "CS_ACCESSORY"
	case MsgCsBinState:
		return "CS_BIN_STATE"
	case MsgCsPom:
		return "CS_POM"
	case MsgCsRcPlus:
		return "CS_RCPLUS"
	case MsgCsProg:
		return "CS_PROG"

	// Local link (Host → Node)
	case MsgLocalLogonAck:
		return "LOCAL_LOGON_ACK"
	case MsgLocalPing:
		return "LOCAL_PING"
	case MsgLocalLogonRejected:
		return "LOCAL_LOGON_REJECTED"
	case MsgLocalAccessory:
		return "LOCAL_ACCESSORY"
	case MsgLocalSync:
		return "LOCAL_SYNC"

	// System (Node → Host)
	case MsgSysMagic:
		return "SYS_MAGIC"
	case MsgSysPong:
		return "SYS_PONG"
	case MsgSysPVersion:
		return "SYS_P_VERSION"
	case MsgSysUniqueID:
		return "SYS_UNIQUE_ID"
	case MsgSysSwVersion:
		return "SYS_SW_VERSION"
	case MsgSysError:
		return "SYS_ERROR"
	case MsgSysIdentifyState:
		return "SYS_IDENTIFY_STATE"
	case MsgNodeTabCount:
		return "NODETAB_COUNT"
	case MsgNodeTab:
		return "NODETAB"
	case MsgPktCapacity:
		return "PKT_CAPACITY"
	case MsgNodeNA:
		return "NODE_NA"
	case MsgNodeLost:
		return "NODE_LOST"
	case MsgNodeNew:
		return "NODE_NEW"
	case MsgStall:
		return "STALL"
	case MsgFeature:
		return "FEATURE"
	case MsgFeatureNA:
		return "FEATURE_NA"
	case MsgFeatureCount:
		return "FEATURE_COUNT"
	case MsgVendor:
		return "VENDOR"
	case MsgVendorAck:
		return "VENDOR_ACK"
	case MsgString:
		return "STRING"
	case MsgFwUpdateStat:
		return "FW_UPDATE_STAT"

	// Occupancy (Node → Host)
	case MsgBmOcc:
		return "BM_OCC"
	case MsgBmFree:
		return "BM_FREE"
	case MsgBmMultiple:
		return "BM_MULTIPLE"
	case MsgBmAddress:
		return "BM_ADDRESS"
	case MsgBmCv:
		return "BM_CV"
	case MsgBmSpeed:
		return "BM_SPEED"
	case MsgBmCurrent:
		return "BM_CURRENT"
	case MsgBmXPom:
		return "BM_XPOM"
	case MsgBmConfidence:
		return "BM_CONFIDENCE"
	case MsgBmDynState:
		return "BM_DYN_STATE"
	case MsgBmPosition:
		return "BM_POSITION"

	// Booster and accessory (Node → Host)
	case MsgBoostStat:
		return "BOOST_STAT"
	case MsgBoostDiagnostic:
		return "BOOST_DIAGNOSTIC"
	case MsgNewDecoder:
		return "NEW_DECODER"
	case MsgIDSearchAck:
		return "ID_SEARCH_ACK"
	case MsgAddrChangeAck:
		return "ADDR_CHANGE_ACK"
	case MsgAccessoryState:
		return "ACCESSORY_STATE"
	case MsgAccessoryPara:
		return "ACCESSORY_PARA"
	case MsgAccessoryNotify:
		return "ACCESSORY_NOTIFY"

	// Switch/light control (Node → Host)
	case MsgLcStat:
		return "LC_STAT"
	case MsgLcNA:
		return "LC_NA"
	case MsgLcConfig:
		return "LC_CONFIG"
	case MsgLcKey:
		return "LC_KEY"
	case MsgLcWait:
		return "LC_WAIT"
	case MsgLcConfigX:
		return "LC_CONFIGX"

	// Command station (Node → Host)
	case MsgCsAllocAck:
		return "CS_ALLOC_ACK"
	case MsgCsState:
		return "CS_STATE"
	case MsgCsDriveAck:
		return "CS_DRIVE_ACK"
	case MsgCsAccessoryAck:
		return "CS_ACCESSORY_ACK"
	case MsgCsPomAck:
		return "CS_POM_ACK"
	case MsgCsDriveManual:
		return "CS_DRIVE_MANUAL"
	case MsgCsDriveEvent:
		return "CS_DRIVE_EVENT"
	case MsgCsAccessoryManual:
		return "CS_ACCESSORY_MANUAL"
	case MsgCsRcPlusAck:
		return "CS_RCPLUS_ACK"
	case MsgCsProgState:
		return "CS_PROG_STATE"

	// Local link (Node → Host)
	case MsgLocalLogon:
		return "LOCAL_LOGON"
	case MsgLocalPong:
		return "LOCAL_PONG"
	case MsgLocalLogoff:
		return "LOCAL_LOGOFF"

	default:
		return "UNKNOWN"
	}
}

// FormatPayload formats a message payload based on message type
func FormatPayload(msgType uint8, p []byte) string {
	switch msgType {
	case MsgSysMagic:
		if len(p) >= 2 {
			return fmt.Sprintf("  Magic: 0x%04X\n", binary.LittleEndian.Uint16(p))
		}

	case MsgSysPong, MsgSysPing:
		if len(p) >= 1 {
			return fmt.Sprintf("  Marker: %d\n", p[0])
		}

	case MsgSysPVersion:
		if len(p) >= 2 {
			return fmt.Sprintf("  Protocol: %d.%d\n", p[1], p[0])
		}

	case MsgSysSwVersion:
		if len(p) >= 3 {
			return fmt.Sprintf("  Firmware: %d.%d.%d\n", p[2], p[1], p[0])
		}

	case MsgSysUniqueID:
		if len(p) >= 7 {
			return fmt.Sprintf("  Unique ID: %s\n", FormatUniqueID(p[:7]))
		}

	case MsgSysError:
		if len(p) >= 1 {
			return fmt.Sprintf("  Error: %s (0x%02X) data=% X\n", FormatSysError(p[0]), p[0], p[1:])
		}

	case MsgNodeTabCount, MsgFeatureCount:
		if len(p) >= 1 {
			return fmt.Sprintf("  Count: %d\n", p[0])
		}

	case MsgNodeTab, MsgNodeNew, MsgNodeLost:
		if len(p) >= 9 {
			return fmt.Sprintf("  Table version: %d, Local address: %d, Unique ID: %s\n",
				p[0], p[1], FormatUniqueID(p[2:9]))
		}

	case MsgNodeNA:
		if len(p) >= 1 {
			return fmt.Sprintf("  Not available: %d\n", p[0])
		}

	case MsgPktCapacity:
		if len(p) >= 1 {
			return fmt.Sprintf("  Capacity: %d bytes\n", p[0])
		}

	case MsgStall:
		if len(p) >= 1 {
			if p[0] == StallCleared {
				return "  Stall: cleared\n"
			}
			return "  Stall: active\n"
		}

	case MsgFeature:
		if len(p) >= 2 {
			return fmt.Sprintf("  Feature %d = %d\n", p[0], p[1])
		}

	case MsgFeatureNA:
		if len(p) >= 1 {
			return fmt.Sprintf("  Feature %d not available\n", p[0])
		}

	case MsgBmOcc, MsgBmFree:
		if len(p) >= 1 {
			return fmt.Sprintf("  Detector: %d\n", p[0])
		}

	case MsgBmAddress:
		if len(p) >= 3 {
			var sb strings.Builder
			fmt.Fprintf(&sb, "  Detector: %d\n", p[0])
			for i := 1; i+1 < len(p); i += 2 {
				dcc := binary.LittleEndian.Uint16(p[i:]) & 0x3FFF
				fmt.Fprintf(&sb, "    Decoder: %d\n", dcc)
			}
			return sb.String()
		}

	case MsgBoostStat:
		if len(p) >= 1 {
			return fmt.Sprintf("  Booster: %s (0x%02X)\n", FormatBoostState(p[0]), p[0])
		}

	case MsgCsState:
		if len(p) >= 1 {
			return fmt.Sprintf("  Track output: %s (0x%02X)\n", FormatCsState(p[0]), p[0])
		}

	case MsgAccessoryState:
		if len(p) >= 5 {
			state := ParseAccessoryState(p)
			if state.ExecError {
				return fmt.Sprintf("  Accessory %d: aspect=%d total=%d ERROR code=0x%02X\n",
					state.Number, state.Aspect, state.Total, state.Wait)
			}
			return fmt.Sprintf("  Accessory %d: aspect=%d total=%d execute=0x%02X wait=%d\n",
				state.Number, state.Aspect, state.Total, state.Execute, state.Wait)
		}

	case MsgCsDriveAck:
		if len(p) >= 3 {
			return fmt.Sprintf("  Decoder: %d, Ack: %d\n", binary.LittleEndian.Uint16(p), p[2])
		}
	}

	// Default: hex dump
	var sb strings.Builder
	sb.WriteString("  Payload: ")
	for i, b := range p {
		if i > 0 && i%16 == 0 {
			sb.WriteString("\n           ")
		}
		fmt.Fprintf(&sb, "%02X ", b)
	}
	sb.WriteString("\n")
	return sb.String()
}

// FormatUniqueID formats a 7-byte unique id (class, class extension,
// vendor, product/serial)
func FormatUniqueID(id []byte) string {
	return fmt.Sprintf("% X", id)
}

// FormatBoostState returns the name of a booster state
func FormatBoostState(state uint8) string {
	switch state {
	case BoostStateOff:
		return "OFF"
	case BoostStateOffShort:
		return "OFF_SHORT"
	case BoostStateOffHot:
		return "OFF_HOT"
	case BoostStateOffNoPower:
		return "OFF_NOPOWER"
	case BoostStateOffGoReq:
		return "OFF_GO_REQ"
	case BoostStateOffHere:
		return "OFF_HERE"
	case BoostStateOffNoDCC:
		return "OFF_NO_DCC"
	case BoostStateOn:
		return "ON"
	case BoostStateOnLimit:
		return "ON_LIMIT"
	case BoostStateOnHot:
		return "ON_HOT"
	case BoostStateOnStopReq:
		return "ON_STOP_REQ"
	case BoostStateOnHere:
		return "ON_HERE"
	default:
		return "UNKNOWN"
	}
}

// FormatCsState returns the name of a command station state
func FormatCsState(state uint8) string {
	switch state {
	case CsStateOff:
		return "OFF"
	case CsStateStop:
		return "STOP"
	case CsStateSoftStop:
		return "SOFTSTOP"
	case CsStateGo:
		return "GO"
	case CsStateGoIgnWD:
		return "GO_IGN_WD"
	case CsStateProg:
		return "PROG"
	case CsStateProgBusy:
		return "PROGBUSY"
	case CsStateBusy:
		return "BUSY"
	case CsStateQuery:
		return "QUERY"
	default:
		return "UNKNOWN"
	}
}

// FormatSysError returns the name of a MSG_SYS_ERROR code
func FormatSysError(code uint8) string {
	switch code {
	case 0x00:
		return "NONE"
	case 0x01:
		return "TXT"
	case 0x02:
		return "CRC"
	case 0x03:
		return "SIZE"
	case 0x04:
		return "SEQUENCE"
	case 0x05:
		return "PARAMETER"
	case 0x10:
		return "BUS"
	case 0x11:
		return "ADDRSTACK"
	case 0x12:
		return "IDDOUBLE"
	case 0x13:
		return "SUBCRC"
	case 0x14:
		return "SUBTIME"
	case 0x15:
		return "SUBPAKET"
	case 0x16:
		return "OVERRUN"
	case 0x20:
		return "HW"
	case 0x21:
		return "RESET_REQUIRED"
	case 0x30:
		return "NO_SECACK_BY_HOST"
	default:
		return "UNKNOWN"
	}
}
