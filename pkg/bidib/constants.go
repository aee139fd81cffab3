// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bidib implements the host side transport of the BiDiB model railway
// protocol.
//
// BiDiB packets are delimited by a magic byte, carry one or more
// length-prefixed messages and end in a CRC-8. This package provides packet
// encoding/decoding, per-node flow control (sequence numbers, stall handling
// and response budgets), the send and receive pipelines and the three uplink
// message queues consumed by callers.
package bidib

import "time"

// Protocol framing bytes
const (
	PacketMagic  = 0xFE
	PacketEscape = 0xFD
	EscapeXor    = 0x20
)

// Packet and message size limits
const (
	MaxPacketCapacity     = 64 // hardware cap for a single packet payload
	DefaultPacketCapacity = 64
	MaxMessageLength      = 127 // value of the LEN byte
	AddressSize           = 4
	packetSafetyMargin    = 4 // flush when less than this many bytes remain
	maxRawPacketSize      = 256
)

// Flow control defaults
const (
	DefaultResponseLimit   = 48
	DefaultResponseTimeout = 2 * time.Second
	DefaultQueueCapacity   = 128
	DefaultReadBackoff     = time.Millisecond
)

// SysMagic is the value answered in MSG_SYS_MAGIC
const SysMagic = 0xAFFE

// Message types - System (Host → Node) 0x01-0x1F
const (
	MsgSysGetMagic     = 0x01
	MsgSysGetPVersion  = 0x02
	MsgSysEnable       = 0x03
	MsgSysDisable      = 0x04
	MsgSysGetUniqueID  = 0x05
	MsgSysGetSwVersion = 0x06
	MsgSysPing         = 0x07
	MsgSysIdentify     = 0x08
	MsgSysReset        = 0x09
	MsgGetPktCapacity  = 0x0A
	MsgNodeTabGetAll   = 0x0B
	MsgNodeTabGetNext  = 0x0C
	MsgNodeChangedAck  = 0x0D
	MsgSysGetError     = 0x0E
	MsgFwUpdateOp      = 0x0F
	MsgFeatureGetAll   = 0x10
	MsgFeatureGetNext  = 0x11
	MsgFeatureGet      = 0x12
	MsgFeatureSet      = 0x13
	MsgVendorEnable    = 0x14
	MsgVendorDisable   = 0x15
	MsgVendorSet       = 0x16
	MsgVendorGet       = 0x17
	MsgSysClock        = 0x18
	MsgStringGet       = 0x19
	MsgStringSet       = 0x1A
)

// Message types - Occupancy (Host → Node) 0x20-0x2F
const (
	MsgBmGetRange       = 0x20
	MsgBmMirrorMultiple = 0x21
	MsgBmMirrorOcc      = 0x22
	MsgBmMirrorFree     = 0x23
	MsgBmAddrGetRange   = 0x24
	MsgBmGetConfidence  = 0x25
	MsgBmMirrorPosition = 0x26
)

// Message types - Booster and accessory (Host → Node) 0x30-0x3F
const (
	MsgBoostOff         = 0x30
	MsgBoostOn          = 0x31
	MsgBoostQuery       = 0x32
	MsgAccessorySet     = 0x38
	MsgAccessoryGet     = 0x39
	MsgAccessoryParaSet = 0x3A
	MsgAccessoryParaGet = 0x3B
)

// Message types - Switch/light control (Host → Node) 0x3F-0x4F
const (
	MsgLcPortQueryAll  = 0x3F
	MsgLcOutput        = 0x40
	MsgLcConfigSet     = 0x41
	MsgLcConfigGet     = 0x42
	MsgLcKeyQuery      = 0x43
	MsgLcOutputQuery   = 0x44
	MsgLcConfigXGetAll = 0x45
	MsgLcConfigXSet    = 0x46
	MsgLcConfigXGet    = 0x47
)

// Message types - Command station (Host → Node) 0x60-0x6F
const (
	MsgCsAllocate  = 0x60
	MsgCsSetState  = 0x62
	MsgCsDrive     = 0x64
	MsgCsAccessory = 0x65
	MsgCsBinState  = 0x66
	MsgCsPom       = 0x67
	MsgCsRcPlus    = 0x68
	MsgCsProg      = 0x6F
)

// Message types - Local link (Host → Node) 0x70-0x7F, never sequenced
const (
	MsgLocalLogonAck      = 0x70
	MsgLocalPing          = 0x71
	MsgLocalLogonRejected = 0x72
	MsgLocalAccessory     = 0x73
	MsgLocalSync          = 0x74
)

// Message types - System (Node → Host) 0x81-0x9F
const (
	MsgSysMagic         = 0x81
	MsgSysPong          = 0x82
	MsgSysPVersion      = 0x83
	MsgSysUniqueID      = 0x84
	MsgSysSwVersion     = 0x85
	MsgSysError         = 0x86
	MsgSysIdentifyState = 0x87
	MsgNodeTabCount     = 0x88
	MsgNodeTab          = 0x89
	MsgPktCapacity      = 0x8A
	MsgNodeNA           = 0x8B
	MsgNodeLost         = 0x8C
	MsgNodeNew          = 0x8D
	MsgStall            = 0x8E
	MsgFeature          = 0x90
	MsgFeatureNA        = 0x91
	MsgFeatureCount     = 0x92
	MsgVendor           = 0x93
	MsgVendorAck        = 0x94
	MsgString           = 0x95
	MsgFwUpdateStat     = 0x9F
)

// Message types - Occupancy (Node → Host) 0xA0-0xAF
const (
	MsgBmOcc        = 0xA0
	MsgBmFree       = 0xA1
	MsgBmMultiple   = 0xA2
	MsgBmAddress    = 0xA3
	MsgBmCv         = 0xA5
	MsgBmSpeed      = 0xA6
	MsgBmCurrent    = 0xA7
	MsgBmXPom       = 0xA9
	MsgBmConfidence = 0xAA
	MsgBmDynState   = 0xAB
	MsgBmPosition   = 0xAD
)

// Message types - Booster and accessory (Node → Host) 0xB0-0xBF
const (
	MsgBoostStat       = 0xB0
	MsgBoostDiagnostic = 0xB2
	MsgNewDecoder      = 0xB4
	MsgIDSearchAck     = 0xB5
	MsgAddrChangeAck   = 0xB6
	MsgAccessoryState  = 0xB8
	MsgAccessoryPara   = 0xB9
	MsgAccessoryNotify = 0xBA
)

// Message types - Switch/light control (Node → Host) 0xC0-0xCF
const (
	MsgLcStat    = 0xC0
	MsgLcNA      = 0xC1
	MsgLcConfig  = 0xC2
	MsgLcKey     = 0xC3
	MsgLcWait    = 0xC4
	MsgLcConfigX = 0xC6
)

// Message types - Command station (Node → Host) 0xE0-0xEF
const (
	MsgCsAllocAck        = 0xE0
	MsgCsState           = 0xE1
	MsgCsDriveAck        = 0xE2
	MsgCsAccessoryAck    = 0xE3
	MsgCsPomAck          = 0xE4
	MsgCsDriveManual     = 0xE5
	MsgCsDriveEvent      = 0xE6
	MsgCsAccessoryManual = 0xE7
	MsgCsRcPlusAck       = 0xE8
	MsgCsProgState       = 0xEF
)

// Message types - Local link (Node → Host) 0xF0-0xFF
const (
	MsgLocalLogon  = 0xF0
	MsgLocalPong   = 0xF1
	MsgLocalLogoff = 0xF2
)

// Stall values carried in MSG_STALL
const (
	StallCleared = 0x00
	StallActive  = 0x01
)

// Booster states from MSG_BOOST_STAT
const (
	BoostStateOff        = 0x00
	BoostStateOffShort   = 0x01
	BoostStateOffHot     = 0x02
	BoostStateOffNoPower = 0x03
	BoostStateOffGoReq   = 0x04
	BoostStateOffHere    = 0x05
	BoostStateOffNoDCC   = 0x06
	BoostStateOn         = 0x80
	BoostStateOnLimit    = 0x81
	BoostStateOnHot      = 0x82
	BoostStateOnStopReq  = 0x83
	BoostStateOnHere     = 0x84
)

// Command station (track output) states from MSG_CS_STATE
const (
	CsStateOff      = 0x00
	CsStateStop     = 0x01
	CsStateSoftStop = 0x02
	CsStateGo       = 0x03
	CsStateGoIgnWD  = 0x04
	CsStateProg     = 0x08
	CsStateProgBusy = 0x09
	CsStateBusy     = 0x0D
	CsStateQuery    = 0xFF
)

// AccessoryExecError is set in the EXECUTE byte of MSG_ACCESSORY_STATE
// when the accessory reports an execution error.
const AccessoryExecError = 0x80

// FeatureNAEnd terminates a MSG_FEATURE_GETNEXT sequence
const FeatureNAEnd = 0xFF

// Unique id class bits (byte 0 of the unique id)
const (
	ClassSwitch    = 0x01
	ClassBooster   = 0x02
	ClassAccessory = 0x04
	ClassDCCProg   = 0x08
	ClassDCCMain   = 0x10
	ClassUI        = 0x20
	ClassOccupancy = 0x40
	ClassBridge    = 0x80 // node has sub-nodes
)

// Receive decoder states (internal)
const (
	stateWaitDelimiter = iota
	stateReading
	stateEscaped
)
