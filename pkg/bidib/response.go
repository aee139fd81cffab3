// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

// ResponseInfo describes the reply a node owes for a downlink message type
type ResponseInfo struct {
	Expected uint8   // number of replies that resolve the request (0 = none)
	Bytes    int     // response budget reserved while the request is pending
	Types    []uint8 // uplink types accepted as the reply
}

// Accepts returns true if msgType resolves a request with this info
func (r ResponseInfo) Accepts(msgType uint8) bool {
	for _, t := range r.Types {
		if t == msgType {
			return true
		}
	}
	return false
}

// ExpectsReply returns true if sending the message reserves a response slot
func (r ResponseInfo) ExpectsReply() bool {
	return r.Expected > 0
}

// Reserved budgets are the size of the reply message on the wire
// (LEN + ADDR + SEQ + TYPE + DATA) for a node one level below the interface.
var responseInfos = map[uint8]ResponseInfo{
	MsgSysGetMagic:     {1, 6, []uint8{MsgSysMagic}},
	MsgSysGetPVersion:  {1, 6, []uint8{MsgSysPVersion}},
	MsgSysGetUniqueID:  {1, 11, []uint8{MsgSysUniqueID}},
	MsgSysGetSwVersion: {1, 7, []uint8{MsgSysSwVersion}},
	MsgSysPing:         {1, 5, []uint8{MsgSysPong}},
	MsgSysIdentify:     {1, 5, []uint8{MsgSysIdentifyState}},
	MsgGetPktCapacity:  {1, 5, []uint8{MsgPktCapacity}},
	MsgNodeTabGetAll:   {1, 5, []uint8{MsgNodeTabCount}},
	MsgNodeTabGetNext:  {1, 13, []uint8{MsgNodeTab, MsgNodeNA}},
	MsgSysGetError:     {1, 6, []uint8{MsgSysError}},
	MsgFwUpdateOp:      {1, 6, []uint8{MsgFwUpdateStat}},
	MsgFeatureGetAll:   {1, 6, []uint8{MsgFeatureCount}},
	MsgFeatureGetNext:  {1, 6, []uint8{MsgFeature, MsgFeatureNA}},
	MsgFeatureGet:      {1, 6, []uint8{MsgFeature, MsgFeatureNA}},
	MsgFeatureSet:      {1, 6, []uint8{MsgFeature, MsgFeatureNA}},
	MsgVendorEnable:    {1, 5, []uint8{MsgVendorAck}},
	MsgVendorDisable:   {1, 5, []uint8{MsgVendorAck}},
	MsgVendorSet:       {1, 16, []uint8{MsgVendor}},
	MsgVendorGet:       {1, 16, []uint8{MsgVendor}},
	MsgStringGet:       {1, 16, []uint8{MsgString}},
	MsgStringSet:       {1, 16, []uint8{MsgString}},

	MsgBmGetRange:      {1, 14, []uint8{MsgBmMultiple}},
	MsgBmAddrGetRange:  {1, 8, []uint8{MsgBmAddress}},
	MsgBmGetConfidence: {1, 7, []uint8{MsgBmConfidence}},

	MsgBoostOff:         {1, 5, []uint8{MsgBoostStat}},
	MsgBoostOn:          {1, 5, []uint8{MsgBoostStat}},
	MsgBoostQuery:       {1, 5, []uint8{MsgBoostStat}},
	MsgAccessorySet:     {1, 9, []uint8{MsgAccessoryState}},
	MsgAccessoryGet:     {1, 9, []uint8{MsgAccessoryState}},
	MsgAccessoryParaSet: {1, 10, []uint8{MsgAccessoryPara}},
	MsgAccessoryParaGet: {1, 10, []uint8{MsgAccessoryPara}},

	MsgLcOutput:      {1, 6, []uint8{MsgLcStat, MsgLcNA, MsgLcWait}},
	MsgLcConfigSet:   {1, 10, []uint8{MsgLcConfig, MsgLcNA}},
	MsgLcConfigGet:   {1, 10, []uint8{MsgLcConfig, MsgLcNA}},
	MsgLcKeyQuery:    {1, 6, []uint8{MsgLcKey, MsgLcNA}},
	MsgLcOutputQuery: {1, 6, []uint8{MsgLcStat, MsgLcNA}},
	MsgLcConfigXSet:  {1, 16, []uint8{MsgLcConfigX, MsgLcNA}},
	MsgLcConfigXGet:  {1, 16, []uint8{MsgLcConfigX, MsgLcNA}},

	MsgCsAllocate:  {1, 5, []uint8{MsgCsAllocAck}},
	MsgCsSetState:  {1, 5, []uint8{MsgCsState}},
	MsgCsDrive:     {1, 7, []uint8{MsgCsDriveAck}},
	MsgCsAccessory: {1, 7, []uint8{MsgCsAccessoryAck}},
	MsgCsPom:       {1, 10, []uint8{MsgCsPomAck}},
	MsgCsRcPlus:    {1, 8, []uint8{MsgCsRcPlusAck}},
	MsgCsProg:      {1, 9, []uint8{MsgCsProgState}},
}

// ResponseFor returns the admission entry for a downlink message type.
// Types without a reply (enable/disable, mirrors, acknowledgements, local
// link, multi-reply bulk queries) get the zero entry.
func ResponseFor(msgType uint8) ResponseInfo {
	return responseInfos[msgType]
}
