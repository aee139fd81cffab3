// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		ms   uint64
		want string
	}{
		{0, "0 seconds"},
		{1000, "1 second"},
		{61000, "1 minute and 1 second"},
		{3600000, "1 hour"},
		{90061000, "1 day, 1 hour, 1 minute, and 1 second"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, formatUptime(tc.ms))
	}
}

func TestFormatClasses(t *testing.T) {
	assert.Equal(t, "none", formatClasses(0))
	assert.Equal(t, "switch, bridge", formatClasses(bidib.ClassSwitch|bidib.ClassBridge))
}

type fakeSource struct {
	stats bidib.Statistics
	nodes *bidib.NodeTable
}

func (f fakeSource) Statistics() bidib.Statistics { return f.stats }
func (f fakeSource) Nodes() *bidib.NodeTable      { return f.nodes }

func TestModel_RefreshShowsNodes(t *testing.T) {
	logger, _ := test.NewNullLogger()
	table := bidib.NewNodeTable(bidib.DefaultResponseLimit, time.Second, clock.NewMock(), logger)
	table.UpdateStall(bidib.Address{0x01}, true)

	src := fakeSource{stats: bidib.Statistics{TotalPackets: 10, ValidPackets: 9, CRCErrors: 1}, nodes: table}
	m := initialModel("Serial: test", 10, false, src)

	updated, cmd := m.Update(tickMsg(time.Now()))
	require.NotNil(t, cmd)
	m = updated.(model)

	assert.Equal(t, 1, m.nodeCount)
	rows := m.nodes.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "01.00.00.00", rows[0][0])
	assert.Equal(t, "STALL", rows[0][1])
	assert.Contains(t, m.View(), "BIDISTAT - BUS MONITOR")
}

func TestModel_EventFilter(t *testing.T) {
	m := initialModel("", 10, false, nil)

	updated, _ := m.Update(busEventMsg{message: "detector 1 occupied"})
	m = updated.(model)
	assert.Empty(t, m.errorLog, "plain events hidden without --show-all")

	updated, _ = m.Update(busEventMsg{message: "node lost", isError: true})
	m = updated.(model)
	require.Len(t, m.errorLog, 1)
	assert.Equal(t, "node lost", m.errorLog[0].message)
}

func TestModel_LogIsBounded(t *testing.T) {
	m := initialModel("", 10, true, nil)
	for i := 0; i < m.maxLogEntries+10; i++ {
		m.addLogEntry(busEvent{message: "x"})
	}
	assert.Len(t, m.errorLog, m.maxLogEntries)
}

func TestEventHandler_ErrorClassification(t *testing.T) {
	var got []busEvent
	h := eventHandler{emit: func(e busEvent) { got = append(got, e) }}
	addr := bidib.Address{0x02}

	h.BoosterChanged(addr, bidib.BoostStateOffShort)
	h.BoosterChanged(addr, bidib.BoostStateOn)
	h.OccupancyChanged(addr, 3, true)
	h.AccessoryChanged(addr, bidib.AccessoryState{Number: 1, ExecError: true, Wait: 0x02}, 7)
	h.NodeLost(addr, bidib.NodeTabEntry{})
	h.NodeInfo(bidib.Message{Address: addr, Type: bidib.MsgSysSwVersion, Payload: []byte{1, 2, 3}})
	h.NodeInfo(bidib.Message{Address: addr, Type: bidib.MsgSysError, Payload: []byte{0x01}})

	require.Len(t, got, 7)
	assert.True(t, got[0].isError)
	assert.False(t, got[1].isError)
	assert.Equal(t, "detector 3 occupied", got[2].message)
	assert.True(t, got[3].isError)
	assert.Contains(t, got[3].message, "action 7")
	assert.True(t, got[4].isError)
	assert.Equal(t, addr, got[4].addr)
	assert.False(t, got[5].isError)
	assert.True(t, got[6].isError)

	for _, state := range []uint8{bidib.BoostStateOffHot, bidib.BoostStateOffNoPower, bidib.BoostStateOffHere} {
		got = nil
		h.BoosterChanged(addr, state)
		assert.Equal(t, bidib.IsBoosterError(state), got[0].isError, bidib.FormatBoostState(state))
	}
}
