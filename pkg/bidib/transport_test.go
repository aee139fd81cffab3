// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Test Link
// ============================================================

// simLink is an in-memory Link. Written packets are decoded and recorded;
// an optional responder plays the node side and its replies become
// readable.
type simLink struct {
	mu        sync.Mutex
	in        []byte
	packets   [][]Message
	writes    int
	decoder   *PacketDecoder
	respond   func(Message) []Message
	uplinkSeq map[Address]uint8
	failWrite error
}

func newSimLink(respond func(Message) []Message) *simLink {
	return &simLink{
		decoder:   NewPacketDecoder(),
		respond:   respond,
		uplinkSeq: make(map[Address]uint8),
	}
}

func (l *simLink) ReadByte() (byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.in) == 0 {
		return 0, false
	}
	b := l.in[0]
	l.in = l.in[1:]
	return b, true
}

func (l *simLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWrite != nil {
		return 0, l.failWrite
	}
	l.writes++
	for _, b := range p {
		payload, err := l.decoder.DecodeByte(b)
		if err != nil {
			return 0, err
		}
		if payload == nil {
			continue
		}
		msgs, err := SplitPacket(payload)
		if err != nil {
			return 0, err
		}
		l.packets = append(l.packets, msgs)
		if l.respond == nil {
			continue
		}
		for _, msg := range msgs {
			if msg.Seq == 0 {
				l.uplinkSeq[msg.Address] = 0
			}
			var replies []Message
			for _, reply := range l.respond(msg) {
				reply.Seq = l.nextUplinkSeq(reply.Address, msg.Seq == 0)
				replies = append(replies, reply)
			}
			if len(replies) > 0 {
				wire, err := EncodeMessages(replies...)
				if err != nil {
					return 0, err
				}
				l.in = append(l.in, wire...)
			}
		}
	}
	return len(p), nil
}

// nextUplinkSeq numbers replies the way a node does: 0 in answer to an
// unsequenced request, then 1, 2, ... 255, 1
func (l *simLink) nextUplinkSeq(addr Address, unsequenced bool) uint8 {
	if unsequenced {
		l.uplinkSeq[addr] = 0
		return 0
	}
	seq := nextSeq(l.uplinkSeq[addr])
	l.uplinkSeq[addr] = seq
	return seq
}

// inject makes a framed packet carrying msgs readable
func (l *simLink) inject(t *testing.T, msgs ...Message) {
	t.Helper()
	wire, err := EncodeMessages(msgs...)
	require.NoError(t, err)
	l.injectRaw(wire)
}

func (l *simLink) injectRaw(wire []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.in = append(l.in, wire...)
}

// sent returns every message written so far, packet by packet
func (l *simLink) sent() [][]Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]Message(nil), l.packets...)
}

// sentMessages flattens sent()
func (l *simLink) sentMessages() []Message {
	var all []Message
	for _, pkt := range l.sent() {
		all = append(all, pkt...)
	}
	return all
}

// ============================================================
// Test State Handler
// ============================================================

type handlerCall struct {
	method   string
	addr     Address
	actionID uint32
	args     []interface{}
}

type recordingHandler struct {
	NopStateHandler
	mu    sync.Mutex
	calls []handlerCall
}

func (h *recordingHandler) record(c handlerCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, c)
}

func (h *recordingHandler) Calls() []handlerCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]handlerCall(nil), h.calls...)
}

func (h *recordingHandler) OccupancyChanged(addr Address, detector uint8, occupied bool) {
	h.record(handlerCall{method: "OccupancyChanged", addr: addr, args: []interface{}{detector, occupied}})
}

func (h *recordingHandler) AccessoryChanged(addr Address, state AccessoryState, actionID uint32) {
	h.record(handlerCall{method: "AccessoryChanged", addr: addr, actionID: actionID, args: []interface{}{state}})
}

func (h *recordingHandler) BoosterChanged(addr Address, state uint8) {
	h.record(handlerCall{method: "BoosterChanged", addr: addr, args: []interface{}{state}})
}

func (h *recordingHandler) TrainAck(addr Address, decoder uint16, ack uint8, actionID uint32) {
	h.record(handlerCall{method: "TrainAck", addr: addr, actionID: actionID, args: []interface{}{decoder, ack}})
}

func (h *recordingHandler) NodeAdded(addr Address, entry NodeTabEntry) {
	h.record(handlerCall{method: "NodeAdded", addr: addr, args: []interface{}{entry}})
}

func (h *recordingHandler) NodeLost(addr Address, entry NodeTabEntry) {
	h.record(handlerCall{method: "NodeLost", addr: addr, args: []interface{}{entry}})
}

func (h *recordingHandler) NodeInfo(msg Message) {
	h.record(handlerCall{method: "NodeInfo", addr: msg.Address, args: []interface{}{msg.Type}})
}

// ============================================================
// Helpers
// ============================================================

type testTransport struct {
	*Transport
	link    *simLink
	clock   *clock.Mock
	handler *recordingHandler
	hook    *test.Hook
}

func newTestTransport(t *testing.T, respond func(Message) []Message, adjust ...func(*Config)) *testTransport {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	tt := &testTransport{
		link:    newSimLink(respond),
		clock:   clock.NewMock(),
		handler: &recordingHandler{},
		hook:    hook,
	}
	cfg := DefaultConfig()
	cfg.Clock = tt.clock
	cfg.Handler = tt.handler
	cfg.Logger = logger
	for _, fn := range adjust {
		fn(&cfg)
	}
	tt.Transport = New(tt.link, cfg)
	return tt
}

func (tt *testTransport) start(t *testing.T) {
	t.Helper()
	require.NoError(t, tt.Start(context.Background()))
	t.Cleanup(tt.Stop)
}

// receive feeds msgs through the receive pipeline as one packet
func (tt *testTransport) receive(t *testing.T, msgs ...Message) {
	t.Helper()
	wire, err := EncodeMessages(msgs...)
	require.NoError(t, err)
	d := NewPacketDecoder()
	for _, b := range wire {
		payload, err := d.DecodeByte(b)
		require.NoError(t, err)
		if payload != nil {
			tt.handlePacket(payload)
		}
	}
}

func uplink(addr Address, seq, msgType uint8, payload ...byte) Message {
	return Message{Address: addr, Seq: seq, Type: msgType, Payload: payload}
}

// ============================================================
// Send Pipeline Tests
// ============================================================

func TestSend_FlushWritesOnePacket(t *testing.T) {
	tt := newTestTransport(t, nil)

	require.NoError(t, tt.BufferMessageWithoutData(nodeA, MsgSysEnable, 0))
	require.NoError(t, tt.BufferMessageWithData(nodeA, MsgSysPing, []byte{0x42}, 0))
	assert.Empty(t, tt.link.sent(), "nothing is written before a flush")

	require.NoError(t, tt.Flush())
	packets := tt.link.sent()
	require.Len(t, packets, 1)
	require.Len(t, packets[0], 2)

	assert.Equal(t, uint8(MsgSysEnable), packets[0][0].Type)
	assert.Equal(t, uint8(1), packets[0][0].Seq)
	assert.Equal(t, uint8(MsgSysPing), packets[0][1].Type)
	assert.Equal(t, uint8(2), packets[0][1].Seq)
	assert.Equal(t, []byte{0x42}, packets[0][1].Payload)
	assert.Equal(t, nodeA, packets[0][1].Address)

	// An empty buffer writes nothing
	require.NoError(t, tt.Flush())
	assert.Len(t, tt.link.sent(), 1)
	assert.True(t, tt.Enabled())
}

func TestSend_UnsequencedTypes(t *testing.T) {
	tt := newTestTransport(t, nil)

	require.NoError(t, tt.BufferMessageWithoutData(nodeA, MsgSysEnable, 0))
	require.NoError(t, tt.BufferMessageWithoutData(nodeA, MsgSysGetMagic, 0))
	require.NoError(t, tt.BufferMessageWithoutData(nodeA, MsgSysEnable, 0))
	require.NoError(t, tt.Flush())

	msgs := tt.link.sentMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, uint8(1), msgs[0].Seq)
	assert.Equal(t, uint8(0), msgs[1].Seq)
	assert.Equal(t, uint8(1), msgs[2].Seq, "GET_MAGIC restarts the sequence")
}

func TestSend_FlushBeforeOverflow(t *testing.T) {
	tt := newTestTransport(t, nil, func(c *Config) { c.ResponseLimit = 1000 })

	// Pings to the interface are 5 bytes: 12 fill 60 of 64 bytes
	for i := 0; i < 13; i++ {
		require.NoError(t, tt.BufferMessageWithData(InterfaceAddress, MsgSysPing, []byte{byte(i)}, 0))
	}
	packets := tt.link.sent()
	require.Len(t, packets, 1, "the 13th message must not fit the first packet")
	assert.Len(t, packets[0], 12)

	require.NoError(t, tt.Flush())
	packets = tt.link.sent()
	require.Len(t, packets, 2)
	assert.Len(t, packets[1], 1)
	assert.Equal(t, []byte{12}, packets[1][0].Payload)
}

func TestSend_FlushBelowSafetyMargin(t *testing.T) {
	tt := newTestTransport(t, nil)

	// 4 header bytes + 27 data bytes = 31 per message, 62 for two
	data := make([]byte, 27)
	require.NoError(t, tt.BufferMessageWithData(InterfaceAddress, MsgSysEnable, data, 0))
	assert.Empty(t, tt.link.sent())
	require.NoError(t, tt.BufferMessageWithData(InterfaceAddress, MsgSysEnable, data, 0))

	packets := tt.link.sent()
	require.Len(t, packets, 1, "less than 4 bytes left must trigger a flush")
	assert.Len(t, packets[0], 2)
}

func TestSend_MessageTooLarge(t *testing.T) {
	tt := newTestTransport(t, nil)

	err := tt.BufferMessageWithData(InterfaceAddress, MsgVendorSet, make([]byte, 61), 0)
	assert.True(t, errors.Is(err, ErrMessageTooLarge), "got %v", err)
	assert.Equal(t, 0, tt.Nodes().Len(), "rejected messages do not touch the node table")
}

func TestSend_RejectsUplinkType(t *testing.T) {
	tt := newTestTransport(t, nil)
	assert.Error(t, tt.BufferMessageWithoutData(nodeA, MsgSysPong, 0))
}

func TestSend_WriteError(t *testing.T) {
	tt := newTestTransport(t, nil)
	tt.link.failWrite = errors.New("port gone")

	require.NoError(t, tt.BufferMessageWithoutData(nodeA, MsgSysEnable, 0))
	err := tt.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port gone")
	assert.Equal(t, uint64(1), tt.Statistics().WriteErrors)

	// The failed packet is discarded, not retried
	tt.link.failWrite = nil
	require.NoError(t, tt.Flush())
	assert.Empty(t, tt.link.sent())
}

// chunkLink accepts at most max bytes per Write
type chunkLink struct {
	*simLink
	max int
}

func (l *chunkLink) Write(p []byte) (int, error) {
	if len(p) > l.max {
		p = p[:l.max]
	}
	if l.max == 0 {
		return 0, nil
	}
	return l.simLink.Write(p)
}

func TestSend_ShortWritesCompleted(t *testing.T) {
	tt := newTestTransport(t, nil)
	tt.Transport = New(&chunkLink{simLink: tt.link, max: 3}, tt.cfg)

	require.NoError(t, tt.BufferMessageWithData(nodeA, MsgSysPing, []byte{PacketMagic, PacketEscape}, 0))
	require.NoError(t, tt.BufferMessageWithoutData(nodeC, MsgSysEnable, 0))
	require.NoError(t, tt.Flush())

	pkts := tt.link.sent()
	require.Len(t, pkts, 1, "the packet arrives whole across short writes")
	require.Len(t, pkts[0], 2)
	assert.Equal(t, []byte{PacketMagic, PacketEscape}, pkts[0][0].Payload)
	assert.Greater(t, tt.link.writes, 1)
	assert.Zero(t, tt.Statistics().WriteErrors)
}

func TestSend_WriteWithoutProgress(t *testing.T) {
	tt := newTestTransport(t, nil)
	tt.Transport = New(&chunkLink{simLink: tt.link, max: 0}, tt.cfg)

	require.NoError(t, tt.BufferMessageWithoutData(nodeA, MsgSysEnable, 0))
	err := tt.Flush()
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, uint64(1), tt.Statistics().WriteErrors)
}

func TestSend_SetPacketCapacity(t *testing.T) {
	tt := newTestTransport(t, nil)

	require.NoError(t, tt.SetPacketCapacity(16))
	require.NoError(t, tt.BufferMessageWithData(InterfaceAddress, MsgSysEnable, make([]byte, 8), 0))
	err := tt.BufferMessageWithData(InterfaceAddress, MsgSysEnable, make([]byte, 13), 0)
	assert.True(t, errors.Is(err, ErrMessageTooLarge))

	assert.Error(t, tt.SetPacketCapacity(2))
	require.NoError(t, tt.SetPacketCapacity(200))
	require.NoError(t, tt.BufferMessageWithData(InterfaceAddress, MsgSysEnable, make([]byte, 40), 0))
}

// ============================================================
// Flow Control Through The Pipeline
// ============================================================

func TestPipeline_StallHoldsAndReleases(t *testing.T) {
	tt := newTestTransport(t, nil)

	tt.receive(t, uplink(nodeA, 1, MsgStall, StallActive))
	require.NoError(t, tt.BufferMessageWithoutData(nodeB, MsgSysEnable, 1))
	require.NoError(t, tt.BufferMessageWithData(nodeB, MsgSysPing, []byte{7}, 2))
	require.NoError(t, tt.Flush())
	assert.Empty(t, tt.link.sent(), "messages below a stalled node are held")
	assert.Equal(t, uint64(2), tt.Statistics().Deferred)

	tt.receive(t, uplink(nodeA, 2, MsgStall, StallCleared))
	msgs := tt.link.sentMessages()
	require.Len(t, msgs, 2, "clearing the stall releases and flushes")
	assert.Equal(t, uint8(MsgSysEnable), msgs[0].Type)
	assert.Equal(t, uint8(MsgSysPing), msgs[1].Type)
	assert.Equal(t, uint8(1), msgs[0].Seq)
	assert.Equal(t, uint8(2), msgs[1].Seq)
}

func TestPipeline_ReplyReleasesBudget(t *testing.T) {
	tt := newTestTransport(t, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, tt.BufferMessageWithData(nodeA, MsgSysPing, []byte{byte(i)}, uint32(i+1)))
	}
	require.NoError(t, tt.Flush())
	assert.Len(t, tt.link.sentMessages(), 9, "the 10th ping exceeds the response budget")

	tt.receive(t, uplink(nodeA, 1, MsgSysPong, 0))
	msgs := tt.link.sentMessages()
	require.Len(t, msgs, 10)
	assert.Equal(t, []byte{9}, msgs[9].Payload)

	pong, ok := tt.ReadMessage()
	require.True(t, ok)
	assert.Equal(t, uint32(1), pong.ActionID)
}

func TestPipeline_ActionIDCorrelation(t *testing.T) {
	tt := newTestTransport(t, nil)

	require.NoError(t, tt.BufferMessageWithData(nodeA, MsgCsDrive, []byte{0x03, 0x00, 0x00, 0x00, 0x80, 0, 0, 0, 0}, 77))
	require.NoError(t, tt.Flush())

	tt.receive(t, uplink(nodeA, 1, MsgCsDriveAck, 0x03, 0x00, 0x01))
	calls := tt.handler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "TrainAck", calls[0].method)
	assert.Equal(t, uint32(77), calls[0].actionID)
	assert.Equal(t, []interface{}{uint16(3), uint8(1)}, calls[0].args)
	assert.Equal(t, 0, tt.Nodes().ResponseBytes(nodeA))
}

// ============================================================
// Receive Dispatch Tests
// ============================================================

func TestDispatch_TwoMessagesInOnePacket(t *testing.T) {
	tt := newTestTransport(t, nil)

	tt.receive(t,
		uplink(nodeA, 1, MsgSysIdentifyState, 0x01),
		uplink(nodeB, 1, MsgSysIdentifyState, 0x00),
	)

	first, ok := tt.ReadMessage()
	require.True(t, ok)
	assert.Equal(t, nodeA, first.Address)
	assert.Equal(t, uint8(MsgSysIdentifyState), first.Type)
	assert.Equal(t, uint8(1), first.Seq)

	second, ok := tt.ReadMessage()
	require.True(t, ok)
	assert.Equal(t, nodeB, second.Address)
	assert.Equal(t, uint8(1), second.Seq)

	_, ok = tt.ReadMessage()
	assert.False(t, ok)
	assert.Equal(t, uint64(2), tt.Statistics().MessagesIn)
}

func TestDispatch_StateTypesGoToHandler(t *testing.T) {
	tt := newTestTransport(t, nil)

	tt.receive(t,
		uplink(nodeA, 1, MsgBmOcc, 4),
		uplink(nodeA, 2, MsgBmFree, 5),
	)

	calls := tt.handler.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []interface{}{uint8(4), true}, calls[0].args)
	assert.Equal(t, []interface{}{uint8(5), false}, calls[1].args)

	_, ok := tt.ReadMessage()
	assert.False(t, ok, "state messages are not queued")
}

func TestDispatch_ErrorRouting(t *testing.T) {
	tests := []struct {
		name      string
		msg       Message
		wantError bool
		method    string
	}{
		{"sys error", uplink(nodeA, 1, MsgSysError, 0x05), true, "NodeInfo"},
		{"accessory exec error", uplink(nodeA, 1, MsgAccessoryState, 1, 0, 2, AccessoryExecError|0x01, 0x03), true, "AccessoryChanged"},
		{"accessory ok", uplink(nodeA, 1, MsgAccessoryState, 1, 1, 2, 0x01, 0x00), false, "AccessoryChanged"},
		{"booster short", uplink(nodeA, 1, MsgBoostStat, BoostStateOffShort), true, "BoosterChanged"},
		{"booster on", uplink(nodeA, 1, MsgBoostStat, BoostStateOn), false, "BoosterChanged"},
		{"feature na", uplink(nodeA, 1, MsgFeatureNA, 0x10), true, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tt := newTestTransport(t, nil)
			tt.receive(t, tc.msg)

			_, gotError := tt.ReadErrorMessage()
			assert.Equal(t, tc.wantError, gotError)

			calls := tt.handler.Calls()
			if tc.method == "" {
				assert.Empty(t, calls)
				return
			}
			require.Len(t, calls, 1)
			assert.Equal(t, tc.method, calls[0].method)
		})
	}
}

func TestDispatch_NodeNewAcknowledged(t *testing.T) {
	tt := newTestTransport(t, nil)

	uid := []byte{ClassSwitch, 0x00, 0x0D, 0x68, 0x00, 0x01, 0x02}
	tt.receive(t, uplink(InterfaceAddress, 1, MsgNodeNew, append([]byte{0x05, 0x03}, uid...)...))

	msgs := tt.link.sentMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, uint8(MsgNodeChangedAck), msgs[0].Type)
	assert.Equal(t, []byte{0x05}, msgs[0].Payload)
	assert.True(t, msgs[0].Address.IsRoot())

	calls := tt.handler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "NodeAdded", calls[0].method)
	assert.Equal(t, Address{0x03}, calls[0].addr)

	queued, ok := tt.ReadMessage()
	require.True(t, ok)
	assert.Equal(t, uint8(MsgNodeNew), queued.Type)
}

func TestDispatch_NodeLostDropsState(t *testing.T) {
	tt := newTestTransport(t, nil)

	require.NoError(t, tt.BufferMessageWithoutData(Address{0x03}, MsgSysPing, 0))
	require.NoError(t, tt.Flush())
	require.Equal(t, 5, tt.Nodes().ResponseBytes(Address{0x03}))

	uid := []byte{ClassSwitch, 0x00, 0x0D, 0x68, 0x00, 0x01, 0x02}
	tt.receive(t, uplink(InterfaceAddress, 1, MsgNodeLost, append([]byte{0x06, 0x03}, uid...)...))

	assert.Equal(t, 0, tt.Nodes().ResponseBytes(Address{0x03}))
	calls := tt.handler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "NodeLost", calls[0].method)
}

func TestDispatch_InternRouting(t *testing.T) {
	tt := newTestTransport(t, nil)

	tt.receive(t, uplink(InterfaceAddress, 1, MsgNodeTabCount, 2))
	msg, ok := tt.ReadInternMessage()
	require.True(t, ok)
	assert.Equal(t, uint8(MsgNodeTabCount), msg.Type)

	// Pong outside a synchronous exchange is informational
	tt.receive(t, uplink(InterfaceAddress, 2, MsgSysPong, 1))
	_, ok = tt.ReadInternMessage()
	assert.False(t, ok)
	_, ok = tt.ReadMessage()
	assert.True(t, ok)

	end := tt.beginSync()
	tt.receive(t, uplink(InterfaceAddress, 3, MsgSysPong, 2))
	end()
	_, ok = tt.ReadInternMessage()
	assert.True(t, ok)
}

func TestDispatch_SequenceMismatchStillProcessed(t *testing.T) {
	tt := newTestTransport(t, nil)

	tt.receive(t, uplink(nodeA, 1, MsgSysIdentifyState, 0))
	tt.receive(t, uplink(nodeA, 5, MsgSysIdentifyState, 1))

	assert.Equal(t, 2, tt.normal.Len())
	assert.Equal(t, uint64(1), tt.Statistics().SequenceErrors)
}

func TestDispatch_UnknownTypeIsInformational(t *testing.T) {
	tt := newTestTransport(t, nil)

	tt.receive(t, uplink(nodeA, 1, 0xFD, 0x01))
	_, ok := tt.ReadMessage()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), tt.Statistics().ValidationErrors)
}

// ============================================================
// Receive Loop Tests
// ============================================================

func TestReceiveLoop_DropsCorruptPackets(t *testing.T) {
	tt := newTestTransport(t, nil)
	tt.start(t)

	bad, err := EncodeMessages(uplink(nodeA, 1, MsgSysIdentifyState, 0))
	require.NoError(t, err)
	bad[2] ^= 0x40
	tt.link.injectRaw(bad)
	tt.link.inject(t, uplink(nodeA, 1, MsgSysIdentifyState, 1))

	require.Eventually(t, func() bool { return tt.normal.Len() == 1 }, time.Second, time.Millisecond)
	msg, _ := tt.ReadMessage()
	assert.Equal(t, []byte{1}, msg.Payload)

	stats := tt.Statistics()
	assert.Equal(t, uint64(1), stats.CRCErrors)
	assert.Equal(t, uint64(1), stats.ValidPackets)
}

func TestTransport_StartStop(t *testing.T) {
	tt := newTestTransport(t, nil)

	require.NoError(t, tt.Start(context.Background()))
	assert.True(t, tt.Running())
	assert.ErrorIs(t, tt.Start(context.Background()), ErrAlreadyRunning)

	tt.Stop()
	assert.False(t, tt.Running())
	tt.Stop()

	select {
	case <-tt.Done():
	case <-time.After(time.Second):
		t.Fatal("receive loop did not exit")
	}
}

func TestTransport_ConcurrentStartStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		tt := newTestTransport(t, nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, tt.Start(context.Background()))
		}()
		go func() {
			defer wg.Done()
			tt.Stop()
		}()
		wg.Wait()

		tt.Stop()
		assert.False(t, tt.Running())
	}
}

func TestTransport_StopFlushes(t *testing.T) {
	tt := newTestTransport(t, nil)
	require.NoError(t, tt.Start(context.Background()))

	require.NoError(t, tt.BufferMessageWithoutData(nodeA, MsgSysEnable, 0))
	tt.Stop()
	assert.Len(t, tt.link.sentMessages(), 1)
}

func TestTransport_AutoFlush(t *testing.T) {
	tt := newTestTransport(t, nil, func(c *Config) { c.FlushInterval = 10 * time.Millisecond })
	tt.start(t)

	require.NoError(t, tt.BufferMessageWithoutData(nodeA, MsgSysEnable, 0))
	// The ticker runs on the mock clock; let the goroutine register first
	require.Eventually(t, func() bool {
		tt.clock.Add(10 * time.Millisecond)
		return len(tt.link.sent()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTransport_ExpiryLoopReleasesQueued(t *testing.T) {
	tt := newTestTransport(t, nil)
	tt.start(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, tt.BufferMessageWithData(nodeA, MsgSysPing, []byte{byte(i)}, 0))
	}
	require.NoError(t, tt.Flush())
	require.Len(t, tt.link.sentMessages(), 9)

	require.Eventually(t, func() bool {
		tt.clock.Add(DefaultResponseTimeout / 4)
		return len(tt.link.sentMessages()) == 10
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, tt.Statistics().ResponseTimeouts, uint64(9))
}

func TestTransport_NodeStateTableReset(t *testing.T) {
	tt := newTestTransport(t, nil)

	require.NoError(t, tt.BufferMessageWithoutData(nodeA, MsgSysPing, 0))
	require.Equal(t, 1, tt.Nodes().Len())
	tt.NodeStateTableReset()
	assert.Equal(t, 0, tt.Nodes().Len())
}

func TestStatistics_String(t *testing.T) {
	tt := newTestTransport(t, nil)
	tt.clock.Add(10 * time.Second)

	tt.receive(t, uplink(nodeA, 1, MsgSysIdentifyState, 0))
	stats := tt.Statistics()
	assert.Equal(t, 10*time.Second, stats.Duration)
	assert.Contains(t, stats.String(), "Messages:    in 1")
}
