// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrBadMagic is returned when a node answers MSG_SYS_GET_MAGIC with an
	// unexpected value (usually a node in its bootloader)
	ErrBadMagic = errors.New("unexpected system magic")
	// ErrTableChanged is returned when a node table kept changing while it
	// was being read
	ErrTableChanged = errors.New("node table changed during discovery")
)

const (
	maxTableRestarts = 3
	tableRetryDelay  = 100 * time.Millisecond
)

// DiscoveredNode is a node found while reading node tables
type DiscoveredNode struct {
	Address Address
	Entry   NodeTabEntry
}

// beginSync routes synchronous replies to the intern queue until the
// returned function is called
func (t *Transport) beginSync() func() {
	t.syncActive.Add(1)
	return func() { t.syncActive.Add(-1) }
}

// replyFrom matches messages of the given types sent by addr
func replyFrom(addr Address, types ...uint8) func(Message) bool {
	return func(m Message) bool {
		if m.Address != addr {
			return false
		}
		for _, typ := range types {
			if m.Type == typ {
				return true
			}
		}
		return false
	}
}

// awaitIntern waits for a message on the intern queue accepted by match.
// Messages that do not match stay queued.
func (t *Transport) awaitIntern(ctx context.Context, match func(Message) bool) (Message, error) {
	for {
		notify := t.intern.Notify()
		if msg, ok := t.intern.PopFunc(match); ok {
			return msg, nil
		}
		if !t.running.Load() {
			return Message{}, ErrNotRunning
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-t.recvDone:
			return Message{}, ErrLinkClosed
		case <-notify:
		}
	}
}

// request sends one message and waits for the reply selected by match,
// bounded by the response timeout
func (t *Transport) request(ctx context.Context, addr Address, msgType uint8, data []byte, replies ...uint8) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ResponseTimeout)
	defer cancel()

	if err := t.BufferMessageWithData(addr, msgType, data, 0); err != nil {
		return Message{}, err
	}
	if err := t.Flush(); err != nil {
		return Message{}, err
	}

	msg, err := t.awaitIntern(ctx, replyFrom(addr, replies...))
	if err != nil {
		return Message{}, fmt.Errorf("%s to %s: %w", FormatMessageType(msgType), addr, err)
	}
	return msg, nil
}

// GetMagic asks addr for its system magic. It also restarts sequence
// numbering for the node.
func (t *Transport) GetMagic(ctx context.Context, addr Address) (uint16, error) {
	defer t.beginSync()()

	msg, err := t.request(ctx, addr, MsgSysGetMagic, nil, MsgSysMagic)
	if err != nil {
		return 0, err
	}
	if len(msg.Payload) < 2 {
		return 0, fmt.Errorf("%w: magic reply of %d bytes", ErrTruncatedMessage, len(msg.Payload))
	}
	magic := binary.LittleEndian.Uint16(msg.Payload)
	if magic != SysMagic {
		return magic, fmt.Errorf("%w: 0x%04X", ErrBadMagic, magic)
	}
	return magic, nil
}

// NegotiatePacketCapacity asks the interface for its maximum packet size and
// applies it to the send pipeline
func (t *Transport) NegotiatePacketCapacity(ctx context.Context) (int, error) {
	defer t.beginSync()()

	msg, err := t.request(ctx, InterfaceAddress, MsgGetPktCapacity, nil, MsgPktCapacity)
	if err != nil {
		return 0, err
	}
	capacity := DefaultPacketCapacity
	if len(msg.Payload) >= 1 && msg.Payload[0] != 0 {
		capacity = int(msg.Payload[0])
	}
	if capacity > MaxPacketCapacity {
		capacity = MaxPacketCapacity
	}
	if err := t.SetPacketCapacity(capacity); err != nil {
		return 0, err
	}
	return capacity, nil
}

// DiscoverNodes reads the node table of addr and, recursively, of every
// bridge node below it. The returned list starts with the entry of addr
// itself.
func (t *Transport) DiscoverNodes(ctx context.Context, addr Address) ([]DiscoveredNode, error) {
	defer t.beginSync()()
	return t.discover(ctx, addr)
}

func (t *Transport) discover(ctx context.Context, addr Address) ([]DiscoveredNode, error) {
	entries, err := t.readNodeTable(ctx, addr)
	if err != nil {
		return nil, err
	}

	var nodes []DiscoveredNode
	for _, entry := range entries {
		if entry.Local == 0 {
			nodes = append(nodes, DiscoveredNode{Address: addr, Entry: entry})
			continue
		}
		child, err := addr.Child(entry.Local)
		if err != nil {
			t.log.WithError(err).Warn("node below full address stack ignored")
			continue
		}
		t.log.WithFields(logrus.Fields{
			"addr":      child.String(),
			"unique_id": FormatUniqueID(entry.UniqueID[:]),
		}).Debug("node discovered")

		if !entry.IsBridge() || child.Depth() >= AddressSize-1 {
			nodes = append(nodes, DiscoveredNode{Address: child, Entry: entry})
			continue
		}
		sub, err := t.discover(ctx, child)
		if err != nil {
			return nodes, fmt.Errorf("discover below %s: %w", child, err)
		}
		if len(sub) == 0 {
			nodes = append(nodes, DiscoveredNode{Address: child, Entry: entry})
		}
		nodes = append(nodes, sub...)
	}
	return nodes, nil
}

// readNodeTable reads all entries of one node table. A table that changes
// while it is read (count 0 or MSG_NODE_NA) is read again.
func (t *Transport) readNodeTable(ctx context.Context, addr Address) ([]NodeTabEntry, error) {
restart:
	for attempt := 0; attempt <= maxTableRestarts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(tableRetryDelay):
			}
		}

		msg, err := t.request(ctx, addr, MsgNodeTabGetAll, nil, MsgNodeTabCount)
		if err != nil {
			return nil, err
		}
		if len(msg.Payload) < 1 || msg.Payload[0] == 0 {
			continue
		}

		count := int(msg.Payload[0])
		entries := make([]NodeTabEntry, 0, count)
		for i := 0; i < count; i++ {
			reply, err := t.request(ctx, addr, MsgNodeTabGetNext, nil, MsgNodeTab, MsgNodeNA)
			if err != nil {
				return nil, err
			}
			if reply.Type == MsgNodeNA {
				t.log.WithField("addr", addr.String()).Debug("node table changed, restarting")
				continue restart
			}
			entry, err := ParseNodeTabEntry(reply.Payload)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		return entries, nil
	}
	return nil, fmt.Errorf("%s: %w", addr, ErrTableChanged)
}

// ReadFeatures reads the complete feature table of addr
func (t *Transport) ReadFeatures(ctx context.Context, addr Address) (map[uint8]uint8, error) {
	defer t.beginSync()()

	msg, err := t.request(ctx, addr, MsgFeatureGetAll, nil, MsgFeatureCount)
	if err != nil {
		return nil, err
	}
	if len(msg.Payload) < 1 {
		return nil, fmt.Errorf("%w: feature count reply without count", ErrTruncatedMessage)
	}

	count := int(msg.Payload[0])
	features := make(map[uint8]uint8, count)
	for i := 0; i <= count; i++ {
		reply, err := t.request(ctx, addr, MsgFeatureGetNext, nil, MsgFeature, MsgFeatureNA)
		if err != nil {
			return features, err
		}
		if reply.Type == MsgFeatureNA {
			break
		}
		if len(reply.Payload) < 2 {
			return features, fmt.Errorf("%w: feature reply of %d bytes", ErrTruncatedMessage, len(reply.Payload))
		}
		features[reply.Payload[0]] = reply.Payload[1]
	}
	return features, nil
}

// Ping sends MSG_SYS_PING with marker and returns the round trip time of the
// matching MSG_SYS_PONG
func (t *Transport) Ping(ctx context.Context, addr Address, marker uint8) (time.Duration, error) {
	defer t.beginSync()()

	start := t.clock.Now()
	msg, err := t.request(ctx, addr, MsgSysPing, []byte{marker}, MsgSysPong)
	if err != nil {
		return 0, err
	}
	if len(msg.Payload) < 1 || msg.Payload[0] != marker {
		return 0, fmt.Errorf("pong from %s with wrong marker", addr)
	}
	return t.clock.Since(start), nil
}
