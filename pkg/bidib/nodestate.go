// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// pendingResponse is a request that still waits for its reply
type pendingResponse struct {
	msgType  uint8
	info     ResponseInfo
	created  time.Time
	actionID uint32
}

// nodeState is the flow-control state of a single node
type nodeState struct {
	receiveSeq    uint8
	sendSeq       uint8
	stalled       bool
	responseBytes int
	responses     []pendingResponse
	queued        []Message
	stallAffected []Address
}

func newNodeState() *nodeState {
	return &nodeState{receiveSeq: 1, sendSeq: 1}
}

// nextSeq advances a sequence counter, wrapping 255 to 1 (0 is reserved)
func nextSeq(seq uint8) uint8 {
	if seq == 255 || seq == 0 {
		return 1
	}
	return seq + 1
}

// NodeSnapshot is a point-in-time copy of a node's flow-control state
type NodeSnapshot struct {
	Address       Address
	ReceiveSeq    uint8
	SendSeq       uint8
	Stalled       bool
	ResponseBytes int
	Pending       int
	Queued        int
	StallAffected []Address
}

// NodeTable tracks flow-control state for every known node.
// All methods are safe for concurrent use; state is guarded by a single
// table-wide mutex.
type NodeTable struct {
	mu    sync.Mutex
	nodes map[Address]*nodeState

	responseLimit   int
	responseTimeout time.Duration
	clock           clock.Clock
	log             logrus.FieldLogger

	expired   atomic.Uint64
	seqErrors atomic.Uint64
}

// NewNodeTable creates an empty table. A zero limit or timeout selects the
// default; a nil clock selects the wall clock.
func NewNodeTable(responseLimit int, responseTimeout time.Duration, clk clock.Clock, log logrus.FieldLogger) *NodeTable {
	if responseLimit <= 0 {
		responseLimit = DefaultResponseLimit
	}
	if responseTimeout <= 0 {
		responseTimeout = DefaultResponseTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NodeTable{
		nodes:           make(map[Address]*nodeState),
		responseLimit:   responseLimit,
		responseTimeout: responseTimeout,
		clock:           clk,
		log:             log,
	}
}

// node returns the state for addr, creating it on first reference.
// Caller must hold t.mu.
func (t *NodeTable) node(addr Address) *nodeState {
	n, ok := t.nodes[addr]
	if !ok {
		n = newNodeState()
		t.nodes[addr] = n
	}
	return n
}

// stallReady walks from addr up to the interface. Every stalled node on the
// way remembers addr so that clearing the stall can resume it.
// Caller must hold t.mu.
func (t *NodeTable) stallReady(addr Address) bool {
	ready := true
	cur := addr
	for {
		if n, ok := t.nodes[cur]; ok && n.stalled {
			ready = false
			if !containsAddress(n.stallAffected, addr) {
				n.stallAffected = append(n.stallAffected, addr)
			}
		}
		parent, ok := cur.Parent()
		if !ok {
			break
		}
		cur = parent
	}
	return ready
}

func containsAddress(list []Address, addr Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

// fits reports whether the node can take another reply of the given size
func (t *NodeTable) fits(n *nodeState, info ResponseInfo) bool {
	return n.responseBytes+info.Bytes <= t.responseLimit
}

// reserve books the response budget for a message that is about to be sent.
// Caller must hold t.mu.
func (t *NodeTable) reserve(n *nodeState, msg Message) {
	info := ResponseFor(msg.Type)
	if !info.ExpectsReply() {
		return
	}
	n.responseBytes += info.Bytes
	n.responses = append(n.responses, pendingResponse{
		msgType:  msg.Type,
		info:     info,
		created:  t.clock.Now(),
		actionID: msg.ActionID,
	})
}

// TrySend decides whether msg may be transmitted now.
// It returns true after reserving the response budget; the caller must then
// transmit the message. It returns false after appending msg to the node's
// queue; the caller must not transmit it.
func (t *NodeTable) TrySend(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.node(msg.Address)
	ready := t.stallReady(msg.Address)
	if ready && len(n.queued) == 0 && t.fits(n, ResponseFor(msg.Type)) {
		t.reserve(n, msg)
		return true
	}

	n.queued = append(n.queued, msg)
	t.log.WithFields(logrus.Fields{
		"addr":   msg.Address.String(),
		"type":   FormatMessageType(msg.Type),
		"queued": len(n.queued),
		"stall":  !ready,
	}).Debug("node not ready, message queued")
	return false
}

// StallReady reports whether neither addr nor any of its ancestors is stalled
func (t *NodeTable) StallReady(addr Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stallReady(addr)
}

// Drain releases queued messages of addr in FIFO order for as long as the
// node is ready. Budgets for the released messages are reserved; the caller
// must transmit them in the returned order.
func (t *NodeTable) Drain(addr Address) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[addr]
	if !ok {
		return nil
	}

	var released []Message
	for len(n.queued) > 0 {
		head := n.queued[0]
		if !t.stallReady(addr) || !t.fits(n, ResponseFor(head.Type)) {
			break
		}
		t.reserve(n, head)
		n.queued[0] = Message{}
		n.queued = n.queued[1:]
		released = append(released, head)
	}
	if len(n.queued) == 0 {
		n.queued = nil
	}
	return released
}

// UpdateState resolves the node's oldest pending request with a reply of
// responseType and returns that request's action id (0 if none matched).
//
// When the head does not match, entries older than the response timeout are
// evicted from the head of the queue, releasing their budget, and the match
// is retried once against the new head, so a reply that arrives right after
// a lost one still resolves its own request. Expired entries behind a
// matched head are evicted as well.
func (t *NodeTable) UpdateState(addr Address, responseType uint8) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.node(addr)
	if len(n.responses) == 0 {
		return 0
	}

	if !n.responses[0].info.Accepts(responseType) {
		t.evictExpired(addr, n)
		if len(n.responses) == 0 || !n.responses[0].info.Accepts(responseType) {
			return 0
		}
	}

	head := n.responses[0]
	n.responses = n.responses[1:]
	n.responseBytes -= head.info.Bytes
	t.evictExpired(addr, n)
	return head.actionID
}

// evictExpired drops expired entries from the head of the response queue.
// Caller must hold t.mu.
func (t *NodeTable) evictExpired(addr Address, n *nodeState) int {
	now := t.clock.Now()
	evicted := 0
	for len(n.responses) > 0 {
		head := n.responses[0]
		age := now.Sub(head.created)
		if age < t.responseTimeout {
			break
		}
		n.responses = n.responses[1:]
		n.responseBytes -= head.info.Bytes
		evicted++
		t.expired.Add(1)
		t.log.WithFields(logrus.Fields{
			"addr":   addr.String(),
			"type":   FormatMessageType(head.msgType),
			"action": head.actionID,
			"age":    age,
		}).Error("no response received in time, request dropped")
	}
	return evicted
}

// ExpireAll evicts expired requests on every node and returns the addresses
// that regained budget while holding queued messages, sorted for a stable
// drain order.
func (t *NodeTable) ExpireAll() []Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	var resumable []Address
	for addr, n := range t.nodes {
		if t.evictExpired(addr, n) > 0 && len(n.queued) > 0 {
			resumable = append(resumable, addr)
		}
	}
	sort.Slice(resumable, func(i, j int) bool {
		return string(resumable[i][:]) < string(resumable[j][:])
	})
	return resumable
}

// UpdateStall sets the stall flag of addr. Clearing the stall returns the
// addresses that were held back by it, in the order they were recorded; the
// caller drains each of them.
func (t *NodeTable) UpdateStall(addr Address, stalled bool) []Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.node(addr)
	n.stalled = stalled
	if stalled {
		return nil
	}

	affected := n.stallAffected
	n.stallAffected = nil
	return affected
}

// NextSendSeq returns the send sequence number for addr and advances it
func (t *NodeTable) NextSendSeq(addr Address) uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.node(addr)
	seq := n.sendSeq
	n.sendSeq = nextSeq(seq)
	return seq
}

// NextReceiveSeq returns the expected receive sequence number for addr and
// advances it
func (t *NodeTable) NextReceiveSeq(addr Address) uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.node(addr)
	seq := n.receiveSeq
	n.receiveSeq = nextSeq(seq)
	return seq
}

// ResetSequence restarts both counters of addr, as done by the node after an
// unsequenced (seq 0) request.
func (t *NodeTable) ResetSequence(addr Address) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.node(addr)
	n.sendSeq = 1
	n.receiveSeq = 1
}

// CheckReceiveSeq compares an observed receive sequence number with the
// expected one. Seq 0 disables checking and restarts the counter. On a
// mismatch the counter is resynchronized to the observed value, an error is
// logged and false is returned; the message must still be processed.
func (t *NodeTable) CheckReceiveSeq(addr Address, observed uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.node(addr)
	if observed == 0 {
		n.receiveSeq = 1
		return true
	}

	expected := n.receiveSeq
	n.receiveSeq = nextSeq(observed)
	if observed == expected {
		return true
	}

	t.seqErrors.Add(1)
	t.log.WithFields(logrus.Fields{
		"addr":     addr.String(),
		"expected": expected,
		"observed": observed,
	}).Error("sequence number mismatch, resynchronized")
	return false
}

// ResponseBytes returns the budget currently reserved on addr
func (t *NodeTable) ResponseBytes(addr Address) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n, ok := t.nodes[addr]; ok {
		return n.responseBytes
	}
	return 0
}

// Remove drops addr and every node below it, as done when a node is lost
func (t *NodeTable) Remove(addr Address) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for a := range t.nodes {
		if addr.Contains(a) {
			delete(t.nodes, a)
			removed++
		}
	}
	for _, n := range t.nodes {
		kept := n.stallAffected[:0]
		for _, a := range n.stallAffected {
			if !addr.Contains(a) {
				kept = append(kept, a)
			}
		}
		n.stallAffected = kept
	}
	return removed
}

// Reset drops every node entry
func (t *NodeTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = make(map[Address]*nodeState)
}

// Len returns the number of known nodes
func (t *NodeTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// Snapshot copies the state of every known node, sorted by address
func (t *NodeTable) Snapshot() []NodeSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snaps := make([]NodeSnapshot, 0, len(t.nodes))
	for addr, n := range t.nodes {
		snaps = append(snaps, NodeSnapshot{
			Address:       addr,
			ReceiveSeq:    n.receiveSeq,
			SendSeq:       n.sendSeq,
			Stalled:       n.stalled,
			ResponseBytes: n.responseBytes,
			Pending:       len(n.responses),
			Queued:        len(n.queued),
			StallAffected: append([]Address(nil), n.stallAffected...),
		})
	}
	sort.Slice(snaps, func(i, j int) bool {
		return string(snaps[i].Address[:]) < string(snaps[j].Address[:])
	})
	return snaps
}

// pendingBytes sums the reserved budgets of the response queue.
// Used by tests to check budget conservation. Caller must hold t.mu.
func (n *nodeState) pendingBytes() int {
	sum := 0
	for _, r := range n.responses {
		sum += r.info.Bytes
	}
	return sum
}
