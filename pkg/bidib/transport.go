// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotRunning is returned by operations that need the receive loop
	ErrNotRunning = errors.New("transport not running")
	// ErrAlreadyRunning is returned by Start on a transport that was
	// already started. A transport is not restartable.
	ErrAlreadyRunning = errors.New("transport already started")
)

// Config configures a Transport. Zero values select the defaults.
type Config struct {
	PacketCapacity  int           // max packet payload, capped at MaxPacketCapacity
	ResponseLimit   int           // per-node outstanding response budget in bytes
	ResponseTimeout time.Duration // pending requests older than this are dropped
	QueueCapacity   int           // capacity of each uplink queue
	FlushInterval   time.Duration // auto-flush period, 0 disables auto-flush
	ReadBackoff     time.Duration // sleep when no byte is available

	Clock   clock.Clock
	Handler StateHandler
	Logger  logrus.FieldLogger
	Capture *CaptureWriter
}

// DefaultConfig returns the default transport configuration
func DefaultConfig() Config {
	return Config{
		PacketCapacity:  DefaultPacketCapacity,
		ResponseLimit:   DefaultResponseLimit,
		ResponseTimeout: DefaultResponseTimeout,
		QueueCapacity:   DefaultQueueCapacity,
		ReadBackoff:     DefaultReadBackoff,
	}
}

func (c *Config) applyDefaults() {
	if c.PacketCapacity <= 0 || c.PacketCapacity > MaxPacketCapacity {
		c.PacketCapacity = DefaultPacketCapacity
	}
	if c.ResponseLimit <= 0 {
		c.ResponseLimit = DefaultResponseLimit
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.ReadBackoff <= 0 {
		c.ReadBackoff = DefaultReadBackoff
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Handler == nil {
		c.Handler = NopStateHandler{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger().WithField("component", "bidib")
	}
}

// Transport is the host side of a BiDiB connection: the send pipeline, the
// receive pipeline, the node flow-control table and the uplink queues.
type Transport struct {
	link    Link
	cfg     Config
	log     logrus.FieldLogger
	clock   clock.Clock
	handler StateHandler
	capture *CaptureWriter

	nodes  *NodeTable
	normal *MessageQueue
	errors *MessageQueue
	intern *MessageQueue

	// Packet buffer, guarded by bufMu. Lock order: bufMu before the node
	// table lock; never the reverse.
	bufMu    sync.Mutex
	buffer   []byte
	capacity int
	wireBuf  []byte
	captured []Message // transmitted, not yet written to the capture

	started    atomic.Bool
	running    atomic.Bool
	enabled    atomic.Bool
	syncActive atomic.Int32
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	recvDone   chan struct{}

	startTime time.Time
	counters  counters
}

// New creates a transport on link. Call Start to run the receive loop.
func New(link Link, cfg Config) *Transport {
	cfg.applyDefaults()
	t := &Transport{
		link:      link,
		cfg:       cfg,
		log:       cfg.Logger,
		clock:     cfg.Clock,
		handler:   cfg.Handler,
		capture:   cfg.Capture,
		nodes:     NewNodeTable(cfg.ResponseLimit, cfg.ResponseTimeout, cfg.Clock, cfg.Logger),
		normal:    NewMessageQueue("normal", cfg.QueueCapacity, cfg.Logger),
		errors:    NewMessageQueue("error", cfg.QueueCapacity, cfg.Logger),
		intern:    NewMessageQueue("intern", cfg.QueueCapacity, cfg.Logger),
		buffer:    make([]byte, 0, MaxPacketCapacity+MaxMessageLength),
		capacity:  cfg.PacketCapacity,
		wireBuf:   make([]byte, 0, 2*MaxPacketCapacity+4),
		recvDone:  make(chan struct{}),
		startTime: cfg.Clock.Now(),
	}
	return t
}

// Start runs the receive loop, the response expiry sweep and, if
// configured, the auto-flush loop until ctx is done or Stop is called.
func (t *Transport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	// Everything Stop relies on is in place before running is published
	loops := 2
	if t.cfg.FlushInterval > 0 {
		loops++
	}
	t.wg.Add(loops)
	t.running.Store(true)

	go t.receiveLoop(ctx)
	go t.expiryLoop(ctx)
	if t.cfg.FlushInterval > 0 {
		go t.flushLoop(ctx)
	}

	t.log.WithFields(logrus.Fields{
		"capacity":       t.cfg.PacketCapacity,
		"response_limit": t.cfg.ResponseLimit,
		"flush_interval": t.cfg.FlushInterval,
	}).Info("transport started")
	return nil
}

// Stop clears the running flag and waits for the background loops to exit.
// Buffered but unflushed messages are flushed first.
func (t *Transport) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	if err := t.Flush(); err != nil {
		t.log.WithError(err).Warn("final flush failed")
	}
	t.cancel()
	t.wg.Wait()
	t.log.Info("transport stopped")
}

// Done is closed when the receive loop exits, either after Stop or because
// the link was closed
func (t *Transport) Done() <-chan struct{} {
	return t.recvDone
}

// Enabled reports whether MSG_SYS_ENABLE was the last of enable/disable sent
func (t *Transport) Enabled() bool {
	return t.enabled.Load()
}

// Running reports whether the receive loop is active
func (t *Transport) Running() bool {
	return t.running.Load()
}

// Nodes returns the node flow-control table
func (t *Transport) Nodes() *NodeTable {
	return t.nodes
}

// ReadMessage pops the oldest informational uplink message
func (t *Transport) ReadMessage() (Message, bool) {
	return t.normal.Pop()
}

// ReadErrorMessage pops the oldest error message
func (t *Transport) ReadErrorMessage() (Message, bool) {
	return t.errors.Pop()
}

// ReadInternMessage pops the oldest message of the intern queue used by the
// synchronous helpers
func (t *Transport) ReadInternMessage() (Message, bool) {
	return t.intern.Pop()
}

// MessageQueue returns the normal uplink queue (for waiting on Notify)
func (t *Transport) MessageQueue() *MessageQueue {
	return t.normal
}

// ErrorQueue returns the error queue (for waiting on Notify)
func (t *Transport) ErrorQueue() *MessageQueue {
	return t.errors
}

// NodeStateTableReset drops the flow-control state of every node
func (t *Transport) NodeStateTableReset() {
	t.nodes.Reset()
	t.log.Debug("node state table reset")
}

// resetSettle is how long the interface gets to come back after MSG_SYS_RESET
const resetSettle = 500 * time.Millisecond

// Reset performs a protocol-level reset: traffic is disabled, the interface
// is reset, buffers, queues and the node table are cleared, the node tree is
// discovered again and traffic is re-enabled if it was enabled before.
//
// MSG_SYS_DISABLE and MSG_SYS_RESET must reach the wire. If flow control
// holds either back (a stalled interface), Reset fails with ErrDeferred and
// leaves all state in place; the held message goes out once the interface
// resumes.
func (t *Transport) Reset(ctx context.Context) error {
	wasEnabled := t.enabled.Load()

	if err := t.sendNow(InterfaceAddress, MsgSysDisable); err != nil {
		return fmt.Errorf("reset: disable: %w", err)
	}
	if err := t.sendNow(InterfaceAddress, MsgSysReset); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	t.bufMu.Lock()
	t.buffer = t.buffer[:0]
	t.capacity = t.cfg.PacketCapacity
	captured := t.takeCapturedLocked()
	t.bufMu.Unlock()
	t.writeCaptured(captured)

	t.normal.Reset()
	t.errors.Reset()
	t.intern.Reset()
	t.NodeStateTableReset()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.clock.After(resetSettle):
	}

	if _, err := t.DiscoverNodes(ctx, InterfaceAddress); err != nil {
		return fmt.Errorf("reset: discovery: %w", err)
	}

	if wasEnabled {
		if err := t.BufferMessageWithoutData(InterfaceAddress, MsgSysEnable, 0); err != nil {
			return fmt.Errorf("reset: enable: %w", err)
		}
		return t.Flush()
	}
	return nil
}

// expiryLoop evicts requests whose reply never arrived and resumes nodes
// that were only blocked by the reserved budget
func (t *Transport) expiryLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := t.clock.Ticker(t.cfg.ResponseTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if resumable := t.nodes.ExpireAll(); len(resumable) > 0 {
				t.tryQueuedMessages(resumable...)
			}
		}
	}
}

// flushLoop flushes the packet buffer on a fixed interval
func (t *Transport) flushLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := t.clock.Ticker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Flush(); err != nil {
				t.log.WithError(err).Error("auto-flush failed")
			}
		}
	}
}
