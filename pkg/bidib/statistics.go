// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Statistics is a snapshot of transport counters
type Statistics struct {
	StartTime time.Time
	Duration  time.Duration

	// Receive side
	BytesIn          uint64
	TotalPackets     uint64
	ValidPackets     uint64
	CRCErrors        uint64
	DecodeErrors     uint64
	MessagesIn       uint64
	SequenceErrors   uint64
	ValidationErrors uint64

	// Send side
	BytesOut    uint64
	PacketsOut  uint64
	MessagesOut uint64
	Deferred    uint64 // messages held back by flow control
	WriteErrors uint64

	// Flow control and queues
	ResponseTimeouts uint64
	QueueDrops       uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// TotalErrors sums every error counter
func (s Statistics) TotalErrors() uint64 {
	return s.CRCErrors + s.DecodeErrors + s.SequenceErrors + s.ResponseTimeouts + s.WriteErrors
}

// String returns a formatted statistics summary
func (s Statistics) String() string {
	var validPercent float64
	if s.TotalPackets > 0 {
		validPercent = float64(s.ValidPackets) * 100.0 / float64(s.TotalPackets)
	}

	return fmt.Sprintf(`Statistics (%s):
  Packets in:  %d (valid %d, %.1f%%)  rate %.1f pkts/s
  Messages:    in %d, out %d in %d packets, deferred %d
  Bytes:       in %d, out %d
  Errors:      CRC %d, decode %d, sequence %d, timeouts %d, write %d  rate %.2f err/s
  Validation:  %d
  Queue drops: %d
`,
		s.Duration.Round(time.Second),
		s.TotalPackets, s.ValidPackets, validPercent, s.PacketRate,
		s.MessagesIn, s.MessagesOut, s.PacketsOut, s.Deferred,
		s.BytesIn, s.BytesOut,
		s.CRCErrors, s.DecodeErrors, s.SequenceErrors, s.ResponseTimeouts, s.WriteErrors, s.ErrorRate,
		s.ValidationErrors,
		s.QueueDrops,
	)
}

// counters are the live transport counters
type counters struct {
	bytesIn          atomic.Uint64
	totalPackets     atomic.Uint64
	validPackets     atomic.Uint64
	crcErrors        atomic.Uint64
	decodeErrors     atomic.Uint64
	messagesIn       atomic.Uint64
	validationErrors atomic.Uint64
	bytesOut         atomic.Uint64
	packetsOut       atomic.Uint64
	messagesOut      atomic.Uint64
	deferred         atomic.Uint64
	writeErrors      atomic.Uint64
}

// Statistics returns a snapshot of the transport counters with rates
// calculated since the transport was created
func (t *Transport) Statistics() Statistics {
	c := &t.counters
	s := Statistics{
		StartTime:        t.startTime,
		BytesIn:          c.bytesIn.Load(),
		TotalPackets:     c.totalPackets.Load(),
		ValidPackets:     c.validPackets.Load(),
		CRCErrors:        c.crcErrors.Load(),
		DecodeErrors:     c.decodeErrors.Load(),
		MessagesIn:       c.messagesIn.Load(),
		SequenceErrors:   t.nodes.seqErrors.Load(),
		ValidationErrors: c.validationErrors.Load(),
		BytesOut:         c.bytesOut.Load(),
		PacketsOut:       c.packetsOut.Load(),
		MessagesOut:      c.messagesOut.Load(),
		Deferred:         c.deferred.Load(),
		WriteErrors:      c.writeErrors.Load(),
		ResponseTimeouts: t.nodes.expired.Load(),
		QueueDrops:       t.normal.Dropped() + t.errors.Dropped() + t.intern.Dropped(),
	}

	s.Duration = t.clock.Since(t.startTime)
	if secs := s.Duration.Seconds(); secs > 0 {
		s.PacketRate = float64(s.TotalPackets) / secs
		s.ErrorRate = float64(s.TotalErrors()) / secs
	}
	return s
}
