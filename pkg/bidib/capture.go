// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Direction tells whether a captured message was sent or received
type Direction uint8

const (
	DirectionUp   Direction = 1 // node → host
	DirectionDown Direction = 2 // host → node
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "RX"
	case DirectionDown:
		return "TX"
	default:
		return "??"
	}
}

// CaptureRecord is one captured message. Records are stored as a stream of
// CBOR maps with integer keys.
type CaptureRecord struct {
	Session   uuid.UUID `cbor:"1,keyasint"`
	Time      time.Time `cbor:"2,keyasint"`
	Direction Direction `cbor:"3,keyasint"`
	Address   Address   `cbor:"4,keyasint"`
	Seq       uint8     `cbor:"5,keyasint"`
	Type      uint8     `cbor:"6,keyasint"`
	Payload   []byte    `cbor:"7,keyasint,omitempty"`
	ActionID  uint32    `cbor:"8,keyasint,omitempty"`
}

// Message converts the record back into a Message
func (r CaptureRecord) Message() Message {
	return Message{
		Type:      r.Type,
		Address:   r.Address,
		Seq:       r.Seq,
		Payload:   r.Payload,
		ActionID:  r.ActionID,
		Timestamp: r.Time,
	}
}

// CaptureWriter appends captured messages to a stream. Safe for concurrent
// use by the send and receive pipelines.
type CaptureWriter struct {
	mu      sync.Mutex
	enc     *cbor.Encoder
	session uuid.UUID
	count   uint64
}

// NewCaptureWriter starts a capture session writing to w
func NewCaptureWriter(w io.Writer) (*CaptureWriter, error) {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("capture encoder: %w", err)
	}
	return &CaptureWriter{
		enc:     em.NewEncoder(w),
		session: uuid.New(),
	}, nil
}

// Session returns the id stamped on every record of this capture
func (c *CaptureWriter) Session() uuid.UUID {
	return c.session
}

// Count returns the number of records written
func (c *CaptureWriter) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Write records msg
func (c *CaptureWriter) Write(dir Direction, msg Message) error {
	rec := CaptureRecord{
		Session:   c.session,
		Time:      msg.Timestamp,
		Direction: dir,
		Address:   msg.Address,
		Seq:       msg.Seq,
		Type:      msg.Type,
		Payload:   msg.Payload,
		ActionID:  msg.ActionID,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(rec); err != nil {
		return fmt.Errorf("capture record: %w", err)
	}
	c.count++
	return nil
}

// CaptureReader reads records written by a CaptureWriter
type CaptureReader struct {
	dec *cbor.Decoder
}

// NewCaptureReader reads a capture stream from r
func NewCaptureReader(r io.Reader) *CaptureReader {
	return &CaptureReader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the stream
func (c *CaptureReader) Next() (CaptureRecord, error) {
	var rec CaptureRecord
	if err := c.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return rec, io.EOF
		}
		return rec, fmt.Errorf("capture record: %w", err)
	}
	return rec, nil
}
