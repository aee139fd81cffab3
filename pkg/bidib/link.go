// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"errors"
	"io"
	"sync"
)

// ErrLinkClosed is returned when writing to a closed link
var ErrLinkClosed = errors.New("link closed")

// Link is the byte channel to the interface node.
// ReadByte must not block: it returns ok=false when no byte is available.
type Link interface {
	ReadByte() (b byte, ok bool)
	Write(p []byte) (int, error)
}

// doneLink is implemented by links that can report a permanent close
type doneLink interface {
	Done() <-chan struct{}
}

// StreamLink adapts a blocking byte stream (serial port, WebSocket bridge,
// pipe) to the non-blocking Link contract. A reader goroutine moves incoming
// bytes into a buffered channel.
type StreamLink struct {
	rw io.ReadWriteCloser

	bytes  chan byte
	done   chan struct{}
	closed chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	failOnce  sync.Once
	errMu     sync.Mutex
	err       error
}

// NewStreamLink starts reading from rw
func NewStreamLink(rw io.ReadWriteCloser) *StreamLink {
	l := &StreamLink{
		rw:     rw,
		bytes:  make(chan byte, 4096),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *StreamLink) pump() {
	buf := make([]byte, 128)
	for {
		n, err := l.rw.Read(buf)
		for i := 0; i < n; i++ {
			select {
			case l.bytes <- buf[i]:
			case <-l.closed:
				l.fail(ErrLinkClosed)
				return
			}
		}
		if err != nil {
			l.fail(err)
			return
		}
		if n == 0 {
			// Read timeout of a serial port
			select {
			case <-l.closed:
				l.fail(ErrLinkClosed)
				return
			default:
			}
		}
	}
}

func (l *StreamLink) fail(err error) {
	l.failOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()
		close(l.done)
	})
}

// ReadByte returns the next received byte without blocking
func (l *StreamLink) ReadByte() (byte, bool) {
	select {
	case b := <-l.bytes:
		return b, true
	default:
		return 0, false
	}
}

// Write sends p to the underlying stream
func (l *StreamLink) Write(p []byte) (int, error) {
	select {
	case <-l.closed:
		return 0, ErrLinkClosed
	default:
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.rw.Write(p)
}

// Done is closed once the reader goroutine has stopped
func (l *StreamLink) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that stopped the reader goroutine
func (l *StreamLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close closes the underlying stream
func (l *StreamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.rw.Close()
	})
	return err
}
