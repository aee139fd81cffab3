// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamLink_ReadByteDoesNotBlock(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	l := NewStreamLink(local)
	defer l.Close()

	_, ok := l.ReadByte()
	assert.False(t, ok)

	go remote.Write([]byte{0xFE, 0x01})

	var got []byte
	require.Eventually(t, func() bool {
		for {
			b, ok := l.ReadByte()
			if !ok {
				break
			}
			got = append(got, b)
		}
		return len(got) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []byte{0xFE, 0x01}, got)
}

func TestStreamLink_Write(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	l := NewStreamLink(local)
	defer l.Close()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 8)
		n, _ := io.ReadFull(remote, buf[:3])
		done <- buf[:n]
	}()

	n, err := l.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, <-done)
}

func TestStreamLink_RemoteClose(t *testing.T) {
	local, remote := net.Pipe()
	l := NewStreamLink(local)
	defer l.Close()

	remote.Close()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("link not done after remote close")
	}
	assert.Error(t, l.Err())
}

func TestStreamLink_WriteAfterClose(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	l := NewStreamLink(local)

	require.NoError(t, l.Close())
	_, err := l.Write([]byte{1})
	assert.ErrorIs(t, err, ErrLinkClosed)
	assert.NoError(t, l.Close(), "second close is a no-op")
}

// timeoutStream behaves like a serial port with a read timeout: Read
// returns (0, nil) when nothing arrived, and Close does not unblock it
type timeoutStream struct{}

func (timeoutStream) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (timeoutStream) Write(p []byte) (int, error) { return len(p), nil }
func (timeoutStream) Close() error { return nil }

func TestStreamLink_CloseStopsTimeoutReads(t *testing.T) {
	l := NewStreamLink(timeoutStream{})
	_, ok := l.ReadByte()
	assert.False(t, ok)

	require.NoError(t, l.Close())
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("reader goroutine kept polling after Close")
	}
	assert.ErrorIs(t, l.Err(), ErrLinkClosed)
}

func TestTransport_OverStreamLink(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	l := NewStreamLink(local)
	defer l.Close()

	tt := newTestTransport(t, nil)
	tt.Transport = New(l, tt.cfg)
	tt.start(t)

	// Node side: answer the ping written by the transport
	go func() {
		d := NewPacketDecoder()
		buf := make([]byte, 64)
		for {
			n, err := remote.Read(buf)
			if err != nil {
				return
			}
			for _, b := range buf[:n] {
				payload, _ := d.DecodeByte(b)
				if payload == nil {
					continue
				}
				msgs, _ := SplitPacket(payload)
				for _, m := range msgs {
					if m.Type == MsgSysPing {
						wire, _ := EncodeMessages(uplink(m.Address, 1, MsgSysPong, m.Payload...))
						remote.Write(wire)
					}
				}
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := tt.Ping(ctx, InterfaceAddress, 0x33)
	require.NoError(t, err)
}
