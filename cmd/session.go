// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

// session is an open connection with a running transport on top
type session struct {
	link     *bidib.StreamLink
	t        *bidib.Transport
	connInfo string
}

// openSession opens the configured connection and starts a transport.
// handler and capture may be nil.
func openSession(handler bidib.StateHandler, capture *bidib.CaptureWriter) (*session, error) {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return nil, err
	}

	cfg := appConfig.TransportConfig()
	cfg.Logger = appLog.WithField("component", "bidib")
	cfg.Handler = handler
	cfg.Capture = capture

	link := bidib.NewStreamLink(conn)
	t := bidib.New(link, cfg)
	if err := t.Start(context.Background()); err != nil {
		link.Close()
		return nil, err
	}
	return &session{link: link, t: t, connInfo: connInfo}, nil
}

// Close stops the transport and closes the connection
func (s *session) Close() {
	s.t.Stop()
	if err := s.link.Close(); err != nil {
		appLog.WithError(err).Debug("close link")
	}
}

// handshake restarts sequence numbering with the interface and negotiates
// the packet capacity
func (s *session) handshake(ctx context.Context) error {
	if _, err := s.t.GetMagic(ctx, bidib.InterfaceAddress); err != nil {
		return fmt.Errorf("get magic: %w", err)
	}
	capacity, err := s.t.NegotiatePacketCapacity(ctx)
	if err != nil {
		return fmt.Errorf("packet capacity: %w", err)
	}
	appLog.WithField("capacity", capacity).Debug("packet capacity negotiated")
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
