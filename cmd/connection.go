// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/bidistat/internal/config"
)

const (
	// serialReadTimeout bounds a blocking port read so that the reader
	// goroutine of the link notices a close
	serialReadTimeout = 100 * time.Millisecond

	wsHandshakeTimeout = 10 * time.Second
	wsDialTimeout      = 15 * time.Second
	wsWriteTimeout     = 5 * time.Second

	passwordEnv = "BIDISTAT_PASSWORD"
)

// Connection is the byte stream to a BiDiB interface, either a serial port
// or a WebSocket bridge
type Connection = io.ReadWriteCloser

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// OpenSerialConnection opens portName as 8N1 with a read timeout. Bytes that
// arrived before the open are discarded.
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial port %s: read timeout: %w", portName, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		appLog.WithError(err).WithField("port", portName).Debug("input buffer not reset")
	}
	return port, nil
}

// wsStream carries BiDiB packets in binary WebSocket frames. Frames of any
// other type are skipped.
type wsStream struct {
	conn   *websocket.Conn
	frame  io.Reader
	closed bool
}

func (w *wsStream) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}
	for {
		if w.frame == nil {
			msgType, r, err := w.conn.NextReader()
			if err != nil {
				w.closed = true
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			w.frame = r
		}

		n, err := w.frame.Read(p)
		if errors.Is(err, io.EOF) {
			w.frame = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *wsStream) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return 0, err
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}

// basicAuth builds an HTTP Basic Authorization header value
func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// OpenWebSocketConnection dials a ws:// or wss:// bridge, authenticating
// with HTTP Basic auth when a username is given
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wsHandshakeTimeout,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipSSLVerify}
	}

	headers := http.Header{}
	if username != "" {
		headers.Set("Authorization", basicAuth(username, password))
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsDialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

// GetPassword returns the WebSocket password from BIDISTAT_PASSWORD, or asks
// for it on stderr. Input is hidden when stdin is a terminal.
func GetPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// describeConnection is the one-line summary printed by the commands
func describeConnection(c config.Connection) string {
	if c.URL != "" {
		return "WebSocket: " + c.URL
	}
	return fmt.Sprintf("Serial: %s @ %d baud", c.Port, c.Baud)
}

// OpenConnection opens the connection selected by the resolved settings.
// A WebSocket URL takes precedence over a serial port.
func OpenConnection() (Connection, string, error) {
	c := appConfig.Connection

	var (
		conn Connection
		err  error
	)
	switch {
	case c.URL != "":
		var password string
		if c.Username != "" {
			if password, err = GetPassword(); err != nil {
				return nil, "", err
			}
		}
		conn, err = OpenWebSocketConnection(c.URL, c.Username, password, c.NoSSLVerify)
	case c.Port != "":
		conn, err = OpenSerialConnection(c.Port, c.Baud)
	default:
		return nil, "", errors.New("either --port or --url must be specified")
	}
	if err != nil {
		return nil, "", err
	}
	return conn, describeConnection(c), nil
}
