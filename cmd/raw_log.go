// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

var (
	rawLogRecord string
	rawLogReplay string
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw message log in human-readable format",
	Long: `Continuously decode and display BiDiB messages as they arrive.

Each packet is checked (framing and CRC) and split into its messages; every
message is shown with timestamp, address, sequence number, message type and
decoded payload. Nothing is sent to the bus.

Use --record to also write the messages to a capture file, and --replay to
display a capture file instead of opening a connection.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringVar(&rawLogRecord, "record", "", "Write received messages to a capture file")
	rawLogCmd.Flags().StringVar(&rawLogReplay, "replay", "", "Display a capture file instead of live traffic")
	rawLogCmd.MarkFlagsMutuallyExclusive("record", "replay")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	if rawLogReplay != "" {
		return replayCapture(rawLogReplay)
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	var capture *bidib.CaptureWriter
	if rawLogRecord != "" {
		f, err := os.Create(rawLogRecord)
		if err != nil {
			return fmt.Errorf("create capture: %w", err)
		}
		defer f.Close()
		capture, err = bidib.NewCaptureWriter(f)
		if err != nil {
			return err
		}
	}

	fmt.Printf("Bidistat - Raw Message Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	if capture != nil {
		fmt.Printf("Recording: %s (session %s)\n", rawLogRecord, capture.Session())
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := bidib.NewPacketDecoder()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			// For WebSocket connections, a read error usually means
			// the connection is permanently closed - exit gracefully
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				appLog.Info("Connection closed")
				return nil
			}
			appLog.WithError(err).Warn("Read error")
			continue
		}

		for i := 0; i < n; i++ {
			payload, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if payload == nil {
				continue
			}
			printPacket(payload, capture)
		}
	}
}

// printPacket prints every message of one decoded packet
func printPacket(payload []byte, capture *bidib.CaptureWriter) {
	now := time.Now()
	msgs, err := bidib.SplitPacket(payload)
	for _, msg := range msgs {
		msg.Timestamp = now
		fmt.Print(bidib.FormatMessage(msg))
		if capture != nil {
			if err := capture.Write(bidib.DirectionUp, msg); err != nil {
				appLog.WithError(err).Warn("capture write failed")
			}
		}
	}
	if err != nil {
		fmt.Printf("[ERROR] %v (packet %X)\n", err, payload)
	}
}

// replayCapture prints the records of a capture file
func replayCapture(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	r := bidib.NewCaptureReader(f)
	count := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if count == 0 {
			fmt.Printf("Bidistat - Capture Replay\n")
			fmt.Printf("Session: %s\n\n", rec.Session)
		}
		fmt.Printf("%s ", rec.Direction)
		fmt.Print(bidib.FormatMessage(rec.Message()))
		count++
	}
	fmt.Printf("\n%d messages\n", count)
	return nil
}
