// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid BiDiB packet",
	Long: `Wait for a valid BiDiB packet on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any valid
BiDiB packet. It ignores invalid bytes and waits for a complete, valid packet
(passing the CRC check). Nothing is sent, so the bus must already be active.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a valid packet
  2 - Connection error

Useful for testing connectivity to an interface or a WebSocket bridge.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Bidistat - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid BiDiB packet...\n\n")

	decoder := bidib.NewPacketDecoder()
	buf := make([]byte, 128)

	// Channel for packet reception
	packetChan := make(chan []bidib.Message, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		invalidBytes := 0
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			for i := 0; i < n; i++ {
				payload, decodeErr := decoder.DecodeByte(buf[i])
				if decodeErr != nil {
					// Ignore decode errors, just count invalid bytes
					invalidBytes++
					continue
				}
				if payload == nil {
					continue
				}
				msgs, splitErr := bidib.SplitPacket(payload)
				if splitErr != nil || len(msgs) == 0 {
					invalidBytes += len(payload)
					continue
				}
				if invalidBytes > 0 {
					fmt.Printf("(skipped %d invalid bytes before sync)\n", invalidBytes)
				}
				packetChan <- msgs
				return
			}
		}
	}()

	// Wait for packet or timeout
	select {
	case msgs := <-packetChan:
		fmt.Printf("SUCCESS: Received valid packet with %d message(s)\n", len(msgs))
		for _, msg := range msgs {
			fmt.Printf("  Type: %s (0x%02X)\n", bidib.FormatMessageType(msg.Type), msg.Type)
			fmt.Printf("  Address: %s\n", msg.Address)
			fmt.Printf("  Sequence: %d\n", msg.Seq)
			fmt.Printf("  Length: %d bytes\n", len(msg.Payload))
		}
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid packet received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
