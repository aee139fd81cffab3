// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

var (
	controlNode    string
	controlType    string
	controlData    string
	controlWait    int
	resetWait      int
	controlEnabled bool
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Send messages to the bus",
	Long: `Control BiDiB nodes by sending single messages through the transport.

Messages go through the same flow control as any other traffic: a message for
a stalled node, or one whose reply would overflow the node's response budget,
is held back and sent as soon as the node is ready.

Supports both serial and WebSocket connections.`,
}

var controlSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message and print the replies",
	Long: `Send one downlink message and print every message received until --wait
expires.

Examples:
  # Query the software version of node 1
  bidistat control send --node 1 --type 0x06

  # Switch accessory 3 to aspect 1
  bidistat control send --node 1.2 --type 0x38 --data "03 01"`,
	RunE: runControlSend,
}

var controlResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the interface and rediscover the node tree",
	Long: `Reset the bus in a safe order: spontaneous messages are disabled, SYS_RESET is
sent, all transport state is cleared, the node tree is discovered again and
spontaneous messages are re-enabled if they were on (or --enable is given).`,
	RunE: runControlReset,
}

func init() {
	rootCmd.AddCommand(controlCmd)
	controlCmd.AddCommand(controlSendCmd)
	controlCmd.AddCommand(controlResetCmd)

	controlSendCmd.Flags().StringVar(&controlNode, "node", "", "Node address, dotted hex (default: the interface)")
	controlSendCmd.Flags().StringVar(&controlType, "type", "", "Message type (e.g. 0x06)")
	controlSendCmd.Flags().StringVar(&controlData, "data", "", "Payload as hex bytes (spaces allowed)")
	controlSendCmd.Flags().IntVar(&controlWait, "wait", 2, "Seconds to wait for replies")
	controlSendCmd.MarkFlagRequired("type")

	controlResetCmd.Flags().BoolVar(&controlEnabled, "enable", false, "Enable spontaneous messages after the reset")
	controlResetCmd.Flags().IntVar(&resetWait, "wait", 10, "Timeout in seconds for the reset")
}

// parseMessageType parses a decimal or 0x-prefixed message type
func parseMessageType(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid message type %q: %w", s, err)
	}
	if bidib.IsUplink(uint8(v)) {
		return 0, fmt.Errorf("message type 0x%02X is an uplink type", v)
	}
	return uint8(v), nil
}

// parsePayload parses hex bytes, ignoring whitespace
func parsePayload(s string) ([]byte, error) {
	data, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, fmt.Errorf("invalid payload %q: %w", s, err)
	}
	return data, nil
}

func runControlSend(cmd *cobra.Command, args []string) error {
	addr, err := bidib.ParseAddress(controlNode)
	if err != nil {
		return err
	}
	msgType, err := parseMessageType(controlType)
	if err != nil {
		return err
	}
	data, err := parsePayload(controlData)
	if err != nil {
		return err
	}

	events := make(chan busEvent, 64)
	emit := func(e busEvent) {
		select {
		case events <- e:
		default:
		}
	}

	s, err := openSession(eventHandler{emit: emit}, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelWait := context.WithTimeout(ctx, time.Duration(controlWait)*time.Second)
	defer cancelWait()

	go drainQueues(ctx, s.t, emit)

	fmt.Printf("Bidistat - Control\n")
	fmt.Printf("Connection: %s\n", s.connInfo)
	fmt.Printf("Sending %s (0x%02X) to %s, %d data bytes\n\n", bidib.FormatMessageType(msgType), msgType, addr, len(data))

	if err := s.t.BufferMessageWithData(addr, msgType, data, 1); err != nil {
		return err
	}
	if err := s.t.Flush(); err != nil {
		return err
	}

	for {
		select {
		case e := <-events:
			fmt.Println(e)
		case <-ctx.Done():
			fmt.Println()
			printNodeTable(s.t.Nodes().Snapshot())
			return nil
		}
	}
}

func runControlReset(cmd *cobra.Command, args []string) error {
	s, err := openSession(nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(resetWait)*time.Second)
	defer cancel()

	if err := s.handshake(ctx); err != nil {
		return err
	}
	if controlEnabled {
		if err := s.t.BufferMessageWithoutData(bidib.InterfaceAddress, bidib.MsgSysEnable, 0); err != nil {
			return err
		}
	}

	fmt.Printf("Resetting %s...\n", s.connInfo)
	if err := s.t.Reset(ctx); err != nil {
		return err
	}
	fmt.Printf("Reset complete, %d nodes known, spontaneous messages %s\n",
		s.t.Nodes().Len(), map[bool]string{true: "enabled", false: "disabled"}[s.t.Enabled()])
	return nil
}
