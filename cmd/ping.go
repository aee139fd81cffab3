// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

var (
	pingTimeout int
	pingCount   int
	pingNode    string
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure round trips with SYS_PING",
	Long: `Send SYS_PING to a node and wait for the matching SYS_PONG.

Each ping carries a marker byte that the node echoes back. The round trip
includes the flow control of the transport, so a stalled node shows up as a
timeout.

This is useful for verifying:
  - the serial port or WebSocket bridge carries traffic both ways
  - HTTP Basic authentication works (WebSocket)
  - a node below a bridge is reachable (--node 1.2)

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
	pingCmd.Flags().StringVar(&pingNode, "node", "", "Node address, dotted hex (default: the interface)")
}

func runPing(cmd *cobra.Command, args []string) error {
	addr, err := bidib.ParseAddress(pingNode)
	if err != nil {
		return err
	}

	s, err := openSession(nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("Bidistat - Ping Test\n")
	fmt.Printf("Connection: %s\n", s.connInfo)
	fmt.Printf("Node: %s\n", addr)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	ctx, cancel := signalContext()
	defer cancel()

	successCount := 0
	failCount := 0
	var total time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		pctx, pcancel := context.WithTimeout(ctx, time.Duration(pingTimeout)*time.Second)
		rtt, err := s.t.Ping(pctx, addr, uint8(i))
		pcancel()

		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		} else {
			fmt.Printf("PONG from %s, marker=%d, rtt=%v\n", addr, uint8(i), rtt.Round(time.Microsecond))
			successCount++
			total += rtt
		}

		if ctx.Err() != nil {
			break
		}
		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	sent := successCount + failCount
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		sent, successCount, float64(failCount)/float64(max(sent, 1))*100)
	if successCount > 0 {
		fmt.Printf("average rtt %v\n", (total / time.Duration(successCount)).Round(time.Microsecond))
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
