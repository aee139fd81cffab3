// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
	enableBus     bool
	monitorRecord string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor bus events, flow control and errors",
	Long: `Run the transport and follow what happens on the bus.

After the handshake (SYS_GET_MAGIC, packet capacity) the node tree is
discovered and, with --enable, spontaneous messages are switched on with
SYS_ENABLE. The monitor then shows:
  - state changes reported by the nodes (occupancy, accessories, boosters)
  - errors (node errors, lost nodes, CRC and sequence errors)
  - the flow control state of every node (stall, outstanding replies)
  - statistics and trends (packet rate, error rate)

By default only errors are listed in the event log. Use --show-all to list
every event.`,
	RunE: runMonitor,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print transport statistics periodically (text mode monitor)",
	RunE: func(cmd *cobra.Command, args []string) error {
		useTUI = false
		return runMonitor(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(statsCmd)
	for _, c := range []*cobra.Command{monitorCmd, statsCmd} {
		c.Flags().BoolVar(&showAll, "show-all", false, "Show all events (not just errors)")
		c.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
		c.Flags().BoolVar(&enableBus, "enable", false, "Send SYS_ENABLE after discovery")
		c.Flags().StringVar(&monitorRecord, "record", "", "Write all traffic to a capture file")
	}
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	var capture *bidib.CaptureWriter
	if monitorRecord != "" {
		f, err := os.Create(monitorRecord)
		if err != nil {
			return fmt.Errorf("create capture: %w", err)
		}
		defer f.Close()
		if capture, err = bidib.NewCaptureWriter(f); err != nil {
			return err
		}
	}

	events := make(chan busEvent, 256)
	emit := func(e busEvent) {
		select {
		case events <- e:
		default:
			// The view is behind; the statistics still count the message
		}
	}

	s, err := openSession(eventHandler{emit: emit}, capture)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	go drainQueues(ctx, s.t, emit)

	go func() {
		if err := startBus(ctx, s); err != nil {
			emit(busEvent{timestamp: time.Now(), message: err.Error(), isError: true})
		}
	}()

	if useTUI {
		return runTUIMode(ctx, s, events)
	}
	return runTextMode(ctx, s, events)
}

// startBus runs the handshake and discovery, then optionally enables
// spontaneous messages
func startBus(ctx context.Context, s *session) error {
	if err := s.handshake(ctx); err != nil {
		return err
	}
	nodes, err := s.t.DiscoverNodes(ctx, bidib.InterfaceAddress)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	appLog.WithField("nodes", len(nodes)).Info("node tree discovered")

	if !enableBus {
		return nil
	}
	if err := s.t.BufferMessageWithoutData(bidib.InterfaceAddress, bidib.MsgSysEnable, 0); err != nil {
		return err
	}
	return s.t.Flush()
}

// runTUIMode runs the monitor in the terminal UI
func runTUIMode(ctx context.Context, s *session, events <-chan busEvent) error {
	m := initialModel(s.connInfo, statsInterval, showAll, s.t)
	p := tea.NewProgram(m)

	go func() {
		for {
			select {
			case <-ctx.Done():
				p.Quit()
				return
			case <-s.t.Done():
				p.Send(busEventMsg{timestamp: time.Now(), message: "connection closed", isError: true})
				return
			case e := <-events:
				p.Send(busEventMsg(e))
			}
		}
	}()

	// Run TUI
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runTextMode runs the monitor in text mode
func runTextMode(ctx context.Context, s *session, events <-chan busEvent) error {
	fmt.Printf("Bidistat - Bus Monitor\n")
	fmt.Printf("Connection: %s\n", s.connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All events\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	// Statistics ticker
	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Print(s.t.Statistics().String())
			return nil

		case <-s.t.Done():
			fmt.Printf("Connection closed\n")
			return nil

		case e := <-events:
			if e.isError {
				fmt.Printf("\033[1;31m%s\033[0m\n", e)
			} else if showAll {
				fmt.Println(e)
			}

		case <-statsTicker.C:
			// Print statistics
			fmt.Println()
			fmt.Print(s.t.Statistics().String())
			printNodeTable(s.t.Nodes().Snapshot())
			fmt.Println()
		}
	}
}

// printNodeTable prints the flow control state of every node
func printNodeTable(nodes []bidib.NodeSnapshot) {
	fmt.Printf("  %-12s %-8s %-9s %-9s %-8s %-7s\n", "Node", "Stalled", "Reserved", "Pending", "Queued", "Seq")
	for _, n := range nodes {
		fmt.Printf("  %-12s %-8t %-9d %-9d %-8d %d/%d\n",
			n.Address, n.Stalled, n.ResponseBytes, n.Pending, n.Queued, n.SendSeq, n.ReceiveSeq)
	}
}
