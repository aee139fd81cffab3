// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

var (
	discoveryTimeout  int
	discoveryFeatures bool
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Discover the BiDiB node tree via serial or WebSocket",
	Long: `Read the node tables of the interface and of every bridge node below it.

The command first sends SYS_GET_MAGIC to the interface (which also restarts
sequence numbering), negotiates the packet capacity, then reads the node
tables with NODETAB_GETALL / NODETAB_GETNEXT. A table that changes while it
is read is read again.

With --features the feature table of every node is read as well.

Examples:
  # Direct serial discovery
  bidistat discovery --port /dev/ttyUSB0

  # WebSocket bridge discovery with features
  bidistat discovery --url ws://bridge.local/bidib --features

Exit codes:
  0 - Discovery successful (at least one node found)
  1 - Discovery failed (no nodes or timeout)
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 10, "Timeout in seconds for the whole discovery")
	discoveryCmd.Flags().BoolVar(&discoveryFeatures, "features", false, "Read the feature table of every node")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	s, err := openSession(nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("Bidistat - Node Discovery\n")
	fmt.Printf("Connection: %s\n", s.connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(discoveryTimeout)*time.Second)
	defer cancel()

	if err := s.handshake(ctx); err != nil {
		fmt.Printf("HANDSHAKE FAILED: %v\n", err)
		os.Exit(1)
	}

	nodes, err := s.t.DiscoverNodes(ctx, bidib.InterfaceAddress)
	if err != nil {
		fmt.Printf("DISCOVERY FAILED: %v\n", err)
	}

	for _, n := range nodes {
		indent := strings.Repeat("  ", n.Address.Depth())
		fmt.Printf("%sNode %s\n", indent, n.Address)
		fmt.Printf("%s  Unique ID: %s\n", indent, bidib.FormatUniqueID(n.Entry.UniqueID[:]))
		fmt.Printf("%s  Classes: %s\n", indent, formatClasses(n.Entry.Class()))

		if !discoveryFeatures {
			continue
		}
		features, err := s.t.ReadFeatures(ctx, n.Address)
		if err != nil {
			fmt.Printf("%s  Features: read failed: %v\n", indent, err)
			continue
		}
		fmt.Printf("%s  Features: %d\n", indent, len(features))
		for num := 0; num < 256; num++ {
			if v, ok := features[uint8(num)]; ok {
				fmt.Printf("%s    %3d = %d\n", indent, num, v)
			}
		}
	}

	// Summary
	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Nodes found: %d\n", len(nodes))

	if len(nodes) == 0 {
		fmt.Printf("No nodes discovered. Check connection and interface power.\n")
		os.Exit(1)
	}
	return nil
}

// formatClasses lists the class bits of a unique id
func formatClasses(class uint8) string {
	names := []struct {
		bit  uint8
		name string
	}{
		{bidib.ClassSwitch, "switch"},
		{bidib.ClassBooster, "booster"},
		{bidib.ClassAccessory, "accessory"},
		{bidib.ClassDCCProg, "dcc-prog"},
		{bidib.ClassDCCMain, "dcc-main"},
		{bidib.ClassUI, "ui"},
		{bidib.ClassOccupancy, "occupancy"},
		{bidib.ClassBridge, "bridge"},
	}
	var parts []string
	for _, n := range names {
		if class&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
