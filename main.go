// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Bidistat - BiDiB Host Transport Analyzer
//
// A CLI tool for talking to BiDiB interfaces, discovering the node tree and
// monitoring bus traffic and flow control in human-readable format.

package main

import (
	"os"

	"github.com/Thermoquad/bidistat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
