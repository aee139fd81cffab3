// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a hierarchical node address (address stack).
// Each non-zero byte selects a sub-node of the previous level; the first zero
// byte terminates the stack. The zero Address is the interface node itself.
type Address [AddressSize]byte

// InterfaceAddress addresses the interface node at the root of the tree
var InterfaceAddress = Address{}

// IsRoot returns true for the interface address
func (a Address) IsRoot() bool {
	return a == InterfaceAddress
}

// Depth returns the number of significant stack bytes
func (a Address) Depth() int {
	for i, b := range a {
		if b == 0 {
			return i
		}
	}
	return AddressSize
}

// Parent returns the address of the node one level up.
// The interface address has no parent.
func (a Address) Parent() (Address, bool) {
	depth := a.Depth()
	if depth == 0 {
		return a, false
	}
	parent := a
	parent[depth-1] = 0
	return parent, true
}

// Child returns the address of local sub-node n below a
func (a Address) Child(n byte) (Address, error) {
	depth := a.Depth()
	if depth >= AddressSize-1 {
		return a, fmt.Errorf("address %s: stack full", a)
	}
	child := a
	child[depth] = n
	return child, nil
}

// Contains returns true if other is a or one of its descendants
func (a Address) Contains(other Address) bool {
	depth := a.Depth()
	return other.Depth() >= depth && string(other[:depth]) == string(a[:depth])
}

// Stack returns the wire encoding: significant bytes followed by the
// terminating zero. A full four-byte stack carries no terminator.
func (a Address) Stack() []byte {
	depth := a.Depth()
	if depth == AddressSize {
		return a[:]
	}
	stack := make([]byte, depth+1)
	copy(stack, a[:depth])
	return stack
}

// String formats the address as dotted hex bytes, e.g. "01.02.00.00"
func (a Address) String() string {
	return fmt.Sprintf("%02X.%02X.%02X.%02X", a[0], a[1], a[2], a[3])
}

// ParseAddress parses a dotted address ("1.2", "01.02.00.00") with hex
// components. The empty string and "0" are the interface address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	s = strings.TrimSpace(s)
	if s == "" {
		return addr, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) > AddressSize {
		return addr, fmt.Errorf("invalid address %q: more than %d components", s, AddressSize)
	}
	terminated := false
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("invalid address %q: %w", s, err)
		}
		if v == 0 {
			terminated = true
			continue
		}
		if terminated {
			return addr, fmt.Errorf("invalid address %q: non-zero component after terminator", s)
		}
		addr[i] = byte(v)
	}
	return addr, nil
}
