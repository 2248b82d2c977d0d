/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingest

import (
	"fmt"
	"net"
	"sync"

	"github.com/friendsincode/hermod_studio/internal/telemetry"
)

// ErrPortsExhausted is returned when every port in the ingest range is
// either reserved or refused by the OS.
var ErrPortsExhausted = fmt.Errorf("ingest port range exhausted")

// portAllocator hands out listener ports from the configured range. A port
// is reserved until released, and each candidate is probe-bound so ports
// held by other processes are skipped.
type portAllocator struct {
	min, max int

	mu    sync.Mutex
	inUse map[int]bool
	next  int
}

func newPortAllocator(min, max int) *portAllocator {
	return &portAllocator{
		min:   min,
		max:   max,
		inUse: make(map[int]bool),
		next:  min,
	}
}

// Allocate reserves the next free port, probing with an OS-level UDP bind.
// The scan starts after the last allocation and wraps once.
func (a *portAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		candidate := a.min + (a.next-a.min+i)%size
		if a.inUse[candidate] {
			continue
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: candidate})
		if err != nil {
			continue
		}
		conn.Close()
		a.inUse[candidate] = true
		a.next = candidate + 1
		telemetry.IngestPortsInUse.Inc()
		return candidate, nil
	}
	return 0, ErrPortsExhausted
}

// Release returns a port to the pool. Releasing an unallocated port is a
// no-op.
func (a *portAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inUse[port] {
		delete(a.inUse, port)
		telemetry.IngestPortsInUse.Dec()
	}
}

// Allocated reports how many ports are currently reserved.
func (a *portAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
