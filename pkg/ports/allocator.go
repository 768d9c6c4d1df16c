// Package ports hands out ephemeral TCP ports for file transfers and
// presentation sessions. A port is never reused while its transfer is in
// flight.
package ports

import (
	"fmt"
	"sync"

	"github.com/aminofox/lanmeet/pkg/errors"
)

// Allocator manages a contiguous range of ephemeral ports
type Allocator struct {
	// start and end bound the range, inclusive
	start, end int
	// next is where the scan resumes
	next int
	// inUse tracks handed-out ports
	inUse map[int]struct{}
	// mu serializes acquisition so two transfers never share a port
	mu sync.Mutex
}

// NewAllocator creates an allocator over [start, end]
func NewAllocator(start, end int) *Allocator {
	return &Allocator{
		start: start,
		end:   end,
		next:  start,
		inUse: make(map[int]struct{}),
	}
}

// Acquire reserves a free port from the range
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.end {
			a.next = a.start
		}

		if _, taken := a.inUse[port]; !taken {
			a.inUse[port] = struct{}{}
			return port, nil
		}
	}

	return 0, errors.New(errors.ErrCodeNoPortsAvailable,
		fmt.Sprintf("no free ports in range %d-%d", a.start, a.end))
}

// Release returns a port to the pool
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}

// InUse returns the number of reserved ports
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
