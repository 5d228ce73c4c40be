package docker

import (
	"errors"
	"sync"
)

var ErrNoAvailablePort = errors.New("no available port")

// PortAllocator hands out host ports from a fixed range.
type PortAllocator struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	usedPorts []bool
}

// NewPortAllocator returns nil when the range is empty, which leaves port
// selection to the engine.
func NewPortAllocator(minPort, maxPort int) *PortAllocator {
	if minPort <= 0 || maxPort < minPort {
		return nil
	}
	return &PortAllocator{
		minPort:   minPort,
		maxPort:   maxPort,
		usedPorts: make([]bool, maxPort-minPort+1),
	}
}

func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, inuse := range a.usedPorts {
		if !inuse {
			a.usedPorts[i] = true
			return i + a.minPort, nil
		}
	}

	return 0, ErrNoAvailablePort
}

// Reserve marks p as taken. It reports false when p is outside the range.
func (a *PortAllocator) Reserve(p int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p < a.minPort || p > a.maxPort {
		return false
	}
	a.usedPorts[p-a.minPort] = true
	return true
}

func (a *PortAllocator) Release(p int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p < a.minPort || p > a.maxPort {
		return
	}

	a.usedPorts[p-a.minPort] = false
}

func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, inuse := range a.usedPorts {
		if inuse {
			n++
		}
	}
	return n
}
