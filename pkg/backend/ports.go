package backend

import (
	"fmt"
	"net"
	"sync"

	"github.com/lemonade-sdk/lemonade-router/pkg/apierrors"
)

const (
	// BasePort is the first port probed for a new slot, per §5 of the spec.
	BasePort = 8001
	// PortRangeSize bounds how far above BasePort allocation will search.
	PortRangeSize = 2000
)

// PortAllocator hands out loopback TCP ports for backend subprocesses,
// probing freeness with a real net.Listen round-trip rather than trusting an
// in-memory reservation alone.
type PortAllocator struct {
	mu   sync.Mutex
	used map[int]string // port -> slot name
}

// NewPortAllocator creates an allocator starting from BasePort.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{used: make(map[int]string)}
}

// Allocate reserves a free port for slotName, scanning upward from BasePort.
func (a *PortAllocator) Allocate(slotName string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := BasePort; port < BasePort+PortRangeSize; port++ {
		if _, taken := a.used[port]; taken {
			continue
		}
		if !checkPortAvailable(port) {
			continue
		}
		a.used[port] = slotName
		return port, nil
	}
	return 0, apierrors.New(apierrors.NoFreePort, "no free port in range %d-%d", BasePort, BasePort+PortRangeSize-1)
}

// Release frees port so a later Allocate may hand it out again.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

func checkPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
