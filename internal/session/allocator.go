package session

import (
	"errors"
	"math"
	"sync"

	"github.com/afii369/NetspherePirates/internal/protocol"
)

// ErrHostIDsExhausted is returned once the allocator has handed out every id.
var ErrHostIDsExhausted = errors.New("host ids exhausted")

// HostIDAllocator hands out monotonically increasing host ids. Ids are never
// reused, so a stale notification can never be mistaken for a new participant.
type HostIDAllocator struct {
	mu       sync.Mutex
	next     uint64
	reserved map[protocol.HostID]struct{}
}

// NewHostIDAllocator starts allocating at first (or 1 when first is zero),
// skipping every reserved id.
func NewHostIDAllocator(first protocol.HostID, reserved ...protocol.HostID) *HostIDAllocator {
	if first == protocol.HostIDNone {
		first = 1
	}
	a := &HostIDAllocator{
		next:     uint64(first),
		reserved: make(map[protocol.HostID]struct{}, len(reserved)),
	}
	for _, id := range reserved {
		a.reserved[id] = struct{}{}
	}
	return a
}

// Allocate returns the next free host id.
func (a *HostIDAllocator) Allocate() (protocol.HostID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for a.next <= math.MaxUint32 {
		id := protocol.HostID(a.next)
		a.next++
		if _, skip := a.reserved[id]; !skip {
			return id, nil
		}
	}
	return protocol.HostIDNone, ErrHostIDsExhausted
}
