package topology

import "errors"

// ErrAllocatorUnreset is returned when an allocator is queried before
// Reset has been called for the current compilation run.
var ErrAllocatorUnreset = errors.New("address allocator used before reset")

// AddressAllocator issues sequential simulated-NIC addresses, starting from
// zero after every Reset. One allocator is owned by one compilation run; it
// must not be shared across concurrent compilations.
type AddressAllocator struct {
	next  int
	ready bool
}

func NewAddressAllocator() *AddressAllocator {
	return &AddressAllocator{}
}

// Reset starts a fresh address sequence for a new compilation run.
func (a *AddressAllocator) Reset() {
	a.next = 0
	a.ready = true
}

// Next consumes and returns the next address.
func (a *AddressAllocator) Next() (int, error) {
	if !a.ready {
		return 0, ErrAllocatorUnreset
	}
	addr := a.next
	a.next++
	return addr, nil
}

// Peek returns the address Next would issue without consuming it. It is used
// to size forwarding tables after all machines have been assigned.
func (a *AddressAllocator) Peek() (int, error) {
	if !a.ready {
		return 0, ErrAllocatorUnreset
	}
	return a.next, nil
}
