package hw

import (
	"sync"

	"github.com/deepteams/av1ctl/internal/pool"
)

// memBuffer is a MemoryAllocator buffer.
type memBuffer struct {
	role   BufferRole
	data   []byte
	locked bool
	mode   LockMode
	freed  bool
}

func (b *memBuffer) Role() BufferRole { return b.role }
func (b *memBuffer) Size() int        { return len(b.data) }

// MemoryAllocator is an Allocator backed by pooled host memory. It is safe
// for concurrent use.
type MemoryAllocator struct {
	mu    sync.Mutex
	live  map[*memBuffer]struct{}
	bytes [len(roleNames)]int
}

// NewMemoryAllocator returns an empty MemoryAllocator.
func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{live: make(map[*memBuffer]struct{})}
}

// Allocate returns a zeroed buffer of size bytes.
func (a *MemoryAllocator) Allocate(role BufferRole, size int) (Buffer, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	b := &memBuffer{role: role, data: pool.GetZeroed(size)}
	a.mu.Lock()
	a.live[b] = struct{}{}
	if int(role) < len(a.bytes) {
		a.bytes[role] += size
	}
	a.mu.Unlock()
	return b, nil
}

func (a *MemoryAllocator) lookup(buf Buffer) (*memBuffer, error) {
	b, ok := buf.(*memBuffer)
	if !ok {
		return nil, ErrUnknownBuffer
	}
	if _, ok := a.live[b]; !ok {
		if b.freed {
			return nil, ErrReleased
		}
		return nil, ErrUnknownBuffer
	}
	return b, nil
}

// Lock maps the buffer. A buffer can be locked once at a time.
func (a *MemoryAllocator) Lock(buf Buffer, mode LockMode) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.lookup(buf)
	if err != nil {
		return nil, err
	}
	if b.locked {
		return nil, ErrLocked
	}
	b.locked, b.mode = true, mode
	return b.data, nil
}

// Unlock unmaps a locked buffer.
func (a *MemoryAllocator) Unlock(buf Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.lookup(buf)
	if err != nil {
		return err
	}
	if !b.locked {
		return ErrNotLocked
	}
	b.locked = false
	return nil
}

// Release returns the buffer's memory to the pool.
func (a *MemoryAllocator) Release(buf Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.lookup(buf)
	if err != nil {
		return err
	}
	if b.locked {
		return ErrLocked
	}
	delete(a.live, b)
	if int(b.role) < len(a.bytes) {
		a.bytes[b.role] -= len(b.data)
	}
	pool.Put(b.data)
	b.data, b.freed = nil, true
	return nil
}

// Live returns the number of unreleased buffers.
func (a *MemoryAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// BytesFor returns the unreleased bytes allocated for role.
func (a *MemoryAllocator) BytesFor(role BufferRole) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(role) >= len(a.bytes) {
		return 0
	}
	return a.bytes[role]
}
