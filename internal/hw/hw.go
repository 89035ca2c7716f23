// Package hw defines the buffer-allocation boundary between the control
// plane and the device layer, plus an in-memory implementation.
package hw

import (
	"errors"
	"fmt"
)

// BufferRole identifies what a buffer holds.
type BufferRole int

const (
	RoleReconstructed BufferRole = iota
	RoleMotionVectors
	RoleCDF
	RoleSegmentMap
	RoleTileStatistics
	RoleTileSizeRecord
	RoleStreamIn
	RoleBitstream
)

var roleNames = [...]string{
	"reconstructed", "motion-vectors", "cdf", "segment-map",
	"tile-statistics", "tile-size-record", "stream-in", "bitstream",
}

func (r BufferRole) String() string {
	if r >= 0 && int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("BufferRole(%d)", int(r))
}

// LockMode selects read or write access for Lock.
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

var (
	ErrInvalidSize   = errors.New("hw: invalid buffer size")
	ErrUnknownBuffer = errors.New("hw: buffer not owned by allocator")
	ErrLocked        = errors.New("hw: buffer already locked")
	ErrNotLocked     = errors.New("hw: buffer not locked")
	ErrReleased      = errors.New("hw: buffer released")
)

// Buffer is an opaque handle to device memory.
type Buffer interface {
	Role() BufferRole
	Size() int
}

// Allocator hands out and maps buffers.
type Allocator interface {
	Allocate(role BufferRole, size int) (Buffer, error)
	Lock(b Buffer, mode LockMode) ([]byte, error)
	Unlock(b Buffer) error
	Release(b Buffer) error
}
