// Package pool provides bucketed sync.Pool instances for the byte buffers
// the control plane churns through every frame: allocator-backed surfaces,
// tile statistics and the software-stitch scratch area. Buffers are grouped
// by page-multiple size classes to keep reuse high across resolutions.
package pool

import "sync"

// Size classes for bucketed pools.
const (
	Size4K   = 4096
	Size64K  = 65536
	Size256K = 262144
	Size1M   = 1048576
	Size4M   = 4194304
	Size16M  = 16777216
)

var sizes = [...]int{Size4K, Size64K, Size256K, Size1M, Size4M, Size16M}

// bucketIndex returns the pool index for a given size, or -1 when the
// request is larger than the biggest class.
func bucketIndex(size int) int {
	for i, sz := range sizes {
		if size <= sz {
			return i
		}
	}
	return -1
}

var pools [len(sizes)]sync.Pool

func init() {
	for i := range pools {
		sz := sizes[i]
		pools[i] = sync.Pool{
			New: func() any {
				b := make([]byte, sz)
				return &b
			},
		}
	}
}

// Get returns a byte slice of length size. Its contents are undefined.
// Requests above Size16M are allocated directly and never pooled.
func Get(size int) []byte {
	idx := bucketIndex(size)
	if idx < 0 {
		return make([]byte, size)
	}
	bp := pools[idx].Get().(*[]byte)
	b := *bp
	if cap(b) < size {
		b = make([]byte, sizes[idx])
	}
	return b[:size]
}

// GetZeroed is Get with the returned bytes cleared.
func GetZeroed(size int) []byte {
	b := Get(size)
	clear(b)
	return b
}

// Put returns a byte slice obtained from Get to its pool. Slices whose
// capacity is not a size class are dropped.
func Put(b []byte) {
	c := cap(b)
	idx := bucketIndex(c)
	if idx < 0 || sizes[idx] != c {
		return
	}
	b = b[:c]
	pools[idx].Put(&b)
}
