package pool

import (
	"sync"
	"testing"
)

func TestBucketIndex(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantBucket int
	}{
		{"0->bucket0", 0, 0},
		{"4096->bucket0", 4096, 0},
		{"4097->bucket1", 4097, 1},
		{"65536->bucket1", 65536, 1},
		{"65537->bucket2", 65537, 2},
		{"1048576->bucket3", 1048576, 3},
		{"4194304->bucket4", 4194304, 4},
		{"16777216->bucket5", 16777216, 5},
		{"oversize", 16777217, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if idx := bucketIndex(tt.size); idx != tt.wantBucket {
				t.Errorf("bucketIndex(%d) = %d, want %d", tt.size, idx, tt.wantBucket)
			}
		})
	}
}

func TestGetPut_Lengths(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		minCap int
	}{
		{"small", 100, Size4K},
		{"page", 4096, Size4K},
		{"tile_record", 64 * 64, Size4K},
		{"stats", 70000, Size256K},
		{"bitstream", 3 << 20, Size4M},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Get(tt.size)
			if len(b) != tt.size {
				t.Errorf("Get(%d): len = %d", tt.size, len(b))
			}
			if cap(b) < tt.minCap {
				t.Errorf("Get(%d): cap = %d, want >= %d", tt.size, cap(b), tt.minCap)
			}
			Put(b)
		})
	}
}

func TestGetZeroed(t *testing.T) {
	b := Get(Size4K)
	for i := range b {
		b[i] = 0xAB
	}
	Put(b)
	z := GetZeroed(Size4K)
	for i, v := range z {
		if v != 0 {
			t.Fatalf("GetZeroed: byte %d = %#x, want 0", i, v)
		}
	}
	Put(z)
}

func TestGet_Oversize(t *testing.T) {
	b := Get(Size16M + 1)
	if len(b) != Size16M+1 {
		t.Fatalf("len = %d", len(b))
	}
	Put(b) // dropped, must not panic
}

func TestPut_Foreign(t *testing.T) {
	Put(nil)
	Put(make([]byte, 100))
	Put(make([]byte, 5000))
	b := Get(Size64K)
	if cap(b) < Size64K {
		t.Errorf("cap = %d after foreign Put", cap(b))
	}
	Put(b)
}

func TestConcurrency(t *testing.T) {
	const goroutines = 16
	const iterations = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				for _, size := range []int{512, 8192, 131072, 524288} {
					b := Get(size)
					if len(b) != size {
						t.Errorf("concurrent Get(%d): len = %d", size, len(b))
						return
					}
					for j := range b {
						b[j] = byte(j)
					}
					Put(b)
				}
			}
		}()
	}
	wg.Wait()
}

func BenchmarkGet(b *testing.B) {
	for _, size := range []int{Size4K, Size64K, Size1M} {
		b.Run(sizeName(size), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				Put(Get(size))
			}
		})
	}
}

func sizeName(n int) string {
	switch {
	case n >= Size1M:
		return "1M"
	case n >= Size64K:
		return "64K"
	}
	return "4K"
}
