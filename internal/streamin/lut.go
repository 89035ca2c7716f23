package streamin

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// maxCachedLUTs bounds the address table cache; resolution or tile grid
// changes are rare within a session.
const maxCachedLUTs = 8

type lutCache struct {
	mu      sync.Mutex
	entries map[uint64][]int
}

func newLUTCache() *lutCache {
	return &lutCache{entries: make(map[uint64][]int)}
}

// get returns the address table for a frame size and tile grid, building
// it on a miss.
func (c *lutCache) get(width, height int, colWidths, rowHeights []int) []int {
	key := lutKey(width, height, colWidths, rowHeights)

	c.mu.Lock()
	defer c.mu.Unlock()
	if lut, ok := c.entries[key]; ok {
		return lut
	}
	if len(c.entries) >= maxCachedLUTs {
		clear(c.entries)
	}
	lut := buildLUT(colWidths, rowHeights)
	c.entries[key] = lut
	return lut
}

func (c *lutCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func lutKey(width, height int, colWidths, rowHeights []int) uint64 {
	buf := make([]byte, 0, 4*(4+len(colWidths)+len(rowHeights)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(width))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(height))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(colWidths)))
	for _, w := range colWidths {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(w))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rowHeights)))
	for _, h := range rowHeights {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(h))
	}
	return xxhash.Sum64(buf)
}

// buildLUT maps each raster 32x32 block to its buffer position. Tiles are
// walked in raster order, superblocks in raster order within a tile, and
// each superblock contributes its top-left, top-right, bottom-left and
// bottom-right blocks in that order.
func buildLUT(colWidths, rowHeights []int) []int {
	sbCols, sbRows := 0, 0
	for _, w := range colWidths {
		sbCols += w
	}
	for _, h := range rowHeights {
		sbRows += h
	}
	cols := sbCols * 2
	lut := make([]int, cols*sbRows*2)

	idx := 0
	startY := 0
	for _, th := range rowHeights {
		startX := 0
		for _, tw := range colWidths {
			for sby := startY; sby < startY+th; sby++ {
				for sbx := startX; sbx < startX+tw; sbx++ {
					for sub := 0; sub < 4; sub++ {
						x := sbx*2 + sub&1
						y := sby*2 + sub>>1
						lut[y*cols+x] = idx
						idx++
					}
				}
			}
			startX += tw
		}
		startY += th
	}
	return lut
}
