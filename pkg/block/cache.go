/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package block

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// FunctionBlocks maps a function's entry offset to its discovered blocks.
type FunctionBlocks map[uint64][]Block

// Cache is the content-addressed, read-mostly block-map cache keyed by
// canonical module path (spec §3 lifecycle: "Block maps are cached per
// module indefinitely"; spec §5: "a standard read-write lock... suffices").
type Cache struct {
	mu    sync.RWMutex
	byMod map[string]FunctionBlocks
	group singleflight.Group
}

// NewCache returns an empty block-map cache.
func NewCache() *Cache {
	return &Cache{byMod: make(map[string]FunctionBlocks)}
}

// GetOrSweep returns the cached blocks for (modPath, funcOffset), computing
// them with sweep on first use. Concurrent first-touches for the same
// (modPath, funcOffset) collapse into a single sweep.
func (c *Cache) GetOrSweep(modPath string, funcOffset uint64, sweep func() ([]Block, error)) ([]Block, error) {
	c.mu.RLock()
	if fb, ok := c.byMod[modPath]; ok {
		if blocks, ok := fb[funcOffset]; ok {
			c.mu.RUnlock()
			return blocks, nil
		}
	}
	c.mu.RUnlock()

	key := modPath + "\x00" + itoa(funcOffset)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		if fb, ok := c.byMod[modPath]; ok {
			if blocks, ok := fb[funcOffset]; ok {
				c.mu.RUnlock()
				return blocks, nil
			}
		}
		c.mu.RUnlock()

		blocks, err := sweep()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.byMod[modPath] == nil {
			c.byMod[modPath] = make(FunctionBlocks)
		}
		c.byMod[modPath][funcOffset] = blocks
		c.mu.Unlock()

		return blocks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Block), nil
}

// FindBlock returns the block in modPath/funcOffset's set that contains
// off, or ok=false.
func (c *Cache) FindBlock(modPath string, funcOffset, off uint64) (Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fb, ok := c.byMod[modPath]
	if !ok {
		return Block{}, false
	}
	blocks, ok := fb[funcOffset]
	if !ok {
		return Block{}, false
	}
	for _, b := range blocks {
		if off >= b.EntryOffset && off < b.EntryOffset+b.Size {
			return b, true
		}
	}
	return Block{}, false
}

func itoa(v uint64) string {
	const hex = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for v > 0 {
		buf = append([]byte{hex[v&0xf]}, buf...)
		v >>= 4
	}
	return string(buf)
}
