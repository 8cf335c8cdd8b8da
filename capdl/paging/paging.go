/*
 * capdl - Paging Builder.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package paging recursively materialises architecture-specific
// multi-level page tables for a VSpace. Per-architecture differences
// (level count, per-level index-bit widths, page-size-to-depth
// mapping) are plain data; the walker itself is one recursion shared
// by every architecture.
package paging

import (
	"fmt"

	"github.com/rcornwell/capdl/capdl/objstore"
	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/internal/builderr"
)

// Layout is the per-architecture paging descriptor the graph builder
// for: level count, per-level index-bit widths and the
// page-size-to-depth map. TopLevelBits, when non-zero, overrides
// IndexBits[0] — the ARM case where one configuration narrows the top
// level to 10 bits instead of the usual 9.
type Layout struct {
	Name           string
	Levels         int
	IndexBits      []int
	PageOffsetBits int
	PageSizeDepth  map[uint64]int // page size in bytes -> depth frame caps live at
	TopLevelBits   int            // 0 means "use IndexBits[0] unchanged"
}

func (l Layout) indexBits(level int) int {
	if level == 0 && l.TopLevelBits != 0 {
		return l.TopLevelBits
	}
	return l.IndexBits[level]
}

// shift returns the bit position at which level's index begins.
func (l Layout) shift(level int) uint {
	s := uint(l.PageOffsetBits)
	for i := level + 1; i < l.Levels; i++ {
		s += uint(l.IndexBits[i])
	}
	return s
}

func (l Layout) indexAt(level int, vaddr uint64) uint32 {
	mask := uint64(1)<<uint(l.indexBits(level)) - 1
	return uint32((vaddr >> l.shift(level)) & mask)
}

// AArch64 is seL4's ARM 64-bit paging layout: VSpace root, PUD, PD, PT.
// The top level is 9 bits generically; under the configuration that
// narrows the top-level address space it is 10 bits — callers select
// that by setting TopLevelBits on a copy of this layout.
var AArch64 = Layout{
	Name:           "aarch64",
	Levels:         4,
	IndexBits:      []int{9, 9, 9, 9},
	PageOffsetBits: 12,
	PageSizeDepth: map[uint64]int{
		4 * 1024:        3, // small page: deepest level
		2 * 1024 * 1024: 2, // large page: deepest - 1
		1 << 30:         1, // huge page
	},
}

// RISCV64 is Sv39: root, PD, PT.
var RISCV64 = Layout{
	Name:           "riscv64",
	Levels:         3,
	IndexBits:      []int{9, 9, 9},
	PageOffsetBits: 12,
	PageSizeDepth: map[uint64]int{
		4 * 1024:        2,
		2 * 1024 * 1024: 1,
	},
}

// X86_64 is standard 4-level x86-64 paging: PML4, PDPT, PD, PT.
var X86_64 = Layout{
	Name:           "x86_64",
	Levels:         4,
	IndexBits:      []int{9, 9, 9, 9},
	PageOffsetBits: 12,
	PageSizeDepth: map[uint64]int{
		4 * 1024:        3,
		2 * 1024 * 1024: 2,
		1 << 30:         1,
	},
}

// Builder materialises page tables into a Store for one architecture.
type Builder struct {
	store  *objstore.Store
	layout Layout
}

// New returns a Builder that creates objects in store according to layout.
func New(store *objstore.Store, layout Layout) *Builder {
	return &Builder{store: store, layout: layout}
}

// CreateVSpace creates a root page-table object for pdName. extended
// propagates the nested-virtualisation paging format flag to this
// VSpace and, by construction, to every intermediate table mapped
// beneath it (MapPage copies the root's flag onto every intermediate
// table it creates, so formats are never mixed within one VSpace).
func (b *Builder) CreateVSpace(pdName string, extended bool) spec.ObjectID {
	obj := &spec.Object{
		Name: pdName + "/vspace",
		Kind: spec.KindPageTable,
		PageTable: &spec.PageTableData{
			IsRoot:         true,
			ExtendedFormat: extended,
			Level:          0,
		},
	}
	return b.store.Add(obj)
}

// MapPage inserts frameCap at the architecture-correct depth under
// vspaceID for a frame of pageSizeBytes mapped at virtual address
// vaddr, materialising intermediate PageTable objects as needed.
// Returns builderr.SlotCollisionError if the target slot is already
// occupied by something else.
func (b *Builder) MapPage(vspaceID spec.ObjectID, frameCap spec.Capability, pageSizeBytes, vaddr uint64) error {
	depth, ok := b.layout.PageSizeDepth[pageSizeBytes]
	if !ok {
		return fmt.Errorf("paging: unsupported page size %d for %s", pageSizeBytes, b.layout.Name)
	}

	root, err := b.store.Get(vspaceID)
	if err != nil {
		return err
	}
	extended := root.PageTable.ExtendedFormat

	current := vspaceID
	for level := 0; level < depth; level++ {
		slots, ok, err := b.store.Slots(current)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("paging: object at level %d has no slot list", level)
		}
		idx := b.layout.indexAt(level, vaddr)
		entry, exists := slots.Find(idx)
		var nextID spec.ObjectID
		if exists {
			if entry.Capability.Kind != spec.KindPageTable {
				return &builderr.SlotCollisionError{Object: fmt.Sprintf("vspace-level-%d", level), Slot: idx}
			}
			nextID = entry.Capability.Target
		} else {
			base := vaddr &^ ((uint64(1) << b.layout.shift(level)) - 1)
			next := &spec.Object{
				Name: fmt.Sprintf("pt/%s/l%d/0x%x", b.layout.Name, level+1, base),
				Kind: spec.KindPageTable,
				PageTable: &spec.PageTableData{
					ExtendedFormat: extended,
					Level:          level + 1,
				},
			}
			nextID = b.store.Add(next)
			if err := b.store.InsertCap(current, idx, spec.Capability{
				Target: nextID,
				Kind:   spec.KindPageTable,
				Rights: spec.AllRights(),
			}); err != nil {
				return err
			}
		}
		current = nextID
	}

	idx := b.layout.indexAt(depth, vaddr)
	if err := b.store.InsertCap(current, idx, frameCap); err != nil {
		return err
	}
	return nil
}
