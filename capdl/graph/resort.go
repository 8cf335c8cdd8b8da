/*
 * capdl - Graph Builder step F: stable re-sort.
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

package graph

import (
	"sort"

	"github.com/rcornwell/capdl/capdl/spec"
)

// resort is step F of the graph build: objects pinned to a physical
// address sort first, ascending by that address (they are the rootserver's
// "expected untypeds" anchors and must stay contiguous with the boot
// emulator's layout); every other object sorts after them, descending
// by size class, tied broken by name for a deterministic order
// independent of build-time insertion order. Every capability target
// and IRQ entry is then rewritten through the old-id -> new-id remap.
func (b *Builder) resort() error {
	objects := b.store.Objects()
	order := make([]int, len(objects))
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, c := objects[order[i]], objects[order[j]]
		aPinned, cPinned := a.PhysAddr != nil, c.PhysAddr != nil
		switch {
		case aPinned && cPinned:
			return *a.PhysAddr < *c.PhysAddr
		case aPinned != cPinned:
			return aPinned
		default:
			if a.PhysicalSizeBits != c.PhysicalSizeBits {
				return a.PhysicalSizeBits > c.PhysicalSizeBits
			}
			return a.Name < c.Name
		}
	})

	remap := make([]spec.ObjectID, len(objects))
	resorted := make([]*spec.Object, len(objects))
	for newID, oldIdx := range order {
		remap[oldIdx] = spec.ObjectID(newID)
		resorted[newID] = objects[oldIdx]
		resorted[newID].ID = spec.ObjectID(newID)
	}

	for _, obj := range resorted {
		slots, ok := obj.Slots()
		if !ok {
			continue
		}
		for i := range *slots {
			(*slots)[i].Capability.Target = remap[(*slots)[i].Capability.Target]
		}
		sort.Slice(*slots, func(i, j int) bool { return (*slots)[i].Slot < (*slots)[j].Slot })
	}

	for i := range b.target.IRQs {
		b.target.IRQs[i].Object = remap[b.target.IRQs[i].Object]
	}
	sort.Slice(b.target.IRQs, func(i, j int) bool { return b.target.IRQs[i].IRQNumber < b.target.IRQs[j].IRQNumber })

	for i := range b.target.ASIDSlots {
		b.target.ASIDSlots[i].VSpace = remap[b.target.ASIDSlots[i].VSpace]
	}

	b.target.Objects = resorted
	return nil
}
