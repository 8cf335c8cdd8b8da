/*
 * capdl - Allocation Planner.
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

// Package allocplan simulates the on-target initialiser's greedy,
// first-fit untyped-retype walk so the tool can detect allocation
// infeasibility before ever booting the produced image.
package allocplan

import (
	"math/bits"
	"sort"

	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/internal/builderr"
)

// Mode selects how infeasibility is reported: Diagnostic decorates a
// pinned-object failure with the untyped ranges that do exist (first
// iteration, and the final iteration before a fatal abort); Silent
// omits that detail because the caller only needs the signal to clear
// tool-allocated addresses and retry.
type Mode int

const (
	Silent Mode = iota
	Diagnostic
)

// Untyped is one physical range a kernel boot emulation (or a fixed
// platform memory map) produced, in ascending physical order.
type Untyped struct {
	Index    uint64
	Base     uint64
	End      uint64
	IsDevice bool
}

// Assignment is one object's resolved placement.
type Assignment struct {
	Object       spec.ObjectID
	UntypedIndex uint64
	PhysAddr     uint64
}

func trailingZerosOrMax(x uint64) uint {
	if x == 0 {
		return 64
	}
	return uint(bits.TrailingZeros64(x))
}

// Plan assigns every object in objects (sorted as capdl/graph's re-sort
// leaves them: paddr-pinned first ascending by address, then unpinned
// descending by size class) a physical address drawn from untypeds
// (sorted ascending by base). It returns one builderr.AllocationInfeasibleError
// (pinned or sized form) on failure.
func Plan(objects []*spec.Object, untypeds []Untyped, mode Mode) ([]Assignment, error) {
	firstUnpinned := len(objects)
	for i, o := range objects {
		if o.PhysAddr == nil {
			firstUnpinned = i
			break
		}
	}
	pinned := objects[:firstUnpinned]
	tail := objects[firstUnpinned:]

	if err := validatePinned(pinned, untypeds, mode); err != nil {
		return nil, err
	}

	windows := make(map[uint8][]*spec.Object)
	for _, o := range tail {
		windows[o.PhysicalSizeBits] = append(windows[o.PhysicalSizeBits], o)
	}

	var assignments []Assignment
	pinnedIdx := 0

	for _, ut := range untypeds {
		current := ut.Base
		for current < ut.End {
			var target uint64
			pinnedHere := pinnedIdx < len(pinned) && *pinned[pinnedIdx].PhysAddr < ut.End
			if pinnedHere {
				target = *pinned[pinnedIdx].PhysAddr
			} else {
				target = ut.End
			}

			for current < target {
				if ut.IsDevice {
					current = target
					break
				}
				maxBits := trailingZerosOrMax(current)
				if rem := trailingZerosOrMax(target - current); rem < maxBits {
					maxBits = rem
				}

				placed := false
				for b := int(maxBits); b >= 0; b-- {
					q := windows[uint8(b)]
					if len(q) == 0 {
						continue
					}
					obj := q[0]
					windows[uint8(b)] = q[1:]
					assignments = append(assignments, Assignment{Object: obj.ID, UntypedIndex: ut.Index, PhysAddr: current})
					current += uint64(1) << uint(b)
					placed = true
					break
				}
				if !placed {
					current = target
					break
				}
			}

			if pinnedHere && current == target {
				obj := pinned[pinnedIdx]
				assignments = append(assignments, Assignment{Object: obj.ID, UntypedIndex: ut.Index, PhysAddr: current})
				current += uint64(1) << uint(obj.PhysicalSizeBits)
				pinnedIdx++
			}
		}
	}

	var shortfalls []builderr.SizeShortfall
	for b := 0; b < 64; b++ {
		if n := len(windows[uint8(b)]); n > 0 {
			shortfalls = append(shortfalls, builderr.SizeShortfall{SizeBits: uint8(b), Count: n})
		}
	}
	if len(shortfalls) > 0 {
		return nil, &builderr.AllocationInfeasibleError{Shortfalls: shortfalls}
	}

	return assignments, nil
}

func validatePinned(pinned []*spec.Object, untypeds []Untyped, mode Mode) error {
	sorted := make([]Untyped, len(untypeds))
	copy(sorted, untypeds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	for _, o := range pinned {
		addr := *o.PhysAddr
		i := sort.Search(len(sorted), func(i int) bool { return sorted[i].End > addr })
		if i < len(sorted) && sorted[i].Base <= addr && addr < sorted[i].End {
			continue
		}
		err := &builderr.AllocationInfeasibleError{Object: o.Name, Requested: addr}
		if mode == Diagnostic {
			for _, u := range sorted {
				err.ValidRanges = append(err.ValidRanges, builderr.ValidRange{Base: u.Base, End: u.End})
			}
		}
		return err
	}
	return nil
}
