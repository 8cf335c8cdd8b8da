/*
 * capdl - Core error kinds.
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

// Package builderr is the closed set of error kinds the core
// recognises. Each is a concrete type carrying the
// contextual fields the Graph Builder and Build Loop need to produce
// a fully-contextualised message, so callers check with errors.As
// instead of string matching.
package builderr

import "fmt"

// UnresolvedRegionError: an MR name used in a mapping/setvar is undefined.
type UnresolvedRegionError struct {
	PD     string
	Region string
}

func (e *UnresolvedRegionError) Error() string {
	return fmt.Sprintf("pd %q: unresolved memory region %q", e.PD, e.Region)
}

// MappingOverlapError: an MR mapping collides with the stack or an ELF segment.
type MappingOverlapError struct {
	PD           string
	Region       string
	With         string // "stack" or an ELF segment description
	VAddrStart   uint64
	VAddrEnd     uint64
}

func (e *MappingOverlapError) Error() string {
	return fmt.Sprintf("pd %q: region %q [0x%x,0x%x) overlaps %s", e.PD, e.Region, e.VAddrStart, e.VAddrEnd, e.With)
}

// MissingSymbolError: a required symbol is absent from a user ELF.
type MissingSymbolError struct {
	PD     string
	Symbol string
}

func (e *MissingSymbolError) Error() string {
	return fmt.Sprintf("pd %q: missing ELF symbol %q", e.PD, e.Symbol)
}

// SlotCollisionError: a page-table or CNode slot was already occupied.
type SlotCollisionError struct {
	Object string
	Slot   uint32
}

func (e *SlotCollisionError) Error() string {
	return fmt.Sprintf("object %q: slot %d already occupied", e.Object, e.Slot)
}

// SizeShortfall records, for AllocationInfeasibleError, how many
// objects of a size class could not be placed.
type SizeShortfall struct {
	SizeBits uint8
	Count    int
}

// ValidRange is a candidate untyped range reported alongside a pinned
// allocation failure, in diagnostic mode.
type ValidRange struct {
	Base uint64
	End  uint64
}

// AllocationInfeasibleError covers both the "pinned" and "sized" forms
// the allocation planner lists: a pinned object outside every untyped carries
// Object/Requested and (in diagnostic mode) ValidRanges; a sized
// shortfall carries Shortfalls.
type AllocationInfeasibleError struct {
	Object      string
	Requested   uint64
	ValidRanges []ValidRange
	Shortfalls  []SizeShortfall
}

func (e *AllocationInfeasibleError) Error() string {
	if e.Object != "" {
		msg := fmt.Sprintf("object %q: no untyped covers physical address 0x%x", e.Object, e.Requested)
		for _, vr := range e.ValidRanges {
			msg += fmt.Sprintf("; valid range [0x%x,0x%x)", vr.Base, vr.End)
		}
		return msg
	}
	msg := "allocation infeasible:"
	for _, s := range e.Shortfalls {
		msg += fmt.Sprintf(" %d object(s) of size_bits=%d unplaced;", s.Count, s.SizeBits)
	}
	return msg
}

// InitialTaskPlacementError: no contiguous region above the boot
// region is large enough for the initial task.
type InitialTaskPlacementError struct {
	Needed         uint64
	RemainingFree  []ValidRange
}

func (e *InitialTaskPlacementError) Error() string {
	msg := fmt.Sprintf("no region of size 0x%x available for initial task", e.Needed)
	for _, r := range e.RemainingFree {
		msg += fmt.Sprintf("; free [0x%x,0x%x)", r.Base, r.End)
	}
	return msg
}

// FixedPointExhaustedError: the build loop exceeded its iteration cap.
type FixedPointExhaustedError struct {
	Bound int
}

func (e *FixedPointExhaustedError) Error() string {
	return fmt.Sprintf("build loop did not reach a fixed point within %d iterations", e.Bound)
}
