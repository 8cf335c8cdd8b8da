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

package allocplan

import (
	"testing"

	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/internal/builderr"
)

func addr(a uint64) *uint64 { return &a }

func TestPlanUnpinnedFirstFit(t *testing.T) {
	objects := []*spec.Object{
		{ID: 0, Name: "a", PhysicalSizeBits: 12},
		{ID: 1, Name: "b", PhysicalSizeBits: 12},
	}
	untypeds := []Untyped{{Index: 0, Base: 0x1000, End: 0x3000}}

	got, err := Plan(objects, untypeds, Silent)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d assignments, want 2", len(got))
	}
	if got[0].PhysAddr != 0x1000 || got[1].PhysAddr != 0x2000 {
		t.Errorf("unexpected placement: %+v", got)
	}
}

func TestPlanPinnedObjectHonoured(t *testing.T) {
	objects := []*spec.Object{
		{ID: 0, Name: "pinned", PhysAddr: addr(0x2000), PhysicalSizeBits: 12},
		{ID: 1, Name: "unpinned", PhysicalSizeBits: 12},
	}
	untypeds := []Untyped{{Index: 0, Base: 0x1000, End: 0x4000}}

	got, err := Plan(objects, untypeds, Silent)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	var pinnedAssignment, unpinnedAssignment *Assignment
	for i := range got {
		switch got[i].Object {
		case 0:
			pinnedAssignment = &got[i]
		case 1:
			unpinnedAssignment = &got[i]
		}
	}
	if pinnedAssignment == nil || pinnedAssignment.PhysAddr != 0x2000 {
		t.Fatalf("pinned object not placed at 0x2000: %+v", got)
	}
	if unpinnedAssignment == nil {
		t.Fatalf("unpinned object not placed at all: %+v", got)
	}
}

func TestPlanPinnedObjectOutsideAnyUntyped(t *testing.T) {
	objects := []*spec.Object{
		{ID: 0, Name: "stray", PhysAddr: addr(0x9000), PhysicalSizeBits: 12},
	}
	untypeds := []Untyped{{Index: 0, Base: 0x1000, End: 0x2000}}

	_, err := Plan(objects, untypeds, Diagnostic)
	if err == nil {
		t.Fatal("expected an infeasibility error")
	}
	infeasible, ok := err.(*builderr.AllocationInfeasibleError)
	if !ok {
		t.Fatalf("got %T, want *builderr.AllocationInfeasibleError", err)
	}
	if infeasible.Object != "stray" {
		t.Errorf("Object: got %q, want %q", infeasible.Object, "stray")
	}
	if len(infeasible.ValidRanges) == 0 {
		t.Error("Diagnostic mode should report the valid ranges that do exist")
	}
}

func TestPlanPinnedObjectOutsideAnyUntypedSilent(t *testing.T) {
	objects := []*spec.Object{
		{ID: 0, Name: "stray", PhysAddr: addr(0x9000), PhysicalSizeBits: 12},
	}
	untypeds := []Untyped{{Index: 0, Base: 0x1000, End: 0x2000}}

	_, err := Plan(objects, untypeds, Silent)
	if err == nil {
		t.Fatal("expected an infeasibility error")
	}
	infeasible, ok := err.(*builderr.AllocationInfeasibleError)
	if !ok {
		t.Fatalf("got %T, want *builderr.AllocationInfeasibleError", err)
	}
	if len(infeasible.ValidRanges) != 0 {
		t.Error("Silent mode must not decorate the error with valid ranges")
	}
}

func TestPlanSizeShortfall(t *testing.T) {
	objects := []*spec.Object{
		{ID: 0, Name: "too-big", PhysicalSizeBits: 20},
	}
	untypeds := []Untyped{{Index: 0, Base: 0, End: 0x1000}}

	_, err := Plan(objects, untypeds, Silent)
	if err == nil {
		t.Fatal("expected a size-shortfall error")
	}
	infeasible, ok := err.(*builderr.AllocationInfeasibleError)
	if !ok {
		t.Fatalf("got %T, want *builderr.AllocationInfeasibleError", err)
	}
	if len(infeasible.Shortfalls) != 1 || infeasible.Shortfalls[0].SizeBits != 20 {
		t.Errorf("unexpected shortfalls: %+v", infeasible.Shortfalls)
	}
}

func TestPlanDeviceUntypedSkipsAhead(t *testing.T) {
	objects := []*spec.Object{
		{ID: 0, Name: "mmio", PhysAddr: addr(0x1000), PhysicalSizeBits: 12},
	}
	untypeds := []Untyped{{Index: 0, Base: 0, End: 0x2000, IsDevice: true}}

	got, err := Plan(objects, untypeds, Silent)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(got) != 1 || got[0].PhysAddr != 0x1000 {
		t.Fatalf("device-backed pinned object not placed correctly: %+v", got)
	}
}
