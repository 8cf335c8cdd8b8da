/*
 * capdl - Object Store.
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

package objstore

import (
	"errors"
	"testing"

	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/internal/builderr"
)

func TestAddAssignsDenseIDs(t *testing.T) {
	s := New()
	a := s.Add(&spec.Object{Name: "a", Kind: spec.KindNotification})
	b := s.Add(&spec.Object{Name: "b", Kind: spec.KindNotification})
	if a != 0 || b != 1 {
		t.Fatalf("got ids %d, %d; want 0, 1", a, b)
	}
	if s.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", s.Len())
	}
}

func TestByNameResolvesAddedObject(t *testing.T) {
	s := New()
	id := s.Add(&spec.Object{Name: "root-cnode", Kind: spec.KindCNode, CNode: &spec.CNodeData{SizeBits: 8}})
	got, ok := s.ByName("root-cnode")
	if !ok || got != id {
		t.Fatalf("ByName: got (%d, %v), want (%d, true)", got, ok, id)
	}
	if _, ok := s.ByName("no-such-object"); ok {
		t.Error("expected ByName to report false for an unregistered name")
	}
}

func TestGetOutOfRange(t *testing.T) {
	s := New()
	s.Add(&spec.Object{Name: "a", Kind: spec.KindNotification})
	if _, err := s.Get(5); err == nil {
		t.Fatal("expected an error for an out-of-range id")
	}
	if _, err := s.Get(-1); err == nil {
		t.Fatal("expected an error for a negative id")
	}
}

func TestInsertCapIntoCNodeRespectsCapacity(t *testing.T) {
	s := New()
	cnode := s.Add(&spec.Object{Name: "cn", Kind: spec.KindCNode, CNode: &spec.CNodeData{SizeBits: 2}})
	tgt := s.Add(&spec.Object{Name: "tgt", Kind: spec.KindNotification})

	if err := s.InsertCap(cnode, 3, spec.Capability{Target: tgt, Kind: spec.KindNotification}); err != nil {
		t.Fatalf("InsertCap at the last valid slot: %v", err)
	}
	if err := s.InsertCap(cnode, 4, spec.Capability{Target: tgt, Kind: spec.KindNotification}); err == nil {
		t.Fatal("expected an error inserting beyond 2^size_bits slots")
	}
}

func TestInsertCapCollision(t *testing.T) {
	s := New()
	cnode := s.Add(&spec.Object{Name: "cn", Kind: spec.KindCNode, CNode: &spec.CNodeData{SizeBits: 4}})
	tgt := s.Add(&spec.Object{Name: "tgt", Kind: spec.KindNotification})

	if err := s.InsertCap(cnode, 0, spec.Capability{Target: tgt, Kind: spec.KindNotification}); err != nil {
		t.Fatalf("first InsertCap: %v", err)
	}
	err := s.InsertCap(cnode, 0, spec.Capability{Target: tgt, Kind: spec.KindNotification})
	if err == nil {
		t.Fatal("expected a slot-collision error on the second insert")
	}
	var collision *builderr.SlotCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("got %T, want *builderr.SlotCollisionError", err)
	}
	if collision.Object != "cn" || collision.Slot != 0 {
		t.Errorf("collision: got %+v", collision)
	}
}

func TestInsertCapUnslottedVariant(t *testing.T) {
	s := New()
	notif := s.Add(&spec.Object{Name: "n", Kind: spec.KindNotification})
	tgt := s.Add(&spec.Object{Name: "tgt", Kind: spec.KindNotification})
	if err := s.InsertCap(notif, 0, spec.Capability{Target: tgt, Kind: spec.KindNotification}); err == nil {
		t.Fatal("expected an error inserting a capability into a notification object")
	}
}

func TestSlotsReflectsVariant(t *testing.T) {
	s := New()
	tcb := s.Add(&spec.Object{Name: "t", Kind: spec.KindTCB, TCB: &spec.TCBData{}})
	slots, ok, err := s.Slots(tcb)
	if err != nil || !ok || slots == nil {
		t.Fatalf("Slots(tcb): got (%v, %v, %v)", slots, ok, err)
	}

	frame := s.Add(&spec.Object{Name: "f", Kind: spec.KindFrame, Frame: &spec.FrameData{}})
	if _, ok, err := s.Slots(frame); err != nil || ok {
		t.Fatalf("Slots(frame): got (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}
