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

// Package objstore is the sole owner of every kernel Object in a
// build. Every other component holds only spec.ObjectID values; this
// is what keeps the object graph a DAG of integers, trivially
// serialisable and trivially re-ordered by a single ID remap.
package objstore

import (
	"fmt"

	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/internal/builderr"
)

// Store is an append-only table of named kernel objects.
type Store struct {
	objects []*spec.Object
	byName  map[string]spec.ObjectID
}

// New returns an empty Store.
func New() *Store {
	return &Store{byName: make(map[string]spec.ObjectID)}
}

// Add appends obj, assigns it the next dense ID and returns that ID.
// Add never collides: every call produces a fresh ID.
func (s *Store) Add(obj *spec.Object) spec.ObjectID {
	id := spec.ObjectID(len(s.objects))
	obj.ID = id
	s.objects = append(s.objects, obj)
	if obj.Name != "" {
		s.byName[obj.Name] = id
	}
	return id
}

// Len returns the number of objects currently in the store.
func (s *Store) Len() int {
	return len(s.objects)
}

// Objects returns the live backing slice of all objects, in ID order.
// Callers must not resize it; mutate through Get.
func (s *Store) Objects() []*spec.Object {
	return s.objects
}

// Get returns the object with the given id.
func (s *Store) Get(id spec.ObjectID) (*spec.Object, error) {
	if id < 0 || int(id) >= len(s.objects) {
		return nil, fmt.Errorf("objstore: id %d out of range [0,%d)", id, len(s.objects))
	}
	return s.objects[id], nil
}

// ByName resolves a previously added object by its unique name.
func (s *Store) ByName(name string) (spec.ObjectID, bool) {
	id, ok := s.byName[name]
	return id, ok
}

// Slots returns the slot list of id's object, and false if that
// object's variant carries no slot list.
func (s *Store) Slots(id spec.ObjectID) (*spec.SlotList, bool, error) {
	obj, err := s.Get(id)
	if err != nil {
		return nil, false, err
	}
	slots, ok := obj.Slots()
	return slots, ok, nil
}

// capacity returns the number of addressable slots for the variants
// that have a fixed capacity (CNode: 2^size_bits); other slotted
// variants (TCB, PageTable, IRQ) have no such global bound here — a
// PageTable's bound is its level's index width, enforced by the
// paging builder that knows that width; a TCB's bound is the fixed
// set of reserved slot positions; an IRQ has exactly one slot.
func capacity(obj *spec.Object) (uint64, bool) {
	if obj.Kind == spec.KindCNode {
		return uint64(1) << obj.CNode.SizeBits, true
	}
	return 0, false
}

// InsertCap installs capability cap at slotIndex in id's slot list.
// Precondition (CNode only): slotIndex < 2^size_bits. Returns
// builderr.SlotCollisionError if the slot is already occupied, or an error
// if id's object variant carries no slot list at all.
func (s *Store) InsertCap(id spec.ObjectID, slotIndex uint32, cap spec.Capability) error {
	obj, err := s.Get(id)
	if err != nil {
		return err
	}
	slots, ok := obj.Slots()
	if !ok {
		return fmt.Errorf("objstore: object %q (kind %s) has no slot list", obj.Name, obj.Kind)
	}
	if cap, ok := capacity(obj); ok && uint64(slotIndex) >= cap {
		return fmt.Errorf("objstore: slot %d out of range for %q (capacity %d)", slotIndex, obj.Name, cap)
	}
	if _, exists := slots.Find(slotIndex); exists {
		return &builderr.SlotCollisionError{Object: obj.Name, Slot: slotIndex}
	}
	*slots = append(*slots, spec.CapTableEntry{Slot: slotIndex, Capability: cap})
	return nil
}
