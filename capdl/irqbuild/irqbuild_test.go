/*
 * capdl - IRQ Builder.
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

package irqbuild

import (
	"testing"

	"github.com/rcornwell/capdl/capdl/objstore"
	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/config/sysdesc"
)

func TestCreateIRQArmVariant(t *testing.T) {
	store := objstore.New()
	target := &spec.Spec{}
	b := New(store, target)

	notif := store.Add(&spec.Object{Name: "pd/notification", Kind: spec.KindNotification})

	cap, err := b.CreateIRQ("pd/irq/2", notif, sysdesc.IRQDecl{
		Kind:      sysdesc.IRQKindArm,
		IRQNumber: 33,
		LogicalID: 2,
		Trigger:   sysdesc.TriggerEdge,
		TargetCPU: 1,
	})
	if err != nil {
		t.Fatalf("CreateIRQ: %v", err)
	}
	if cap.Kind != spec.KindIRQ {
		t.Errorf("handler capability: got %+v", cap)
	}

	obj, err := store.Get(cap.Target)
	if err != nil {
		t.Fatalf("Get(handler): %v", err)
	}
	if obj.IRQ.Variant != spec.IRQArm || obj.IRQ.Arm == nil {
		t.Fatalf("object payload: got %+v", obj.IRQ)
	}
	if obj.IRQ.Arm.Trigger != spec.TriggerEdge || obj.IRQ.Arm.TargetCPU != 1 {
		t.Errorf("arm metadata: got %+v", obj.IRQ.Arm)
	}

	if len(obj.IRQ.Slots) != 1 || obj.IRQ.Slots[0].Capability.Target != notif {
		t.Fatalf("irq notification slot not installed: got %+v", obj.IRQ.Slots)
	}
	if obj.IRQ.Slots[0].Capability.Badge != 1<<2 {
		t.Errorf("badge: got %d, want %d", obj.IRQ.Slots[0].Capability.Badge, 1<<2)
	}

	if len(target.IRQs) != 1 || target.IRQs[0].IRQNumber != 33 || target.IRQs[0].Object != cap.Target {
		t.Errorf("IRQ pseudo-entry: got %+v", target.IRQs)
	}
}

func TestCreateIRQIOAPICPolarity(t *testing.T) {
	store := objstore.New()
	target := &spec.Spec{}
	b := New(store, target)
	notif := store.Add(&spec.Object{Name: "pd/notification", Kind: spec.KindNotification})

	cap, err := b.CreateIRQ("pd/irq/0", notif, sysdesc.IRQDecl{
		Kind:      sysdesc.IRQKindIOAPIC,
		IRQNumber: 9,
		LogicalID: 0,
		IOAPIC:    1,
		Pin:       3,
		Trigger:   sysdesc.TriggerLevel,
		Polarity:  true,
	})
	if err != nil {
		t.Fatalf("CreateIRQ: %v", err)
	}
	obj, err := store.Get(cap.Target)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.IRQ.Variant != spec.IRQX86IOAPIC || obj.IRQ.IOAPIC == nil {
		t.Fatalf("object payload: got %+v", obj.IRQ)
	}
	if obj.IRQ.IOAPIC.Polarity != spec.PolarityActiveLow {
		t.Errorf("polarity: got %v, want PolarityActiveLow", obj.IRQ.IOAPIC.Polarity)
	}
	if obj.IRQ.IOAPIC.IOAPIC != 1 || obj.IRQ.IOAPIC.Pin != 3 {
		t.Errorf("ioapic metadata: got %+v", obj.IRQ.IOAPIC)
	}
}

func TestCreateIRQUnknownKind(t *testing.T) {
	store := objstore.New()
	target := &spec.Spec{}
	b := New(store, target)
	notif := store.Add(&spec.Object{Name: "pd/notification", Kind: spec.KindNotification})

	if _, err := b.CreateIRQ("pd/irq/0", notif, sysdesc.IRQDecl{Kind: sysdesc.IRQKind(99)}); err == nil {
		t.Fatal("expected an error for an unrecognised irq kind")
	}
}
