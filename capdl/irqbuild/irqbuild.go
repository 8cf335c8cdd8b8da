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

// Package irqbuild creates per-architecture IRQ objects (ARM GIC,
// RISC-V PLIC, x86 IOAPIC, x86 MSI), binds each to a notification
// with a badge, and emits the handler capability the owning PD
// installs.
package irqbuild

import (
	"fmt"

	"github.com/rcornwell/capdl/capdl/objstore"
	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/config/sysdesc"
)

// Builder creates IRQ objects into a Store and records their
// (irq_number, object) pseudo-entries on the Spec under construction.
type Builder struct {
	store  *objstore.Store
	target *spec.Spec
}

// New returns a Builder writing objects into store and IRQ entries
// into target.IRQs.
func New(store *objstore.Store, target *spec.Spec) *Builder {
	return &Builder{store: store, target: target}
}

func variantOf(decl sysdesc.IRQDecl) (spec.IRQVariant, error) {
	switch decl.Kind {
	case sysdesc.IRQKindArm:
		return spec.IRQArm, nil
	case sysdesc.IRQKindRiscV:
		return spec.IRQRiscV, nil
	case sysdesc.IRQKindIOAPIC:
		return spec.IRQX86IOAPIC, nil
	case sysdesc.IRQKindMSI:
		return spec.IRQX86MSI, nil
	default:
		return 0, fmt.Errorf("irqbuild: unknown irq kind %d", decl.Kind)
	}
}

func trigger(t sysdesc.Trigger) spec.TriggerMode {
	if t == sysdesc.TriggerEdge {
		return spec.TriggerEdge
	}
	return spec.TriggerLevel
}

// CreateIRQ creates the IRQ object described by decl, binds
// pdNotification into its single slot with badge 1<<decl.LogicalID,
// records the (irq_number, object) pseudo-entry, and returns the
// handler capability of the matching IRQ variant.
func (b *Builder) CreateIRQ(name string, pdNotification spec.ObjectID, decl sysdesc.IRQDecl) (spec.Capability, error) {
	variant, err := variantOf(decl)
	if err != nil {
		return spec.Capability{}, err
	}

	data := &spec.IRQData{Variant: variant}
	switch variant {
	case spec.IRQArm:
		data.Arm = &spec.ArmIRQMeta{Trigger: trigger(decl.Trigger), TargetCPU: decl.TargetCPU}
	case spec.IRQRiscV:
		data.RiscV = &spec.RiscVIRQMeta{Trigger: trigger(decl.Trigger)}
	case spec.IRQX86IOAPIC:
		pol := spec.PolarityActiveHigh
		if decl.Polarity {
			pol = spec.PolarityActiveLow
		}
		data.IOAPIC = &spec.IOAPICMeta{
			IOAPIC:   decl.IOAPIC,
			Pin:      decl.Pin,
			Trigger:  trigger(decl.Trigger),
			Polarity: pol,
		}
	case spec.IRQX86MSI:
		data.MSI = &spec.MSIMeta{
			PCIBus:  decl.PCIBus,
			PCIDev:  decl.PCIDev,
			PCIFunc: decl.PCIFunc,
			Handle:  decl.Handle,
		}
	}

	obj := &spec.Object{Name: name, Kind: spec.KindIRQ, IRQ: data}
	id := b.store.Add(obj)

	b.target.IRQs = append(b.target.IRQs, spec.IRQEntry{IRQNumber: decl.IRQNumber, Object: id})

	if err := b.store.InsertCap(id, 0, spec.Capability{
		Target: pdNotification,
		Kind:   spec.KindNotification,
		Rights: spec.AllRights(),
		Badge:  uint64(1) << uint(decl.LogicalID),
	}); err != nil {
		return spec.Capability{}, err
	}

	return spec.Capability{
		Target: id,
		Kind:   spec.KindIRQ,
		Rights: spec.AllRights(),
	}, nil
}
