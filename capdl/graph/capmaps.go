/*
 * capdl - Graph Builder step E: extra cap maps.
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
	"fmt"

	"github.com/rcornwell/capdl/config/sysdesc"
)

// capKindNames maps a <cap_map> element's textual cap kind to the
// shadow-CSpace key recorded by step C (one entry per
// feature #3).
var capKindNames = map[string]CapKind{
	"vspace":       CapVSpace,
	"tcb":          CapTCB,
	"notification": CapNotification,
	"fault_ep":     CapFaultEP,
	"input_ep":     CapInputEP,
	"reply":        CapReply,
	"sc":           CapSC,
	"vcpu":         CapVCPU,
}

// buildCapMaps is step E of the graph build: for each explicit cap map,
// look up the source PD's cached capability of the requested kind in
// its shadow CSpace and install it into the destination PD's CSpace
// at base_user_caps + slot_offset.
func (b *Builder) buildCapMaps(desc *sysdesc.Description) error {
	for _, cm := range desc.CapMaps {
		from, ok := b.byName[cm.FromPD]
		if !ok {
			return fmt.Errorf("cap map: unknown source pd %q", cm.FromPD)
		}
		to, ok := b.byName[cm.ToPD]
		if !ok {
			return fmt.Errorf("cap map: unknown destination pd %q", cm.ToPD)
		}
		kind, ok := capKindNames[cm.CapKind]
		if !ok {
			return fmt.Errorf("cap map: unknown cap kind %q", cm.CapKind)
		}
		cap, ok := from.shadow[kind]
		if !ok {
			return fmt.Errorf("cap map: pd %q has no cached %q capability", cm.FromPD, cm.CapKind)
		}
		if err := b.store.InsertCap(to.cspace, CSlotUserBase+cm.SlotOffset, cap); err != nil {
			return err
		}
	}
	return nil
}
