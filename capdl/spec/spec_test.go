/*
 * capdl - Kernel object graph data model.
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

package spec

import "testing"

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindEndpoint, "Endpoint"},
		{KindCNode, "CNode"},
		{KindIRQ, "IRQ"},
		{KindVCPU, "VCPU"},
		{Kind(99), "Unknown"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("Kind(%d).String(): got %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestAllRightsSetsEveryBit(t *testing.T) {
	r := AllRights()
	if !r.Read || !r.Write || !r.Grant || !r.GrantReply {
		t.Errorf("AllRights: got %+v", r)
	}
}

func TestSlotsDispatchesByKind(t *testing.T) {
	cnode := &Object{Kind: KindCNode, CNode: &CNodeData{SizeBits: 4}}
	if _, ok := cnode.Slots(); !ok {
		t.Error("CNode should report a slot list")
	}

	tcb := &Object{Kind: KindTCB, TCB: &TCBData{}}
	if _, ok := tcb.Slots(); !ok {
		t.Error("TCB should report a slot list")
	}

	pt := &Object{Kind: KindPageTable, PageTable: &PageTableData{}}
	if _, ok := pt.Slots(); !ok {
		t.Error("PageTable should report a slot list")
	}

	irq := &Object{Kind: KindIRQ, IRQ: &IRQData{}}
	if _, ok := irq.Slots(); !ok {
		t.Error("IRQ should report a slot list")
	}

	notif := &Object{Kind: KindNotification}
	if slots, ok := notif.Slots(); ok || slots != nil {
		t.Errorf("Notification should carry no slot list, got (%v, %v)", slots, ok)
	}
}

func TestSlotListFind(t *testing.T) {
	slots := SlotList{
		{Slot: 2, Capability: Capability{Kind: KindNotification}},
		{Slot: 5, Capability: Capability{Kind: KindTCB}},
	}
	if e, ok := slots.Find(5); !ok || e.Capability.Kind != KindTCB {
		t.Errorf("Find(5): got (%+v, %v)", e, ok)
	}
	if _, ok := slots.Find(3); ok {
		t.Error("Find(3) should report false for an absent slot")
	}
}
