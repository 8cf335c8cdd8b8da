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

// Package spec holds the in-memory kernel object graph: objects,
// capabilities and the slot lists that tie them together. Every
// inter-object reference is a dense integer ObjectID into a Store
// (see package objstore); nothing here holds a Go pointer to another
// Object, which is what makes a post-build re-sort a single remap pass.
package spec

// ObjectID is a dense, unique index into a Store's object table.
type ObjectID int

// Kind tags which variant payload an Object carries. The set is
// closed: every Kind has exactly one of the payload fields below
// populated, the rest left nil/zero.
type Kind int

const (
	KindEndpoint Kind = iota
	KindNotification
	KindReply
	KindArmSMC
	KindCNode
	KindTCB
	KindFrame
	KindPageTable
	KindSchedContext
	KindIOPorts
	KindIRQ
	KindVCPU
)

func (k Kind) String() string {
	switch k {
	case KindEndpoint:
		return "Endpoint"
	case KindNotification:
		return "Notification"
	case KindReply:
		return "Reply"
	case KindArmSMC:
		return "ArmSMC"
	case KindCNode:
		return "CNode"
	case KindTCB:
		return "TCB"
	case KindFrame:
		return "Frame"
	case KindPageTable:
		return "PageTable"
	case KindSchedContext:
		return "SchedContext"
	case KindIOPorts:
		return "IOPorts"
	case KindIRQ:
		return "IRQ"
	case KindVCPU:
		return "VCPU"
	default:
		return "Unknown"
	}
}

// Rights are the four access bits a Capability can carry.
type Rights struct {
	Read       bool
	Write      bool
	Grant      bool
	GrantReply bool
}

// AllRights is the common case of a capability with every right set.
func AllRights() Rights {
	return Rights{Read: true, Write: true, Grant: true, GrantReply: true}
}

// Capability is a typed reference to an Object plus access metadata.
type Capability struct {
	Target     ObjectID
	Kind       Kind // kind of the target, cached so callers need not dereference through the store
	Rights     Rights
	Badge      uint64
	Cached     bool   // frame caps only
	Guard      uint64 // CNode caps only
	GuardSize  uint8  // CNode caps only
	Executable bool   // frame caps only
}

// CapTableEntry is a (slot, capability) pair living in any object
// variant that carries a slot list.
type CapTableEntry struct {
	Slot       uint32
	Capability Capability
}

// SlotList is the ordered set of capability-table entries belonging
// to one object. Slot indices must be unique within a SlotList; that
// invariant is enforced by objstore.Store.InsertCap, not here.
type SlotList []CapTableEntry

// Find returns the entry at slot, if any.
func (s SlotList) Find(slot uint32) (CapTableEntry, bool) {
	for _, e := range s {
		if e.Slot == slot {
			return e, true
		}
	}
	return CapTableEntry{}, false
}

// CNodeData is the payload of a KindCNode object.
type CNodeData struct {
	SizeBits uint8
	Slots    SlotList
}

// Registers is the TCB payload's register file.
type Registers struct {
	InstructionPointer uint64
	StackPointer       uint64
	Priority           uint8
	MaxPriority        uint8
	Affinity           uint64
	Resume             bool
	IPCBufferAddr      uint64
}

// TCBData is the payload of a KindTCB object.
type TCBData struct {
	Slots SlotList
	Regs  Registers
}

// ContentRef points at a byte range of an ELF segment that backs part
// of a Frame's contents.
type ContentRef struct {
	ElfID        int
	SegmentIndex int
	ByteStart    uint64
	ByteEnd      uint64
}

// FrameFill describes one populated byte range of a Frame: either
// backed by ELF content, or (Content == nil) a zero-fill.
type FrameFill struct {
	RangeStart uint64
	RangeEnd   uint64
	Content    *ContentRef
}

// FrameData is the payload of a KindFrame object.
type FrameData struct {
	SizeBits uint8
	Fills    []FrameFill
}

// PageTableData is the payload of a KindPageTable object.
type PageTableData struct {
	IsRoot         bool
	ExtendedFormat bool // nested-virtualisation paging format
	Level          int  // -1 when not meaningful for this architecture
	Slots          SlotList
}

// SchedContextData is the payload of a KindSchedContext object.
type SchedContextData struct {
	SizeBits uint8
	Period   uint64
	Budget   uint64
	Badge    uint64
}

// IOPortsData is the payload of a KindIOPorts object: an inclusive
// x86 I/O port range.
type IOPortsData struct {
	Start uint16
	End   uint16
}

// TriggerMode is the IRQ trigger sensitivity.
type TriggerMode int32

const (
	TriggerLevel TriggerMode = iota
	TriggerEdge
)

// Polarity is the IOAPIC pin polarity.
type Polarity int32

const (
	PolarityActiveHigh Polarity = iota
	PolarityActiveLow
)

// IRQVariant discriminates the four IRQ object flavours
// names: ARM GIC, RISC-V PLIC, x86 IOAPIC, x86 MSI.
type IRQVariant int

const (
	IRQArm IRQVariant = iota
	IRQRiscV
	IRQX86IOAPIC
	IRQX86MSI
)

// ArmIRQMeta is the ARM-GIC flavour's architecture-specific metadata.
type ArmIRQMeta struct {
	Trigger   TriggerMode
	TargetCPU uint32
}

// RiscVIRQMeta is the RISC-V-PLIC flavour's architecture-specific metadata.
type RiscVIRQMeta struct {
	Trigger TriggerMode
}

// IOAPICMeta is the x86-IOAPIC flavour's architecture-specific metadata.
type IOAPICMeta struct {
	IOAPIC   uint32
	Pin      uint32
	Trigger  TriggerMode
	Polarity Polarity
}

// MSIMeta is the x86-MSI flavour's architecture-specific metadata:
// a PCI bus/device/function triple plus the handle the IRQ is bound to.
type MSIMeta struct {
	PCIBus  uint8
	PCIDev  uint8
	PCIFunc uint8
	Handle  uint32
}

// IRQData is the payload of a KindIRQ object. Exactly one of the
// Arm/RiscV/IOAPIC/MSI fields is populated, selected by Variant.
type IRQData struct {
	Variant IRQVariant
	Slots   SlotList // single slot: the bound notification capability

	Arm    *ArmIRQMeta
	RiscV  *RiscVIRQMeta
	IOAPIC *IOAPICMeta
	MSI    *MSIMeta
}

// Object is a tagged kernel object identified by a dense ID.
type Object struct {
	ID   ObjectID
	Name string
	Kind Kind

	// PhysAddr, when non-nil, pins this object to a physical address;
	// it must be covered by exactly one untyped.
	PhysAddr *uint64

	// PhysicalSizeBits is the object's size class, used both for
	// untyped retyping and for the post-build stable re-sort
	// (graph builder resort step).
	PhysicalSizeBits uint8

	CNode        *CNodeData
	TCB          *TCBData
	Frame        *FrameData
	PageTable    *PageTableData
	SchedContext *SchedContextData
	IOPorts      *IOPortsData
	IRQ          *IRQData
}

// Slots returns the object's slot list and true if this variant
// carries one (CNode, TCB, PageTable, IRQ), or (nil, false) otherwise.
// This is the single dispatch point callers use for:
// no open hierarchy, one place that knows which variants are slotted.
func (o *Object) Slots() (*SlotList, bool) {
	switch o.Kind {
	case KindCNode:
		return &o.CNode.Slots, true
	case KindTCB:
		return &o.TCB.Slots, true
	case KindPageTable:
		return &o.PageTable.Slots, true
	case KindIRQ:
		return &o.IRQ.Slots, true
	default:
		return nil, false
	}
}

// IRQEntry is a pseudo-entry binding a physical IRQ number to the IRQ
// object that handles it.
type IRQEntry struct {
	IRQNumber uint32
	Object    ObjectID
}

// ASIDSlot is a single ASID-pool slot assignment.
type ASIDSlot struct {
	ASID  uint32
	VSpace ObjectID
}

// Range is a half-open integer interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Spec is the top-level container the Graph Builder produces and the
// Allocation Planner and serialiser consume.
type Spec struct {
	Objects     []*Object
	IRQs        []IRQEntry
	ASIDSlots   []ASIDSlot
	RootObjects Range
}
