/*
 * capdl - System Description types.
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

// Package sysdesc is the narrow boundary between the System
// Description XML document and the rest of the builder. XML parsing
// is explicitly out of scope for the core; Description
// is the parsed shape the Graph Builder actually consumes, and Loader
// is the one-method interface that produces it, so no core package
// ever imports encoding/xml directly.
package sysdesc

// IRQKind discriminates which architecture-specific IRQ declaration
// shape a <irq> element carries.
type IRQKind int

const (
	IRQKindArm IRQKind = iota
	IRQKindRiscV
	IRQKindIOAPIC
	IRQKindMSI
)

// Trigger mirrors spec.md's IRQ trigger sensitivity.
type Trigger int

const (
	TriggerLevel Trigger = iota
	TriggerEdge
)

// IRQDecl is one <irq> child of a protection_domain.
type IRQDecl struct {
	Kind      IRQKind
	IRQNumber uint32
	LogicalID int
	Trigger   Trigger
	TargetCPU uint32 // ARM/RISC-V target CPU

	IOAPIC   uint32 // x86 IOAPIC unit
	Pin      uint32
	Polarity bool // true = active-low

	PCIBus  uint8 // x86 MSI
	PCIDev  uint8
	PCIFunc uint8
	Handle  uint32
}

// IOPortsDecl is one x86 <ioports> declaration.
type IOPortsDecl struct {
	LogicalID int
	Start     uint16
	End       uint16
}

// Mapping is one <map> element: a memory region mapped into a PD's or
// VM's address space.
type Mapping struct {
	Region     string
	VAddr      uint64
	Read       bool
	Write      bool
	Execute    bool
	Cached     bool
	SetVarAddr string // symbol patched with the mapped virtual address, if any
}

// VCPUDecl is one <vcpu> child of a virtual_machine.
type VCPUDecl struct {
	ID uint32
}

// VirtualMachine is the optional VM attached to a protection domain.
type VirtualMachine struct {
	Name   string
	Priority uint8
	Budget   uint64
	Period   uint64
	Maps     []Mapping
	VCPUs    []VCPUDecl
}

// SetVar is a <setvar symbol=".." region_paddr=".."/> directive:
// patch symbol in the PD's ELF with the physical address the named
// region is ultimately assigned.
type SetVar struct {
	Symbol      string
	RegionPaddr string
}

// ProtectionDomain is one <protection_domain> element.
type ProtectionDomain struct {
	Name         string
	Parent       string // empty for a root PD
	Priority     uint8
	Passive      bool
	ProgramImage string
	StackSize    uint64
	Budget       uint64
	Period       uint64
	Maps         []Mapping
	IRQs         []IRQDecl
	IOPorts      []IOPortsDecl
	SetVars      []SetVar
	VM           *VirtualMachine
	TrustedCall  bool // one architecture's trusted-call capability
}

// MemoryRegion is one <memory_region> element.
type MemoryRegion struct {
	Name         string
	PageCount    uint64
	PageSize     uint64
	PhysAddr     *uint64
	ToolAllocate bool
}

// ChannelEnd is one <end> child of a <channel>.
type ChannelEnd struct {
	PD     string
	ID     int
	Notify bool
	PP     bool // protected-procedure-call rights
}

// Channel is a directed pair of capability installations between two PDs.
type Channel struct {
	End1 ChannelEnd
	End2 ChannelEnd
}

// CapMap is one explicit user cap-map between two PDs' shadow CSpaces.
type CapMap struct {
	FromPD     string
	CapKind    string
	ToPD       string
	SlotOffset uint32
}

// PhysMemRegion is one platform physical memory range, normal or device.
type PhysMemRegion struct {
	Base   uint64
	Size   uint64
	Device bool
}

// KernelImage is the physical footprint of the kernel image itself,
// subtracted from declared memory by the Boot Emulator.
type KernelImage struct {
	PhysBase uint64
	PhysSize uint64
}

// Arch identifies the target architecture, selecting the Paging
// Builder's level table and the Boot Emulator's untyped size limit.
type Arch int

const (
	ArchAArch64 Arch = iota
	ArchRISCV64
	ArchX86_64
)

// Description is the fully parsed System Description: everything the
// Graph Builder (capdl/graph) needs to build the object graph, plus
// everything the Boot Emulator (capdl/bootemu) needs to know about
// the platform's physical memory map.
type Description struct {
	Board string
	Arch  Arch

	Kernel    KernelImage
	Memory    []PhysMemRegion
	Monitor   string // monitor program image path

	MonitorPriority uint8
	MonitorBudget   uint64
	MonitorPeriod   uint64

	PDs            []ProtectionDomain
	MemoryRegions  []MemoryRegion
	Channels       []Channel
	CapMaps        []CapMap
}
