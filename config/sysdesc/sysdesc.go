/*
 * capdl - System Description XML loader.
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

package sysdesc

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Loader turns a path to a System Description document into a parsed
// Description. XML parsing is out of scope for the core (spec.md
// §1); this interface is the seam that keeps it that way.
type Loader interface {
	Load(path string) (*Description, error)
}

// XMLLoader is the default Loader, built on the standard library's
// encoding/xml. Parsing the document itself is a non-goal of the
// core, so there is no third-party dependency to reach for here —
// see DESIGN.md.
type XMLLoader struct{}

var _ Loader = XMLLoader{}

// xmlSystem mirrors the top-level <system> element.
type xmlSystem struct {
	XMLName          xml.Name         `xml:"system"`
	Board            string           `xml:"board,attr"`
	Arch             string           `xml:"arch,attr"`
	KernelPhysBase   string           `xml:"kernel_phys_base,attr"`
	KernelPhysSize   string           `xml:"kernel_phys_size,attr"`
	Monitor          string           `xml:"monitor,attr"`
	MonitorPriority  uint8            `xml:"monitor_priority,attr"`
	MonitorBudget    uint64           `xml:"monitor_budget,attr"`
	MonitorPeriod    uint64           `xml:"monitor_period,attr"`
	Memory           []xmlMemory      `xml:"memory"`
	MemoryRegions    []xmlMR          `xml:"memory_region"`
	PDs              []xmlPD          `xml:"protection_domain"`
	Channels         []xmlChannel     `xml:"channel"`
	CapMaps          []xmlCapMap      `xml:"cap_map"`
}

type xmlMemory struct {
	Base   string `xml:"base,attr"`
	Size   string `xml:"size,attr"`
	Device bool   `xml:"device,attr"`
}

type xmlMR struct {
	Name         string `xml:"name,attr"`
	Size         string `xml:"size,attr"`
	PageSize     string `xml:"page_size,attr"`
	PhysAddr     string `xml:"phys_addr,attr"`
	ToolAllocate bool   `xml:"tool_allocate,attr"`
}

type xmlMap struct {
	MR         string `xml:"mr,attr"`
	VAddr      string `xml:"vaddr,attr"`
	Perms      string `xml:"perms,attr"`
	Cached     string `xml:"cached,attr"`
	SetVarAddr string `xml:"setvar_vaddr,attr"`
}

type xmlIRQ struct {
	IRQ       uint32 `xml:"irq,attr"`
	ID        int    `xml:"id,attr"`
	Trigger   string `xml:"trigger,attr"`
	CPU       uint32 `xml:"cpu,attr"`
	IOAPIC    *uint32 `xml:"ioapic,attr"`
	Pin       uint32 `xml:"pin,attr"`
	Polarity  string `xml:"polarity,attr"`
	PCIBus    uint8  `xml:"pcibus,attr"`
	PCIDev    uint8  `xml:"pcidev,attr"`
	PCIFunc   uint8  `xml:"pcifunc,attr"`
	Handle    uint32 `xml:"handle,attr"`
}

type xmlIOPorts struct {
	ID    int    `xml:"id,attr"`
	Start string `xml:"start,attr"`
	End   string `xml:"end,attr"`
}

type xmlSetVar struct {
	Symbol      string `xml:"symbol,attr"`
	RegionPaddr string `xml:"region_paddr,attr"`
}

type xmlVCPU struct {
	ID uint32 `xml:"id,attr"`
}

type xmlVM struct {
	Name     string    `xml:"name,attr"`
	Priority uint8     `xml:"priority,attr"`
	Budget   uint64    `xml:"budget,attr"`
	Period   uint64    `xml:"period,attr"`
	Maps     []xmlMap  `xml:"map"`
	VCPUs    []xmlVCPU `xml:"vcpu"`
}

type xmlPD struct {
	Name         string       `xml:"name,attr"`
	Parent       string       `xml:"-"`
	Priority     uint8        `xml:"priority,attr"`
	Passive      bool         `xml:"passive,attr"`
	ProgramImage string       `xml:"program_image"`
	StackSize    string       `xml:"stack_size,attr"`
	Budget       uint64       `xml:"budget,attr"`
	Period       uint64       `xml:"period,attr"`
	Maps         []xmlMap     `xml:"map"`
	IRQs         []xmlIRQ     `xml:"irq"`
	IOPorts      []xmlIOPorts `xml:"ioports"`
	SetVars      []xmlSetVar  `xml:"setvar"`
	VM           *xmlVM       `xml:"virtual_machine"`
	TrustedCall  bool         `xml:"smc,attr"`
	Children     []xmlPD      `xml:"protection_domain"`
}

type xmlChannelEnd struct {
	PD     string `xml:"pd,attr"`
	ID     int    `xml:"id,attr"`
	Notify bool   `xml:"notify,attr"`
	PP     bool   `xml:"pp,attr"`
}

type xmlChannel struct {
	Ends []xmlChannelEnd `xml:"end"`
}

type xmlCapMap struct {
	FromPD     string `xml:"from_pd,attr"`
	Kind       string `xml:"kind,attr"`
	ToPD       string `xml:"to_pd,attr"`
	SlotOffset uint32 `xml:"slot_offset,attr"`
}

// Load reads and parses path into a Description.
func (XMLLoader) Load(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sysdesc: reading %s: %w", path, err)
	}
	var doc xmlSystem
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("sysdesc: parsing %s: %w", path, err)
	}
	return convert(&doc)
}

func parseUintMaybeHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	if strings.HasSuffix(s, "K") {
		v, err := strconv.ParseUint(strings.TrimSuffix(s, "K"), 10, 64)
		return v * 1024, err
	}
	if strings.HasSuffix(s, "M") {
		v, err := strconv.ParseUint(strings.TrimSuffix(s, "M"), 10, 64)
		return v * 1024 * 1024, err
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "aarch64", "arm64":
		return ArchAArch64, nil
	case "riscv64":
		return ArchRISCV64, nil
	case "x86_64", "x86-64", "amd64":
		return ArchX86_64, nil
	default:
		return 0, fmt.Errorf("sysdesc: unknown arch %q", s)
	}
}

func parseTrigger(s string) Trigger {
	if strings.EqualFold(s, "edge") {
		return TriggerEdge
	}
	return TriggerLevel
}

func parsePerms(s string) (read, write, exec bool) {
	return strings.ContainsRune(s, 'r'), strings.ContainsRune(s, 'w'), strings.ContainsRune(s, 'x')
}

func convertMap(m xmlMap) (Mapping, error) {
	vaddr, err := parseUintMaybeHex(m.VAddr)
	if err != nil {
		return Mapping{}, fmt.Errorf("sysdesc: map %q: bad vaddr: %w", m.MR, err)
	}
	r, w, x := parsePerms(m.Perms)
	return Mapping{
		Region:     m.MR,
		VAddr:      vaddr,
		Read:       r,
		Write:      w,
		Execute:    x,
		Cached:     m.Cached != "false",
		SetVarAddr: m.SetVarAddr,
	}, nil
}

func convertIRQ(i xmlIRQ) IRQDecl {
	d := IRQDecl{
		IRQNumber: i.IRQ,
		LogicalID: i.ID,
		Trigger:   parseTrigger(i.Trigger),
		TargetCPU: i.CPU,
		PCIBus:    i.PCIBus,
		PCIDev:    i.PCIDev,
		PCIFunc:   i.PCIFunc,
		Handle:    i.Handle,
		Pin:       i.Pin,
		Polarity:  strings.EqualFold(i.Polarity, "low"),
	}
	switch {
	case i.IOAPIC != nil:
		d.Kind = IRQKindIOAPIC
		d.IOAPIC = *i.IOAPIC
	case i.Handle != 0 || i.PCIFunc != 0 || i.PCIBus != 0:
		d.Kind = IRQKindMSI
	default:
		d.Kind = IRQKindArm
	}
	return d
}

func convertPD(x xmlPD, parent string, out *[]ProtectionDomain) error {
	pd := ProtectionDomain{
		Name:         x.Name,
		Parent:       parent,
		Priority:     x.Priority,
		Passive:      x.Passive,
		ProgramImage: x.ProgramImage,
		Budget:       x.Budget,
		Period:       x.Period,
		TrustedCall:  x.TrustedCall,
	}
	ss, err := parseUintMaybeHex(x.StackSize)
	if err != nil {
		return fmt.Errorf("sysdesc: pd %q: bad stack_size: %w", x.Name, err)
	}
	if ss == 0 {
		ss = 0x4000
	}
	pd.StackSize = ss

	for _, m := range x.Maps {
		mm, err := convertMap(m)
		if err != nil {
			return err
		}
		pd.Maps = append(pd.Maps, mm)
	}
	for _, i := range x.IRQs {
		pd.IRQs = append(pd.IRQs, convertIRQ(i))
	}
	for _, p := range x.IOPorts {
		start, err := parseUintMaybeHex(p.Start)
		if err != nil {
			return fmt.Errorf("sysdesc: pd %q: bad ioports start: %w", x.Name, err)
		}
		end, err := parseUintMaybeHex(p.End)
		if err != nil {
			return fmt.Errorf("sysdesc: pd %q: bad ioports end: %w", x.Name, err)
		}
		pd.IOPorts = append(pd.IOPorts, IOPortsDecl{LogicalID: p.ID, Start: uint16(start), End: uint16(end)})
	}
	for _, s := range x.SetVars {
		pd.SetVars = append(pd.SetVars, SetVar{Symbol: s.Symbol, RegionPaddr: s.RegionPaddr})
	}
	if x.VM != nil {
		vm := &VirtualMachine{
			Name:     x.VM.Name,
			Priority: x.VM.Priority,
			Budget:   x.VM.Budget,
			Period:   x.VM.Period,
		}
		for _, m := range x.VM.Maps {
			mm, err := convertMap(m)
			if err != nil {
				return err
			}
			vm.Maps = append(vm.Maps, mm)
		}
		for _, v := range x.VM.VCPUs {
			vm.VCPUs = append(vm.VCPUs, VCPUDecl{ID: v.ID})
		}
		pd.VM = vm
	}

	*out = append(*out, pd)
	for _, c := range x.Children {
		if err := convertPD(c, x.Name, out); err != nil {
			return err
		}
	}
	return nil
}

func convert(doc *xmlSystem) (*Description, error) {
	arch, err := parseArch(doc.Arch)
	if err != nil {
		return nil, err
	}
	kernelBase, err := parseUintMaybeHex(doc.KernelPhysBase)
	if err != nil {
		return nil, fmt.Errorf("sysdesc: bad kernel_phys_base: %w", err)
	}
	kernelSize, err := parseUintMaybeHex(doc.KernelPhysSize)
	if err != nil {
		return nil, fmt.Errorf("sysdesc: bad kernel_phys_size: %w", err)
	}

	d := &Description{
		Board:           doc.Board,
		Arch:            arch,
		Kernel:          KernelImage{PhysBase: kernelBase, PhysSize: kernelSize},
		Monitor:         doc.Monitor,
		MonitorPriority: doc.MonitorPriority,
		MonitorBudget:   doc.MonitorBudget,
		MonitorPeriod:   doc.MonitorPeriod,
	}

	for _, m := range doc.Memory {
		base, err := parseUintMaybeHex(m.Base)
		if err != nil {
			return nil, fmt.Errorf("sysdesc: bad memory base: %w", err)
		}
		size, err := parseUintMaybeHex(m.Size)
		if err != nil {
			return nil, fmt.Errorf("sysdesc: bad memory size: %w", err)
		}
		d.Memory = append(d.Memory, PhysMemRegion{Base: base, Size: size, Device: m.Device})
	}

	for _, mr := range doc.MemoryRegions {
		size, err := parseUintMaybeHex(mr.Size)
		if err != nil {
			return nil, fmt.Errorf("sysdesc: mr %q: bad size: %w", mr.Name, err)
		}
		pageSize, err := parseUintMaybeHex(mr.PageSize)
		if err != nil {
			return nil, fmt.Errorf("sysdesc: mr %q: bad page_size: %w", mr.Name, err)
		}
		if pageSize == 0 {
			pageSize = 0x1000
		}
		m := MemoryRegion{
			Name:         mr.Name,
			PageCount:    (size + pageSize - 1) / pageSize,
			PageSize:     pageSize,
			ToolAllocate: mr.ToolAllocate,
		}
		if mr.PhysAddr != "" {
			pa, err := parseUintMaybeHex(mr.PhysAddr)
			if err != nil {
				return nil, fmt.Errorf("sysdesc: mr %q: bad phys_addr: %w", mr.Name, err)
			}
			m.PhysAddr = &pa
		}
		d.MemoryRegions = append(d.MemoryRegions, m)
	}

	for _, p := range doc.PDs {
		if err := convertPD(p, "", &d.PDs); err != nil {
			return nil, err
		}
	}

	for _, c := range doc.Channels {
		if len(c.Ends) != 2 {
			return nil, fmt.Errorf("sysdesc: channel must have exactly two ends, got %d", len(c.Ends))
		}
		d.Channels = append(d.Channels, Channel{
			End1: ChannelEnd{PD: c.Ends[0].PD, ID: c.Ends[0].ID, Notify: c.Ends[0].Notify, PP: c.Ends[0].PP},
			End2: ChannelEnd{PD: c.Ends[1].PD, ID: c.Ends[1].ID, Notify: c.Ends[1].Notify, PP: c.Ends[1].PP},
		})
	}

	for _, cm := range doc.CapMaps {
		d.CapMaps = append(d.CapMaps, CapMap{
			FromPD:     cm.FromPD,
			CapKind:    cm.Kind,
			ToPD:       cm.ToPD,
			SlotOffset: cm.SlotOffset,
		})
	}

	return d, nil
}
