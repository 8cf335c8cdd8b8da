/*
 * capdl - Graph Builder step C: protection domains.
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

	"github.com/rcornwell/capdl/capdl/elfimage"
	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/config/sysdesc"
	"github.com/rcornwell/capdl/internal/builderr"
)

// buildProtectionDomains is step C of the graph build: in enumeration
// order (parents precede children), build one PD's full object graph.
func (b *Builder) buildProtectionDomains(desc *sysdesc.Description, mrFrames regionFrames) error {
	mrByName := make(map[string]sysdesc.MemoryRegion, len(desc.MemoryRegions))
	for _, mr := range desc.MemoryRegions {
		mrByName[mr.Name] = mr
	}

	children, ppcCallee := classifyPDs(desc)

	for idx, decl := range desc.PDs {
		if err := b.buildOnePD(idx, decl, mrByName, mrFrames, children[decl.Name], ppcCallee[decl.Name]); err != nil {
			return fmt.Errorf("pd %q: %w", decl.Name, err)
		}
	}
	return nil
}

// classifyPDs precomputes, per PD name, whether it has children and
// whether any channel end declares it the target of a protected
// procedure call - the two extra conditions (besides owning a VM)
// that force an input endpoint instead of a bare notification
// (step C.7).
func classifyPDs(desc *sysdesc.Description) (hasChildren, ppcCallee map[string]bool) {
	hasChildren = make(map[string]bool)
	ppcCallee = make(map[string]bool)
	for _, pd := range desc.PDs {
		if pd.Parent != "" {
			hasChildren[pd.Parent] = true
		}
	}
	for _, ch := range desc.Channels {
		if ch.End1.PP {
			ppcCallee[ch.End2.PD] = true
		}
		if ch.End2.PP {
			ppcCallee[ch.End1.PD] = true
		}
	}
	return hasChildren, ppcCallee
}

// elfSegmentRanges returns each loadable segment's page-aligned
// virtual address range, for step C.2's overlap check.
func elfSegmentRanges(img elfimage.Image, pageSize uint64) [][2]uint64 {
	var ranges [][2]uint64
	for _, seg := range img.Segments() {
		base := seg.VAddr &^ (pageSize - 1)
		covered := (seg.VAddr - base) + seg.MemSize
		pageCount := (covered + pageSize - 1) / pageSize
		ranges = append(ranges, [2]uint64{base, base + pageCount*pageSize})
	}
	return ranges
}

func (b *Builder) buildOnePD(idx int, decl sysdesc.ProtectionDomain, mrByName map[string]sysdesc.MemoryRegion, mrFrames regionFrames, hasChildren, ppcCallee bool) error {
	pageSize := b.cfg.SmallPageSize

	var parent *pdState
	if decl.Parent != "" {
		var ok bool
		parent, ok = b.byName[decl.Parent]
		if !ok {
			return fmt.Errorf("parent %q not yet built (enumeration order violated)", decl.Parent)
		}
	}

	// C.1: VSpace, CSpace and shadow-CSpace bookkeeping.
	vspace := b.paging.CreateVSpace(decl.Name, false)
	cspace := b.store.Add(&spec.Object{
		Name: decl.Name + "/cspace",
		Kind: spec.KindCNode,
		CNode: &spec.CNodeData{
			SizeBits: CSpaceSlotBits,
		},
	})
	pd := &pdState{
		index:  idx,
		decl:   decl,
		parent: parent,
		vspace: vspace,
		cspace: cspace,
		shadow: make(map[CapKind]spec.Capability),
	}
	pd.shadow[CapVSpace] = spec.Capability{Target: vspace, Kind: spec.KindPageTable, Rights: spec.AllRights()}
	if err := b.store.InsertCap(cspace, CSlotVSpace, pd.shadow[CapVSpace]); err != nil {
		return err
	}

	img, err := b.elf.Load(decl.ProgramImage)
	if err != nil {
		return err
	}
	if _, err := b.mapElfSegments(decl.Name, vspace, img); err != nil {
		return err
	}
	elfRanges := elfSegmentRanges(img, pageSize)

	ipcAddr, ok := img.Symbol(ipcBufferSymbol)
	if !ok {
		return &builderr.MissingSymbolError{PD: decl.Name, Symbol: ipcBufferSymbol}
	}
	ipcFrame := b.addFrame(decl.Name+"/ipc_buffer", pageSize, nil)
	if err := b.paging.MapPage(vspace, frameCap(ipcFrame, true, true, false, true), pageSize, ipcAddr); err != nil {
		return err
	}

	// C.3: bottom-up stack allocation, reserved before MR mappings are
	// checked for overlap.
	stackSize := decl.StackSize
	if stackSize == 0 {
		stackSize = pageSize
	}
	stackPages := (stackSize + pageSize - 1) / pageSize
	stackTop := b.cfg.UserTop
	stackBase := stackTop - stackPages*pageSize
	for i := uint64(0); i < stackPages; i++ {
		frame := b.addFrame(fmt.Sprintf("%s/stack/%d", decl.Name, i), pageSize, nil)
		if err := b.paging.MapPage(vspace, frameCap(frame, true, true, false, true), pageSize, stackBase+i*pageSize); err != nil {
			return err
		}
	}

	// C.2: map every declared MR, rejecting overlap with the stack or
	// any ELF segment.
	for _, m := range decl.Maps {
		frames, ok := mrFrames[m.Region]
		if !ok {
			return &builderr.UnresolvedRegionError{PD: decl.Name, Region: m.Region}
		}
		mr := mrByName[m.Region]
		start := m.VAddr
		end := start + uint64(len(frames))*mr.PageSize

		if overlaps(start, end, stackBase, stackTop) {
			return mappingOverlapErr(decl.Name, m.Region, "stack", start, end)
		}
		for _, r := range elfRanges {
			if overlaps(start, end, r[0], r[1]) {
				return mappingOverlapErr(decl.Name, m.Region, "elf segment", start, end)
			}
		}
		for i, frame := range frames {
			vaddr := start + uint64(i)*mr.PageSize
			if err := b.paging.MapPage(vspace, frameCap(frame, m.Read, m.Write, m.Execute, m.Cached), mr.PageSize, vaddr); err != nil {
				return err
			}
		}
	}

	// C.4: scheduling context, badge = 0x100 + pd_index.
	sc := b.store.Add(&spec.Object{
		Name: decl.Name + "/sc",
		Kind: spec.KindSchedContext,
		SchedContext: &spec.SchedContextData{
			Period: decl.Period,
			Budget: decl.Budget,
			Badge:  schedContextBadgeBase + uint64(idx),
		},
	})
	pd.sc = sc
	pd.shadow[CapSC] = spec.Capability{Target: sc, Kind: spec.KindSchedContext, Rights: spec.AllRights()}

	// C.5: fault-endpoint capability, root PD vs child PD.
	var faultTarget spec.ObjectID
	var faultBadge uint64
	if parent == nil {
		faultTarget = b.monitor.faultEP
		faultBadge = uint64(idx + 1)
	} else {
		if parent.inputEndpoint == nil {
			return fmt.Errorf("parent %q has no input endpoint for child %q", decl.Parent, decl.Name)
		}
		faultTarget = *parent.inputEndpoint
		faultBadge = BadgeFaultBit | uint64(idx)
	}
	faultEP := faultTarget
	pd.shadow[CapFaultEP] = spec.Capability{Target: faultEP, Kind: spec.KindEndpoint, Rights: spec.AllRights(), Badge: faultBadge}
	if err := b.store.InsertCap(cspace, CSlotFaultEP, pd.shadow[CapFaultEP]); err != nil {
		return err
	}

	// C.6: passive PDs get an extra capability to the monitor's fault
	// endpoint, so the monitor can unbind the PD's SC and rebind its
	// notification once init() returns.
	if decl.Passive {
		if err := b.store.InsertCap(cspace, CSlotMonitorEP, spec.Capability{
			Target: b.monitor.faultEP,
			Kind:   spec.KindEndpoint,
			Rights: spec.AllRights(),
			Badge:  uint64(idx + 1),
		}); err != nil {
			return err
		}
		b.passiveRegs = append(b.passiveRegs, pd)
	}

	// C.7: notification (always) and input endpoint (children, a VM,
	// or a protected-procedure-call callee).
	notification := b.store.Add(&spec.Object{Name: decl.Name + "/notification", Kind: spec.KindNotification})
	pd.notification = notification
	pd.shadow[CapNotification] = spec.Capability{Target: notification, Kind: spec.KindNotification, Rights: spec.AllRights()}

	needsInput := hasChildren || decl.VM != nil || ppcCallee
	var inputCap spec.Capability
	if needsInput {
		inputEP := b.store.Add(&spec.Object{Name: decl.Name + "/input_ep", Kind: spec.KindEndpoint})
		pd.inputEndpoint = &inputEP
		inputCap = spec.Capability{Target: inputEP, Kind: spec.KindEndpoint, Rights: spec.AllRights()}
		pd.shadow[CapInputEP] = inputCap
	} else {
		inputCap = spec.Capability{Target: notification, Kind: spec.KindNotification, Rights: spec.AllRights()}
	}
	if err := b.store.InsertCap(cspace, CSlotInput, inputCap); err != nil {
		return err
	}

	// C.8: reply slot.
	reply := b.store.Add(&spec.Object{Name: decl.Name + "/reply", Kind: spec.KindReply})
	pd.reply = reply
	pd.shadow[CapReply] = spec.Capability{Target: reply, Kind: spec.KindReply, Rights: spec.AllRights()}
	if err := b.store.InsertCap(cspace, CSlotReply, pd.shadow[CapReply]); err != nil {
		return err
	}

	// C.9: per-IRQ handler installation.
	for _, irq := range decl.IRQs {
		name := fmt.Sprintf("%s/irq/%d", decl.Name, irq.LogicalID)
		cap, err := b.irq.CreateIRQ(name, notification, irq)
		if err != nil {
			return err
		}
		if err := b.store.InsertCap(cspace, CSlotIRQBase+uint32(irq.LogicalID), cap); err != nil {
			return err
		}
	}

	// C.10: per-I/O-ports object (x86 only).
	if b.cfg.X86 {
		for _, iop := range decl.IOPorts {
			obj := b.store.Add(&spec.Object{
				Name:    fmt.Sprintf("%s/ioports/%d", decl.Name, iop.LogicalID),
				Kind:    spec.KindIOPorts,
				IOPorts: &spec.IOPortsData{Start: iop.Start, End: iop.End},
			})
			cap := spec.Capability{Target: obj, Kind: spec.KindIOPorts, Rights: spec.AllRights()}
			if err := b.store.InsertCap(cspace, CSlotIOPortBase+uint32(iop.LogicalID), cap); err != nil {
				return err
			}
		}
	}

	// C.11: optional VM.
	var vmVCPU *spec.ObjectID
	var vmVSpace *spec.ObjectID
	if decl.VM != nil {
		vcpu, guestVSpace, err := b.buildVM(decl.Name, decl.VM, cspace, faultEP, mrFrames, mrByName, pd)
		if err != nil {
			return err
		}
		vmVCPU = vcpu
		vmVSpace = guestVSpace
	}

	// C.12: optional trusted-call capability.
	if b.cfg.SupportsTrustedCall && decl.TrustedCall {
		if b.smc == nil {
			id := b.store.Add(&spec.Object{Name: "smc", Kind: spec.KindArmSMC})
			b.smc = &id
		}
		if err := b.store.InsertCap(cspace, CSlotTrustedCall, spec.Capability{Target: *b.smc, Kind: spec.KindArmSMC, Rights: spec.AllRights()}); err != nil {
			return err
		}
	}

	// C.13/C.14: TCB finalisation.
	tcb := b.store.Add(&spec.Object{
		Name: decl.Name + "/tcb",
		Kind: spec.KindTCB,
		TCB: &spec.TCBData{
			Regs: spec.Registers{
				StackPointer:  stackTop,
				Priority:      decl.Priority,
				MaxPriority:   decl.Priority,
				Resume:        true,
				IPCBufferAddr: ipcAddr,
			},
		},
	})
	if err := b.installTCBSlots(tcb, cspace, vspace, ipcFrame, faultEP, sc, faultBadge, &notification); err != nil {
		return fmt.Errorf("tcb: %w", err)
	}
	if vmVCPU != nil {
		if err := b.store.InsertCap(tcb, TCBSlotVCPU, spec.Capability{Target: *vmVCPU, Kind: spec.KindVCPU, Rights: spec.AllRights()}); err != nil {
			return err
		}
		if err := b.store.InsertCap(tcb, TCBSlotExtendedVSpace, spec.Capability{Target: *vmVSpace, Kind: spec.KindPageTable, Rights: spec.AllRights()}); err != nil {
			return err
		}
	}
	pd.tcb = tcb
	pd.shadow[CapTCB] = spec.Capability{Target: tcb, Kind: spec.KindTCB, Rights: spec.AllRights()}
	if vmVCPU != nil {
		pd.vcpu = vmVCPU
		pd.shadow[CapVCPU] = spec.Capability{Target: *vmVCPU, Kind: spec.KindVCPU, Rights: spec.AllRights()}
	}

	if err := b.store.InsertCap(cspace, CSlotOwnTCB, pd.shadow[CapTCB]); err != nil {
		return err
	}

	if parent != nil {
		if err := b.store.InsertCap(parent.cspace, CSlotChildTCBBase+uint32(idx), pd.shadow[CapTCB]); err != nil {
			return err
		}
		if err := b.store.InsertCap(parent.cspace, CSlotChildSCBase+uint32(idx), pd.shadow[CapSC]); err != nil {
			return err
		}
	}

	// C.15: debug-name registration.
	b.registerDebugName(tcb, decl.Name+"/tcb")
	if decl.Passive {
		b.registerDebugName(sc, decl.Name+"/sc")
		b.registerDebugName(notification, decl.Name+"/notification")
	}

	b.pds = append(b.pds, pd)
	b.byName[decl.Name] = pd
	return nil
}

// buildVM implements step C.11. On the x86 path the VM shares the PD's
// own TCB through a single vCPU bound into reserved TCB slots 9/10; on
// ARM/RISC-V each declared vCPU gets its own TCB, CSpace, IPC buffer
// and scheduling context, registered in the owning PD's CSpace and
// with the monitor for debug naming.
func (b *Builder) buildVM(pdName string, vm *sysdesc.VirtualMachine, pdCSpace spec.ObjectID, pdFaultEP spec.ObjectID, mrFrames regionFrames, mrByName map[string]sysdesc.MemoryRegion, pd *pdState) (*spec.ObjectID, *spec.ObjectID, error) {
	pageSize := b.cfg.SmallPageSize

	if b.cfg.X86 {
		guestVSpace := b.paging.CreateVSpace(pdName+"/vm", true)
		if err := b.mapVMRegions(pdName, guestVSpace, vm.Maps, mrFrames, mrByName); err != nil {
			return nil, nil, err
		}
		vcpu := b.store.Add(&spec.Object{Name: pdName + "/vm/vcpu", Kind: spec.KindVCPU})
		if err := b.store.InsertCap(pdCSpace, CSlotVCPUBase, spec.Capability{Target: vcpu, Kind: spec.KindVCPU, Rights: spec.AllRights()}); err != nil {
			return nil, nil, err
		}
		return &vcpu, &guestVSpace, nil
	}

	guestVSpace := b.paging.CreateVSpace(pdName+"/vm", false)
	if err := b.mapVMRegions(pdName, guestVSpace, vm.Maps, mrFrames, mrByName); err != nil {
		return nil, nil, err
	}

	for i, vcpuDecl := range vm.VCPUs {
		vcpu := b.store.Add(&spec.Object{Name: fmt.Sprintf("%s/vm/vcpu/%d", pdName, vcpuDecl.ID), Kind: spec.KindVCPU})

		ipcFrame := b.addFrame(fmt.Sprintf("%s/vm/vcpu/%d/ipc_buffer", pdName, vcpuDecl.ID), pageSize, nil)
		ipcVAddr := b.cfg.UserTop - pageSize*uint64(2+i)
		if err := b.paging.MapPage(guestVSpace, frameCap(ipcFrame, true, true, false, true), pageSize, ipcVAddr); err != nil {
			return nil, nil, err
		}

		vmCSpace := b.store.Add(&spec.Object{
			Name:  fmt.Sprintf("%s/vm/vcpu/%d/cspace", pdName, vcpuDecl.ID),
			Kind:  spec.KindCNode,
			CNode: &spec.CNodeData{SizeBits: CSpaceSlotBits},
		})
		vmSC := b.store.Add(&spec.Object{
			Name: fmt.Sprintf("%s/vm/vcpu/%d/sc", pdName, vcpuDecl.ID),
			Kind: spec.KindSchedContext,
			SchedContext: &spec.SchedContextData{
				Period: vm.Period,
				Budget: vm.Budget,
			},
		})

		vcpuTCB := b.store.Add(&spec.Object{
			Name: fmt.Sprintf("%s/vm/vcpu/%d/tcb", pdName, vcpuDecl.ID),
			Kind: spec.KindTCB,
			TCB: &spec.TCBData{
				Regs: spec.Registers{
					Priority:      vm.Priority,
					MaxPriority:   vm.Priority,
					Resume:        false, // boot-suspended until the monitor starts the guest
					IPCBufferAddr: ipcVAddr,
				},
			},
		})
		if err := b.installTCBSlots(vcpuTCB, vmCSpace, guestVSpace, ipcFrame, pdFaultEP, vmSC, 0, nil); err != nil {
			return nil, nil, err
		}
		if err := b.store.InsertCap(vcpuTCB, TCBSlotVCPU, spec.Capability{Target: vcpu, Kind: spec.KindVCPU, Rights: spec.AllRights()}); err != nil {
			return nil, nil, err
		}

		if err := b.store.InsertCap(pdCSpace, CSlotVMTCBBase+uint32(i), spec.Capability{Target: vcpuTCB, Kind: spec.KindTCB, Rights: spec.AllRights()}); err != nil {
			return nil, nil, err
		}
		if err := b.store.InsertCap(pdCSpace, CSlotVCPUBase+uint32(i), spec.Capability{Target: vcpu, Kind: spec.KindVCPU, Rights: spec.AllRights()}); err != nil {
			return nil, nil, err
		}

		b.registerDebugName(vcpuTCB, fmt.Sprintf("%s/vm/vcpu/%d/tcb", pdName, vcpuDecl.ID))
		pd.vmVCPUTCBs = append(pd.vmVCPUTCBs, vcpuTCB)
	}

	return nil, nil, nil
}

// mapVMRegions maps a VM's declared regions into its guest VSpace,
// the same way buildOnePD maps a PD's regions into its own VSpace,
// minus the stack/ELF overlap check - a guest address space has
// neither.
func (b *Builder) mapVMRegions(pdName string, vspace spec.ObjectID, maps []sysdesc.Mapping, mrFrames regionFrames, mrByName map[string]sysdesc.MemoryRegion) error {
	for _, m := range maps {
		frames, ok := mrFrames[m.Region]
		if !ok {
			return &builderr.UnresolvedRegionError{PD: pdName + "/vm", Region: m.Region}
		}
		mr := mrByName[m.Region]
		for i, frame := range frames {
			vaddr := m.VAddr + uint64(i)*mr.PageSize
			if err := b.paging.MapPage(vspace, frameCap(frame, m.Read, m.Write, m.Execute, m.Cached), mr.PageSize, vaddr); err != nil {
				return err
			}
		}
	}
	return nil
}
