/*
 * capdl - Graph Builder step A: monitor.
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

	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/config/sysdesc"
	"github.com/rcornwell/capdl/internal/builderr"
)

const ipcBufferSymbol = "__sel4_ipc_buffer_obj"

// buildMonitor is step A of the graph build.
func (b *Builder) buildMonitor(desc *sysdesc.Description) error {
	vspace := b.paging.CreateVSpace("monitor", false)
	b.monitor.vspace = vspace

	img, err := b.elf.Load(desc.Monitor)
	if err != nil {
		return err
	}
	if _, err := b.mapElfSegments("monitor", vspace, img); err != nil {
		return err
	}

	ipcAddr, ok := img.Symbol(ipcBufferSymbol)
	if !ok {
		return &builderr.MissingSymbolError{PD: "monitor", Symbol: ipcBufferSymbol}
	}
	ipcFrame := b.addFrame("monitor/ipc_buffer", b.cfg.SmallPageSize, nil)
	if err := b.paging.MapPage(vspace, frameCap(ipcFrame, true, true, false, true), b.cfg.SmallPageSize, ipcAddr); err != nil {
		return err
	}

	stackTop := b.cfg.UserTop
	stackFrame := b.addFrame("monitor/stack", b.cfg.SmallPageSize, nil)
	stackVAddr := stackTop - b.cfg.SmallPageSize
	if err := b.paging.MapPage(vspace, frameCap(stackFrame, true, true, false, true), b.cfg.SmallPageSize, stackVAddr); err != nil {
		return err
	}

	faultEP := b.store.Add(&spec.Object{Name: "monitor/fault_ep", Kind: spec.KindEndpoint})
	reply := b.store.Add(&spec.Object{Name: "monitor/reply", Kind: spec.KindReply})
	sc := b.store.Add(&spec.Object{
		Name: "monitor/sc",
		Kind: spec.KindSchedContext,
		SchedContext: &spec.SchedContextData{
			Period: b.cfg.DefaultPeriod,
			Budget: b.cfg.DefaultBudget,
		},
	})

	cspace := b.store.Add(&spec.Object{
		Name: "monitor/cspace",
		Kind: spec.KindCNode,
		CNode: &spec.CNodeData{
			SizeBits: CSpaceSlotBits,
		},
	})
	if err := b.store.InsertCap(cspace, CSlotFaultEP, spec.Capability{Target: faultEP, Kind: spec.KindEndpoint, Rights: spec.AllRights()}); err != nil {
		return err
	}
	if err := b.store.InsertCap(cspace, CSlotReply, spec.Capability{Target: reply, Kind: spec.KindReply, Rights: spec.AllRights()}); err != nil {
		return err
	}

	tcb := b.store.Add(&spec.Object{
		Name: "monitor/tcb",
		Kind: spec.KindTCB,
		TCB: &spec.TCBData{
			Regs: spec.Registers{
				StackPointer:  stackTop,
				Priority:      b.cfg.MonitorPriority,
				MaxPriority:   b.cfg.MonitorPriority,
				Resume:        true,
				IPCBufferAddr: ipcAddr,
			},
		},
	})
	if err := b.installTCBSlots(tcb, cspace, vspace, ipcFrame, faultEP, sc, 0, nil); err != nil {
		return fmt.Errorf("monitor tcb: %w", err)
	}

	b.monitor.tcb = tcb
	b.monitor.cspace = cspace
	b.monitor.faultEP = faultEP
	b.monitor.reply = reply
	b.monitor.sc = sc
	return nil
}

// installTCBSlots installs the fixed TCB register slots:
// CSpace=0, VSpace=1, IPCBuffer=4, FaultEP=5, SC=6, and
// BoundNotification=8 when notification is non-nil. The vCPU=9 and
// extended-VSpace-root=10 slots are installed by the callers that need them.
func (b *Builder) installTCBSlots(tcb, cspace, vspace, ipcFrame spec.ObjectID, faultEP, sc spec.ObjectID, faultBadge uint64, notification *spec.ObjectID) error {
	inserts := []struct {
		slot uint32
		cap  spec.Capability
	}{
		{TCBSlotCSpace, spec.Capability{Target: cspace, Kind: spec.KindCNode, Rights: spec.AllRights(), GuardSize: uint8(b.cspaceGuard())}},
		{TCBSlotVSpace, spec.Capability{Target: vspace, Kind: spec.KindPageTable, Rights: spec.AllRights()}},
		{TCBSlotIPCBuffer, spec.Capability{Target: ipcFrame, Kind: spec.KindFrame, Rights: spec.Rights{Read: true, Write: true}}},
		{TCBSlotFaultEP, spec.Capability{Target: faultEP, Kind: spec.KindEndpoint, Rights: spec.AllRights(), Badge: faultBadge}},
		{TCBSlotSC, spec.Capability{Target: sc, Kind: spec.KindSchedContext, Rights: spec.AllRights()}},
	}
	for _, ins := range inserts {
		if err := b.store.InsertCap(tcb, ins.slot, ins.cap); err != nil {
			return err
		}
	}
	if notification != nil {
		if err := b.store.InsertCap(tcb, TCBSlotBoundNotification, spec.Capability{Target: *notification, Kind: spec.KindNotification, Rights: spec.AllRights()}); err != nil {
			return err
		}
	}
	return nil
}
