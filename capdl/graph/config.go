/*
 * capdl - Graph Builder configuration and PD bookkeeping.
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
	"log/slog"

	"github.com/rcornwell/capdl/capdl/elfimage"
	"github.com/rcornwell/capdl/capdl/irqbuild"
	"github.com/rcornwell/capdl/capdl/objstore"
	"github.com/rcornwell/capdl/capdl/paging"
	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/config/sysdesc"
)

// CapKind is the small closed set of capability types a PD's shadow
// CSpace is keyed by, one entry per cap kind a cap map can target.
type CapKind int

const (
	CapVSpace CapKind = iota
	CapTCB
	CapNotification
	CapFaultEP
	CapInputEP
	CapReply
	CapSC
	CapVCPU
)

// Config parameterises one Graph Builder run: the architecture's
// paging layout and the handful of architecture-dependent constants
// that vary per target platform.
type Config struct {
	Layout paging.Layout

	// CapAddressBits is the "total cap address bits" constant,
	// wider on 64-bit architectures than on 32-bit ones. CSpace
	// guard = CapAddressBits - CSpaceSlotBits.
	CapAddressBits int

	// UserTop is the virtual top of user address space, used to
	// initialise every TCB's stack pointer register.
	UserTop uint64

	MonitorPriority uint8
	MonitorBudget   uint64
	MonitorPeriod   uint64

	DefaultBudget uint64
	DefaultPeriod uint64

	SmallPageSize uint64

	// X86 selects the x86 VM path (step 11: VM shares the PD's TCB via
	// a single vCPU) versus the ARM/RISC-V path (separate TCB per vCPU).
	X86 bool

	// SupportsTrustedCall gates step 12's trusted-call capability,
	// available on one architecture only.
	SupportsTrustedCall bool
}

// pdState is the Graph Builder's per-PD bookkeeping, alive only
// during Build and discarded once the Spec is returned.
type pdState struct {
	index  int
	decl   sysdesc.ProtectionDomain
	parent *pdState // nil for a root PD

	tcb           spec.ObjectID
	vspace        spec.ObjectID
	cspace        spec.ObjectID
	notification  spec.ObjectID
	inputEndpoint *spec.ObjectID
	reply         spec.ObjectID
	sc            spec.ObjectID
	vcpu          *spec.ObjectID // x86: the single vCPU shared with the TCB

	shadow map[CapKind]spec.Capability

	// vmVCPUTCBs holds the per-vCPU TCBs on the ARM/RISC-V VM path,
	// registered with the monitor's CSpace for debug naming.
	vmVCPUTCBs []spec.ObjectID
}

// Builder drives the Object Store, Paging Builder and IRQ Builder to
// produce the complete object graph for one System Description.
type Builder struct {
	store  *objstore.Store
	paging *paging.Builder
	irq    *irqbuild.Builder
	cfg    Config
	elf    elfimage.Loader
	log    *slog.Logger

	// smc is the lazily-created shared Arm-SMC object step C.12's
	// trusted-call capability targets; every PD with TrustedCall set
	// shares the one object.
	smc *spec.ObjectID

	target *spec.Spec

	monitor struct {
		tcb      spec.ObjectID
		vspace   spec.ObjectID
		cspace   spec.ObjectID
		faultEP  spec.ObjectID
		reply    spec.ObjectID
		sc       spec.ObjectID
	}

	pds      []*pdState
	byName   map[string]*pdState
	mrFrames regionFrames

	// debugNames accumulates every object that must be registered
	// with the monitor's CSpace for debug naming (step C.15),
	// installed in one pass after Step C (supplemented feature #6).
	debugNames []debugNameReq

	// passiveRegs accumulates the passive PDs, whose SC and
	// notification are also registered with the monitor so it can unbind
	// the SC and bind the notification after init() returns (step C.15).
	passiveRegs []*pdState
}

type debugNameReq struct {
	object spec.ObjectID
	name   string
}

// New returns a Builder. elf resolves program-image paths to parsed
// ELF images; target is the Spec under construction (its IRQs slice
// is appended to by the IRQ Builder).
func New(cfg Config, elf elfimage.Loader, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	store := objstore.New()
	target := &spec.Spec{}
	return &Builder{
		store:  store,
		paging: paging.New(store, cfg.Layout),
		cfg:    cfg,
		elf:    elf,
		log:    log,
		target: target,
		irq:    irqbuild.New(store, target),
		byName: make(map[string]*pdState),
	}
}

func (b *Builder) cspaceGuard() uint64 {
	return uint64(b.cfg.CapAddressBits - CSpaceSlotBits)
}
