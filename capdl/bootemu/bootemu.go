/*
 * capdl - Boot Emulator.
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

// Package bootemu re-executes the kernel's boot-time untyped carving
// in software: given the kernel image and the platform's physical
// memory map, it reproduces the exact set of untypeds the kernel's
// own boot code would produce, including its unsigned-wraparound
// kernel-virtual-address decomposition.
package bootemu

import (
	"fmt"
	"math/bits"

	"github.com/rcornwell/capdl/capdl/elfimage"
	"github.com/rcornwell/capdl/capdl/paging"
	"github.com/rcornwell/capdl/config/sysdesc"
	"github.com/rcornwell/capdl/internal/builderr"
)

// Region is a half-open physical (or, transiently, kernel-virtual)
// address range [Base, End).
type Region struct {
	Base uint64
	End  uint64
}

func (r Region) Size() uint64 { return r.End - r.Base }

// ArchLimits is the architecture-specific bound on a decomposed
// untyped's size class (open
// question: a per-architecture table, not one global constant).
// x86-64 is deliberately absent - that path never reaches here
// (one architecture path terminates [before the
// Boot Emulator] and emits").
var ArchLimits = map[sysdesc.Arch]uint{
	sysdesc.ArchAArch64: 47,
	sysdesc.ArchRISCV64: 38,
}

func roundDown(n, x uint64) uint64 { return n &^ (x - 1) }
func roundUp(n, x uint64) uint64   { return roundDown(n+x-1, x) }

// msb returns the bit position of x's highest set bit (x must be > 0).
func msb(x uint64) uint { return uint(bits.Len64(x) - 1) }

// lsb returns the bit position of x's lowest set bit (x must be > 0).
func lsb(x uint64) uint { return uint(bits.TrailingZeros64(x)) }

// alignedPowerOfTwoRegions decomposes r into maximal aligned
// power-of-two-sized pieces, each no larger than 1<<maxBits, working
// in kernel-virtual space (r translated by +virtualBase) so the
// unsigned 2^64 wraparound the kernel's own boot code exhibits is
// reproduced bit-for-bit, then translated back to physical addresses.
func alignedPowerOfTwoRegions(r Region, virtualBase uint64, maxBits uint) []Region {
	var out []Region
	base := r.Base + virtualBase // wraps naturally in uint64
	end := r.End + virtualBase

	for base != end {
		size := end - base // wrapping subtraction
		sizeBits := msb(size)
		var b uint
		if base == 0 {
			b = sizeBits
		} else {
			b = min(sizeBits, lsb(base))
		}
		if b > maxBits {
			b = maxBits
		}
		sz := uint64(1) << b
		out = append(out, Region{Base: base - virtualBase, End: base + sz - virtualBase})
		base += sz
	}
	return out
}

func min(a, b uint) uint {
	if a < b {
		return a
	}
	return b
}

// DisjointRegion is a sorted set of non-overlapping Regions.
type DisjointRegion struct {
	regions []Region
}

// Insert adds [base, end) to the set. Regions are kept sorted and
// disjoint; overlapping inserts are a caller error in the original
// tool and remain one here (platform descriptions are assumed valid).
func (d *DisjointRegion) Insert(base, end uint64) {
	idx := len(d.regions)
	for i, r := range d.regions {
		if end <= r.Base {
			idx = i
			break
		}
	}
	d.regions = append(d.regions, Region{})
	copy(d.regions[idx+1:], d.regions[idx:])
	d.regions[idx] = Region{Base: base, End: end}
}

// Remove deletes [base, end) from the set, trimming or splitting the
// region that covers it.
func (d *DisjointRegion) Remove(base, end uint64) error {
	for i, r := range d.regions {
		if base < r.Base || end > r.End {
			continue
		}
		switch {
		case r.Base == base && r.End == end:
			d.regions = append(d.regions[:i], d.regions[i+1:]...)
		case r.Base == base:
			d.regions[i] = Region{Base: end, End: r.End}
		case r.End == end:
			d.regions[i] = Region{Base: r.Base, End: base}
		default:
			tail := Region{Base: end, End: r.End}
			d.regions[i] = Region{Base: r.Base, End: base}
			d.regions = append(d.regions, Region{})
			copy(d.regions[i+2:], d.regions[i+1:])
			d.regions[i+1] = tail
		}
		return nil
	}
	return fmt.Errorf("bootemu: region [0x%x,0x%x) not covered", base, end)
}

// AllocateFrom removes and returns the base of the first region of at
// least size bytes whose base is >= lowerBound (first-fit,
// lower-bounded - the initial-task placement search).
func (d *DisjointRegion) AllocateFrom(size, lowerBound uint64) (uint64, error) {
	for _, r := range d.regions {
		if r.Size() >= size && r.Base >= lowerBound {
			base := r.Base
			if err := d.Remove(base, base+size); err != nil {
				return 0, err
			}
			return base, nil
		}
	}
	return 0, &builderr.InitialTaskPlacementError{Needed: size, RemainingFree: d.validRanges()}
}

func (d *DisjointRegion) validRanges() []builderr.ValidRange {
	out := make([]builderr.ValidRange, len(d.regions))
	for i, r := range d.regions {
		out[i] = builderr.ValidRange{Base: r.Base, End: r.End}
	}
	return out
}

func (d *DisjointRegion) alignedPowerOfTwoRegions(virtualBase uint64, maxBits uint) []Region {
	var out []Region
	for _, r := range d.regions {
		out = append(out, alignedPowerOfTwoRegions(r, virtualBase, maxBits)...)
	}
	return out
}

// Regions exposes the current sorted, disjoint region list.
func (d *DisjointRegion) Regions() []Region { return d.regions }

// PartialBootInfo is the result of EmulatePartial: the platform's
// physical memory with the kernel image itself removed, plus the
// kernel's own boot-reserved region (re-added once the initial task's
// footprint is known, in EmulateFull).
type PartialBootInfo struct {
	Normal      *DisjointRegion
	Device      *DisjointRegion
	BootRegion  Region
	VirtualBase uint64
}

// EmulatePartial subtracts the kernel image's physical range from the
// declared platform memory map and returns what remains plus the
// kernel's boot-reserved region.
func EmulatePartial(kernelImg elfimage.Image, kernel sysdesc.KernelImage, memory []sysdesc.PhysMemRegion) (*PartialBootInfo, error) {
	normal := &DisjointRegion{}
	device := &DisjointRegion{}
	for _, r := range memory {
		if r.Device {
			device.Insert(r.Base, r.Base+r.Size)
		} else {
			normal.Insert(r.Base, r.Base+r.Size)
		}
	}

	segs := kernelImg.Segments()
	if len(segs) == 0 {
		return nil, fmt.Errorf("bootemu: kernel image has no loadable segments")
	}
	virtualBase := segs[0].VAddr - kernel.PhysBase

	kiEndV, ok := kernelImg.Symbol("ki_end")
	if !ok {
		return nil, fmt.Errorf("bootemu: kernel image missing symbol ki_end")
	}
	kiBootEndV, ok := kernelImg.Symbol("ki_boot_end")
	if !ok {
		return nil, fmt.Errorf("bootemu: kernel image missing symbol ki_boot_end")
	}
	kiEndP := kiEndV - virtualBase
	kiBootEndP := kiBootEndV - virtualBase

	if err := normal.Remove(kernel.PhysBase, kiEndP); err != nil {
		return nil, err
	}

	return &PartialBootInfo{
		Normal:      normal,
		Device:      device,
		BootRegion:  Region{Base: kernel.PhysBase, End: kiBootEndP},
		VirtualBase: virtualBase,
	}, nil
}

// RootserverConfig carries the kernel-object size constants
// calculate_rootserver_size needs; the original hardcodes these per
// the running kernel config (sel4.rs's comment: "ideally come from
// config / kernel binary, but they are constant so it isn't too bad").
type RootserverConfig struct {
	SlotBits            uint
	InitCNodeBits       uint
	TCBBits             uint
	PageBits            uint
	ASIDPoolBits        uint
	VSpaceBits          uint
	PageTableBits       uint
	MinSchedContextBits uint
}

// DefaultRootserverConfig returns the seL4 constants shared by every
// 64-bit architecture this tool emulates boot for.
func DefaultRootserverConfig(initCNodeBits uint) RootserverConfig {
	return RootserverConfig{
		SlotBits:            5,
		InitCNodeBits:       initCNodeBits,
		TCBBits:             11,
		PageBits:            12,
		ASIDPoolBits:        12,
		VSpaceBits:          12,
		PageTableBits:       12,
		MinSchedContextBits: 7,
	}
}

func rootserverSize(cfg RootserverConfig, pagingCapCount uint64) uint64 {
	size := uint64(1) << (cfg.InitCNodeBits + cfg.SlotBits)
	size += uint64(1) << cfg.TCBBits
	size += 2 * (uint64(1) << cfg.PageBits)
	size += uint64(1) << cfg.ASIDPoolBits
	size += uint64(1) << cfg.VSpaceBits
	size += pagingCapCount * (uint64(1) << cfg.PageTableBits)
	size += uint64(1) << cfg.MinSchedContextBits
	return size
}

func rootserverMaxSizeBits(cfg RootserverConfig) uint {
	cnodeBits := cfg.InitCNodeBits + cfg.SlotBits
	if cnodeBits > cfg.VSpaceBits {
		return cnodeBits
	}
	return cfg.VSpaceBits
}

// nPaging counts the paging-structure objects a region of virtual
// address space needs at every non-root level of layout - a
// data-driven generalisation of get_arch_n_paging's per-architecture
// switch, consistent with capdl/paging's own data-driven Layout.
func nPaging(layout paging.Layout, region Region) uint64 {
	var total uint64
	shift := uint(layout.PageOffsetBits)
	for level := layout.Levels - 1; level >= 1; level-- {
		shift += uint(layout.IndexBits[level])
		bits := shift
		start := roundDown(region.Base, uint64(1)<<bits)
		end := roundUp(region.End, uint64(1)<<bits)
		total += (end - start) / (uint64(1) << bits)
	}
	return total
}

// UntypedObject is one entry of the untyped list the rootserver's
// bootinfo exposes.
type UntypedObject struct {
	CapIndex uint64
	Region   Region
	IsDevice bool
}

// BootInfo is the full result of EmulateFull.
type BootInfo struct {
	FixedCapCount   uint64
	PagingCapCount  uint64
	PageCapCount    uint64
	SchedControlCap uint64
	FirstAvailable  uint64
	Untypeds        []UntypedObject
}

const (
	fixedCapCount     = 0x10
	schedControlCount = 1
	ipcBufferSize     = 4096
	bootInfoFrameSize = 4096
)

// EmulateFull subtracts the initial task's physical region from
// partial's memory, computes and removes the rootserver objects'
// footprint, decomposes what remains into aligned power-of-two
// untypeds bounded by arch's ArchLimits entry, and returns the
// complete bootinfo.
func EmulateFull(partial *PartialBootInfo, arch sysdesc.Arch, layout paging.Layout, cfg RootserverConfig, pageSize uint64, initialTaskPhys, initialTaskVirt Region) (*BootInfo, error) {
	maxBits, ok := ArchLimits[arch]
	if !ok {
		return nil, fmt.Errorf("bootemu: boot emulation unsupported for this architecture")
	}

	if err := partial.Normal.Remove(initialTaskPhys.Base, initialTaskPhys.End); err != nil {
		return nil, err
	}

	virt := Region{Base: initialTaskVirt.Base, End: initialTaskVirt.End + ipcBufferSize + bootInfoFrameSize}
	pagingCapCount := nPaging(layout, virt)
	objSize := rootserverSize(cfg, pagingCapCount)
	objAlign := rootserverMaxSizeBits(cfg)

	var rootserverBase uint64
	found := false
	regions := partial.Normal.Regions()
	for i := len(regions) - 1; i >= 0; i-- {
		r := regions[i]
		start := roundDown(r.End-objSize, uint64(1)<<objAlign)
		if start >= r.Base {
			rootserverBase = start
			found = true
			break
		}
	}
	if !found {
		return nil, &builderr.InitialTaskPlacementError{Needed: objSize, RemainingFree: partial.Normal.validRanges()}
	}
	if err := partial.Normal.Remove(rootserverBase, rootserverBase+objSize); err != nil {
		return nil, err
	}

	deviceRegions := partial.Device.alignedPowerOfTwoRegions(partial.VirtualBase, maxBits)
	normalRegions := alignedPowerOfTwoRegions(partial.BootRegion, partial.VirtualBase, maxBits)
	normalRegions = append(normalRegions, partial.Normal.alignedPowerOfTwoRegions(partial.VirtualBase, maxBits)...)

	pageCapCount := virt.Size() / pageSize
	firstUntypedCap := uint64(fixedCapCount) + pagingCapCount + uint64(schedControlCount) + pageCapCount
	schedControlCap := uint64(fixedCapCount) + pagingCapCount

	untypeds := make([]UntypedObject, 0, len(deviceRegions)+len(normalRegions))
	cap := firstUntypedCap
	for _, r := range deviceRegions {
		untypeds = append(untypeds, UntypedObject{CapIndex: cap, Region: r, IsDevice: true})
		cap++
	}
	for _, r := range normalRegions {
		untypeds = append(untypeds, UntypedObject{CapIndex: cap, Region: r, IsDevice: false})
		cap++
	}

	return &BootInfo{
		FixedCapCount:   fixedCapCount,
		PagingCapCount:  pagingCapCount,
		PageCapCount:    pageCapCount,
		SchedControlCap: schedControlCap,
		FirstAvailable:  firstUntypedCap + uint64(len(deviceRegions)) + uint64(len(normalRegions)),
		Untypeds:        untypeds,
	}, nil
}
