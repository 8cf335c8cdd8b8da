/*
 * capdl - Build Loop.
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

// Package buildloop drives the bounded fixed-point iteration spec.md
// §4.7 describes: Graph Builder, serialiser and packager run every
// iteration; the Boot Emulator and Allocation Planner refine
// tool-allocated memory-region addresses until nothing changes, or the
// iteration bound is hit.
package buildloop

import (
	"log/slog"
	"math/bits"

	"github.com/google/uuid"

	"github.com/rcornwell/capdl/capdl/allocplan"
	"github.com/rcornwell/capdl/capdl/bootemu"
	"github.com/rcornwell/capdl/capdl/elfimage"
	"github.com/rcornwell/capdl/capdl/graph"
	"github.com/rcornwell/capdl/capdl/packager"
	"github.com/rcornwell/capdl/capdl/paging"
	"github.com/rcornwell/capdl/capdl/serialize"
	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/config/sysdesc"
	"github.com/rcornwell/capdl/internal/builderr"
	"github.com/rcornwell/capdl/internal/report"
)

// DefaultMaxIterations is the build loop's bound: "three is the bounded
// ceiling with a fatal abort beyond".
const DefaultMaxIterations = 3

// Config is the architecture/kernel-object sizing the Boot Emulator
// and Allocation Planner need; it is constant across every iteration
// of one Run.
type Config struct {
	Graph         graph.Config
	Layout        paging.Layout
	Rootserver    bootemu.RootserverConfig
	SmallPageSize uint64
	MaxIterations int // 0 means DefaultMaxIterations
}

// Inputs is everything specific to one build: the parsed system
// description (mutated in place as tool-allocated MR addresses are
// refined between iterations), the loaders and loaded images the
// Graph Builder and serialiser need, and where the packager should
// write the final image.
type Inputs struct {
	Desc        *sysdesc.Description
	ELF         elfimage.Loader
	Kernel      elfimage.Image // nil on the x86 path, which never emulates boot
	Images      map[int]elfimage.Image
	ImagePath   string
	ImageLayout packager.ImageLayout
}

// Run executes the build loop and returns the final report summary.
// On success the packager has written the finished image; on failure
// the returned error is the first error any step returned, which may
// be (or wrap) one of internal/builderr's error kinds or be a plain
// error from a collaborator such as the Boot Emulator.
func Run(cfg Config, in Inputs, pkg packager.Packager, log *slog.Logger) (report.Summary, error) {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if log == nil {
		log = slog.Default()
	}
	runID := uuid.New()
	log = log.With("run", runID.String())

	var lastAddrs map[string]uint64

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		iterLog := log.With("iteration", iteration)
		iterLog.Info("build loop iteration starting")

		builder := graph.New(cfg.Graph, in.ELF, iterLog)
		target, _, err := builder.Build(in.Desc)
		if err != nil {
			return report.Summary{Iterations: iteration + 1, FirstError: err}, err
		}

		specBytes, err := serialize.Encode(target)
		if err != nil {
			return report.Summary{Iterations: iteration + 1, FirstError: err}, err
		}
		frameBlob, _, err := serialize.EmbedFrameContent(target, in.Images)
		if err != nil {
			return report.Summary{Iterations: iteration + 1, FirstError: err}, err
		}

		patch, err := pkg.AddOrReplaceSpec(in.ImagePath, in.ImageLayout, specBytes, frameBlob)
		if err != nil {
			return report.Summary{Iterations: iteration + 1, FirstError: err}, err
		}

		if in.Desc.Arch == sysdesc.ArchX86_64 {
			// This architecture path cannot emulate boot:
			// it terminates after the graph-build+packaging step.
			iterLog.Info("x86 path: emitting without boot emulation")
			return report.Summary{Iterations: iteration + 1, ObjectCount: len(target.Objects)}, nil
		}

		partial, err := bootemu.EmulatePartial(in.Kernel, in.Desc.Kernel, in.Desc.Memory)
		if err != nil {
			return report.Summary{Iterations: iteration + 1, FirstError: err}, err
		}

		imageSize := patch.ImageEnd - patch.ImageStart
		initialTaskBase, err := partial.Normal.AllocateFrom(imageSize, partial.BootRegion.End)
		if err != nil {
			return report.Summary{Iterations: iteration + 1, FirstError: err}, err
		}
		initialTaskPhys := bootemu.Region{Base: initialTaskBase, End: initialTaskBase + imageSize}
		initialTaskVirt := bootemu.Region{Base: patch.ImageStart, End: patch.ImageEnd}

		bootInfo, err := bootemu.EmulateFull(partial, in.Desc.Arch, cfg.Layout, cfg.Rootserver, cfg.SmallPageSize, initialTaskPhys, initialTaskVirt)
		if err != nil {
			return report.Summary{Iterations: iteration + 1, FirstError: err}, err
		}

		untypeds := make([]allocplan.Untyped, len(bootInfo.Untypeds))
		for i, u := range bootInfo.Untypeds {
			untypeds[i] = allocplan.Untyped{Index: u.CapIndex, Base: u.Region.Base, End: u.Region.End, IsDevice: u.IsDevice}
		}

		last := iteration == cfg.MaxIterations-1
		mode := allocplan.Silent
		if iteration == 0 || last {
			mode = allocplan.Diagnostic
		}

		assignments, err := allocplan.Plan(target.Objects, untypeds, mode)
		if err != nil {
			if mode == allocplan.Diagnostic {
				return report.Summary{Iterations: iteration + 1, ObjectCount: len(target.Objects), FirstError: err}, err
			}
			// Silent-mode infeasibility is the one recoverable error
			// class: stale tool-allocated MR addresses.
			iterLog.Warn("allocation infeasible, clearing tool-allocated addresses and retrying", "error", err)
			clearToolAllocated(in.Desc)
			lastAddrs = nil
			continue
		}

		addrs := toolAllocatedAddresses(in.Desc, builder.MRFrames(), assignments)
		changed := !addrsEqual(addrs, lastAddrs)
		applyAddresses(in.Desc, addrs)
		lastAddrs = addrs

		if !changed {
			if err := pkg.AddExpectedUntypeds(in.ImagePath, untypedDescriptors(bootInfo)); err != nil {
				return report.Summary{Iterations: iteration + 1, ObjectCount: len(target.Objects), FirstError: err}, err
			}
			iterLog.Info("build loop reached a fixed point", "iterations", iteration+1)
			return report.Summary{Iterations: iteration + 1, ObjectCount: len(target.Objects), UntypedUsed: len(bootInfo.Untypeds)}, nil
		}
	}

	err := &builderr.FixedPointExhaustedError{Bound: cfg.MaxIterations}
	return report.Summary{Iterations: cfg.MaxIterations, FirstError: err}, err
}

func clearToolAllocated(desc *sysdesc.Description) {
	for i := range desc.MemoryRegions {
		if desc.MemoryRegions[i].ToolAllocate {
			desc.MemoryRegions[i].PhysAddr = nil
		}
	}
}

// toolAllocatedAddresses reads back, for every MR still marked
// tool-allocate with no explicit address, the physical address the
// planner assigned to its first frame - an MR's frames are
// contiguous, so the first frame's address is the MR's base.
func toolAllocatedAddresses(desc *sysdesc.Description, mrFrames map[string][]spec.ObjectID, assignments []allocplan.Assignment) map[string]uint64 {
	byObject := make(map[spec.ObjectID]uint64, len(assignments))
	for _, a := range assignments {
		byObject[a.Object] = a.PhysAddr
	}

	out := make(map[string]uint64)
	for _, mr := range desc.MemoryRegions {
		if !mr.ToolAllocate || mr.PhysAddr != nil {
			continue
		}
		frames, ok := mrFrames[mr.Name]
		if !ok || len(frames) == 0 {
			continue
		}
		if addr, ok := byObject[frames[0]]; ok {
			out[mr.Name] = addr
		}
	}
	return out
}

func applyAddresses(desc *sysdesc.Description, addrs map[string]uint64) {
	for i := range desc.MemoryRegions {
		if addr, ok := addrs[desc.MemoryRegions[i].Name]; ok {
			a := addr
			desc.MemoryRegions[i].PhysAddr = &a
		}
	}
}

func addrsEqual(a, b map[string]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func untypedDescriptors(bi *bootemu.BootInfo) []packager.UntypedDescriptor {
	out := make([]packager.UntypedDescriptor, len(bi.Untypeds))
	for i, u := range bi.Untypeds {
		size := u.Region.End - u.Region.Base
		out[i] = packager.UntypedDescriptor{
			PhysAddr: u.Region.Base,
			SizeBits: uint8(bits.TrailingZeros64(size)),
			IsDevice: u.IsDevice,
		}
	}
	return out
}
