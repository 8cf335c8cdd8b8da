/*
 * capdl - Graph Builder orchestration and shared helpers.
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

// Package graph drives the Object Store, Paging Builder and IRQ
// Builder to produce the complete kernel object graph from a parsed
// System Description: monitor, then per-PD, then
// channels, then extra cap-maps, then a stable re-sort.
package graph

import (
	"fmt"
	"math/bits"

	"github.com/rcornwell/capdl/capdl/elfimage"
	"github.com/rcornwell/capdl/capdl/objstore"
	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/config/sysdesc"
	"github.com/rcornwell/capdl/internal/builderr"
)

// Build executes steps A-F over desc and returns the
// resulting Spec. The returned *objstore.Store remains valid for
// inspection (e.g. by tests) but spec.md's lifecycle treats the graph
// as frozen once Build returns.
func (b *Builder) Build(desc *sysdesc.Description) (*spec.Spec, *objstore.Store, error) {
	if err := b.buildMonitor(desc); err != nil {
		return nil, nil, fmt.Errorf("graph: step A (monitor): %w", err)
	}

	mrFrames, err := b.buildMemoryRegions(desc)
	if err != nil {
		return nil, nil, fmt.Errorf("graph: step B (memory regions): %w", err)
	}
	b.mrFrames = mrFrames

	if err := b.buildProtectionDomains(desc, mrFrames); err != nil {
		return nil, nil, fmt.Errorf("graph: step C (protection domains): %w", err)
	}

	if err := b.buildChannels(desc); err != nil {
		return nil, nil, fmt.Errorf("graph: step D (channels): %w", err)
	}

	if err := b.buildCapMaps(desc); err != nil {
		return nil, nil, fmt.Errorf("graph: step E (cap maps): %w", err)
	}

	b.installDebugNames()

	if err := b.resort(); err != nil {
		return nil, nil, fmt.Errorf("graph: step F (re-sort): %w", err)
	}

	return b.target, b.store, nil
}

func sizeBitsFor(byteSize uint64) uint8 {
	if byteSize <= 1 {
		return 0
	}
	return uint8(bits.Len64(byteSize - 1))
}

// addFrame creates a Frame object of the given size, optionally
// pinning it to a physical address, and returns its id.
func (b *Builder) addFrame(name string, sizeBytes uint64, physAddr *uint64) spec.ObjectID {
	obj := &spec.Object{
		Name:             name,
		Kind:             spec.KindFrame,
		PhysAddr:         physAddr,
		PhysicalSizeBits: sizeBitsFor(sizeBytes),
		Frame:            &spec.FrameData{SizeBits: sizeBitsFor(sizeBytes)},
	}
	return b.store.Add(obj)
}

func frameCap(target spec.ObjectID, read, write, exec, cached bool) spec.Capability {
	return spec.Capability{
		Target:     target,
		Kind:       spec.KindFrame,
		Rights:     spec.Rights{Read: read, Write: write},
		Cached:     cached,
		Executable: exec,
	}
}

// mapElfSegments maps every loadable segment of img into vspace at
// small-page granularity, shifting the first page's fill offset when
// a segment's virtual base is unaligned (step A). It
// returns the created frame ids in segment order.
func (b *Builder) mapElfSegments(pdName string, vspace spec.ObjectID, img elfimage.Image) ([]spec.ObjectID, error) {
	pageSize := b.cfg.SmallPageSize
	var frames []spec.ObjectID

	for _, seg := range img.Segments() {
		base := seg.VAddr &^ (pageSize - 1)
		firstPageOffset := seg.VAddr - base
		covered := firstPageOffset + seg.MemSize
		pageCount := (covered + pageSize - 1) / pageSize

		fileConsumed := uint64(0)
		for i := uint64(0); i < pageCount; i++ {
			frameVAddr := base + i*pageSize
			frame := b.addFrame(fmt.Sprintf("%s/elf/%d/0x%x", pdName, img.ID(), frameVAddr), pageSize, nil)

			pageStart := uint64(0)
			if i == 0 {
				pageStart = firstPageOffset
			}
			pageEnd := pageSize
			remainingMem := covered - i*pageSize
			if remainingMem < pageSize {
				pageEnd = remainingMem
			}

			if pageStart < pageEnd {
				fillLen := pageEnd - pageStart
				fileRemaining := seg.FileSize - fileConsumed
				if fileRemaining > 0 {
					n := fillLen
					if n > fileRemaining {
						n = fileRemaining
					}
					obj, _ := b.store.Get(frame)
					obj.Frame.Fills = append(obj.Frame.Fills, spec.FrameFill{
						RangeStart: pageStart,
						RangeEnd:   pageStart + n,
						Content: &spec.ContentRef{
							ElfID:        img.ID(),
							SegmentIndex: seg.Index,
							ByteStart:    fileConsumed,
							ByteEnd:      fileConsumed + n,
						},
					})
					fileConsumed += n
				}
			}

			if err := b.paging.MapPage(vspace, frameCap(frame, true, seg.Write, seg.Execute, true), pageSize, frameVAddr); err != nil {
				return nil, err
			}
			frames = append(frames, frame)
		}
	}
	return frames, nil
}

// registerDebugName queues object to be installed in the monitor's
// CSpace for debug naming, applied in one batch after Step C
// (installed in its own pass after step C).
func (b *Builder) registerDebugName(object spec.ObjectID, name string) {
	b.debugNames = append(b.debugNames, debugNameReq{object: object, name: name})
}

// installDebugNames installs every queued debug-name registration
// into the monitor's CSpace at successive user-base slots.
func (b *Builder) installDebugNames() {
	slot := uint32(CSlotUserBase)
	for _, req := range b.debugNames {
		obj, err := b.store.Get(req.object)
		if err != nil {
			continue
		}
		cap := spec.Capability{Target: req.object, Kind: obj.Kind, Rights: spec.AllRights()}
		_ = b.store.InsertCap(b.monitor.cspace, slot, cap)
		slot++
	}
}

func overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}

func mappingOverlapErr(pd, region, with string, start, end uint64) error {
	return &builderr.MappingOverlapError{PD: pd, Region: region, With: with, VAddrStart: start, VAddrEnd: end}
}
