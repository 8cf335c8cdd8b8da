/*
 * capdl - Graph Builder step B: memory-region frames.
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
)

// regionFrames maps an MR's name to the frame objects backing it, in
// page order. Populated by buildMemoryRegions (step B), consumed by
// buildProtectionDomains (step C.2) and by capdl/buildloop when it
// assigns physical addresses to tool-allocated MRs between
// iterations.
type regionFrames map[string][]spec.ObjectID

// buildMemoryRegions is step B of the graph build: for each declared MR,
// create page_count frames of its page size, stamping each with its
// physical address when the MR has one.
func (b *Builder) buildMemoryRegions(desc *sysdesc.Description) (regionFrames, error) {
	frames := make(regionFrames, len(desc.MemoryRegions))
	for _, mr := range desc.MemoryRegions {
		if mr.PageCount == 0 {
			return nil, fmt.Errorf("region %q: page_count is zero", mr.Name)
		}
		ids := make([]spec.ObjectID, 0, mr.PageCount)
		for i := uint64(0); i < mr.PageCount; i++ {
			var pa *uint64
			if mr.PhysAddr != nil {
				addr := *mr.PhysAddr + i*mr.PageSize
				pa = &addr
			}
			id := b.addFrame(fmt.Sprintf("mr/%s/%d", mr.Name, i), mr.PageSize, pa)
			ids = append(ids, id)
		}
		frames[mr.Name] = ids
	}
	return frames, nil
}

// MRFrames exposes the memory-region-name -> frame-id mapping
// produced by Build, so capdl/buildloop can patch physical addresses
// onto tool-allocated MRs between fixed-point iterations without
// re-walking the whole object graph.
func (b *Builder) MRFrames() regionFrames {
	return b.mrFrames
}
