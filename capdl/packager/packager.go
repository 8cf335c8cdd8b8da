/*
 * capdl - Initialiser packager collaborator.
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

// Package packager is the narrow boundary between the graph builder and the
// "external packager interface": two operations, add_or_replace_spec
// and add_expected_untypeds, so the core never needs to know the
// initialiser image's own bit-layout concerns. Packager writes two new
// read-only loadable segments at the next aligned virtual address
// beyond the initialiser's current highest segment.
package packager

import (
	"encoding/binary"
	"fmt"

	"github.com/spf13/afero"
)

// Symbol names the tool patches into the initialiser image.
const (
	SymSpecStart          = "sel4_capdl_initializer_serialized_spec_data_start"
	SymSpecSize           = "sel4_capdl_initializer_serialized_spec_data_size"
	SymFramesStart        = "sel4_capdl_initializer_embedded_frames_data_start"
	SymImageStart         = "sel4_capdl_initializer_image_start"
	SymImageEnd           = "sel4_capdl_initializer_image_end"
	SymUntypedsNumEntries = "sel4_capdl_initializer_expected_untypeds_list_num_entries"
	SymUntypedsList       = "sel4_capdl_initializer_expected_untypeds_list"
)

// UntypedDescriptor is the 16-byte little-endian packed record
// the wire format expects: `u64 paddr; u8 size_bits; u8 is_device; u8[6] padding`.
type UntypedDescriptor struct {
	PhysAddr uint64
	SizeBits uint8
	IsDevice bool
}

func (u UntypedDescriptor) marshal() [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], u.PhysAddr)
	out[8] = u.SizeBits
	if u.IsDevice {
		out[9] = 1
	}
	return out
}

// ImageLayout describes the initialiser image's current footprint, as
// measured by the caller from the loaded ELF ("measure
// initialiser footprint").
type ImageLayout struct {
	HighestVAddr uint64
	PageSize     uint64
}

// Patch is the set of symbol values AddOrReplaceSpec computes for the image.
type Patch struct {
	SpecStart   uint64
	SpecSize    uint64
	FramesStart uint64
	ImageStart  uint64
	ImageEnd    uint64
	Untypeds    []UntypedDescriptor
}

// Packager is the narrow collaborator interface: the core hands it
// spec bytes, a compressed frame blob, and an expected-untypeds list,
// and receives back where those landed in virtual-address space so it
// can patch the symbols above.
type Packager interface {
	// AddOrReplaceSpec appends (or replaces) the spec and frame-blob
	// segments and returns the patch the caller must apply to the
	// image's symbol table.
	AddOrReplaceSpec(imagePath string, layout ImageLayout, specBytes, frameBlob []byte) (Patch, error)

	// AddExpectedUntypeds appends the optional validation payload.
	AddExpectedUntypeds(imagePath string, untypeds []UntypedDescriptor) error
}

// FilePackager is the default Packager, writing the spec/frame-blob
// segments and the expected-untypeds list as sibling files next to
// imagePath through an afero.Fs (so tests can substitute
// afero.NewMemMapFs instead of real disk). Section-add and
// symbol-patch on the real ELF are left to the caller's external
// linker step; this implementation records what would go where. CRC,
// uImage and multiboot framing are documented non-goals of this
// tool's core.
type FilePackager struct {
	FS afero.Fs
}

var _ Packager = (*FilePackager)(nil)

// NewFilePackager returns a Packager backed by fs.
func NewFilePackager(fs afero.Fs) *FilePackager {
	return &FilePackager{FS: fs}
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// AddOrReplaceSpec writes specBytes and frameBlob as sibling files and
// computes the virtual addresses the two new segments would occupy,
// starting at the next page-aligned address above layout.HighestVAddr.
func (p *FilePackager) AddOrReplaceSpec(imagePath string, layout ImageLayout, specBytes, frameBlob []byte) (Patch, error) {
	if err := afero.WriteFile(p.FS, imagePath+".spec", specBytes, 0o644); err != nil {
		return Patch{}, fmt.Errorf("packager: writing spec blob: %w", err)
	}
	if err := afero.WriteFile(p.FS, imagePath+".frames", frameBlob, 0o644); err != nil {
		return Patch{}, fmt.Errorf("packager: writing frame blob: %w", err)
	}

	specStart := alignUp(layout.HighestVAddr, layout.PageSize)
	framesStart := alignUp(specStart+uint64(len(specBytes)), layout.PageSize)
	imageEnd := alignUp(framesStart+uint64(len(frameBlob)), layout.PageSize)

	return Patch{
		SpecStart:   specStart,
		SpecSize:    uint64(len(specBytes)),
		FramesStart: framesStart,
		ImageStart:  layout.HighestVAddr,
		ImageEnd:    imageEnd,
	}, nil
}

// AddExpectedUntypeds writes the optional validation payload as a
// sibling file, one 16-byte descriptor per entry.
func (p *FilePackager) AddExpectedUntypeds(imagePath string, untypeds []UntypedDescriptor) error {
	buf := make([]byte, 0, 16*len(untypeds))
	for _, u := range untypeds {
		b := u.marshal()
		buf = append(buf, b[:]...)
	}
	if err := afero.WriteFile(p.FS, imagePath+".untypeds", buf, 0o644); err != nil {
		return fmt.Errorf("packager: writing expected-untypeds list: %w", err)
	}
	return nil
}
