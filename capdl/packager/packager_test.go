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

package packager

import (
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"
)

func TestAddOrReplaceSpecLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewFilePackager(fs)

	layout := ImageLayout{HighestVAddr: 0x1234, PageSize: 0x1000}
	specBytes := []byte("spec-bytes")
	frameBlob := []byte("frame-blob-bytes")

	patch, err := p.AddOrReplaceSpec("/out/loader.img", layout, specBytes, frameBlob)
	if err != nil {
		t.Fatalf("AddOrReplaceSpec: %v", err)
	}

	if patch.ImageStart != layout.HighestVAddr {
		t.Errorf("ImageStart: got 0x%x, want 0x%x", patch.ImageStart, layout.HighestVAddr)
	}
	if patch.SpecStart%layout.PageSize != 0 {
		t.Errorf("SpecStart 0x%x not page-aligned", patch.SpecStart)
	}
	if patch.SpecStart < layout.HighestVAddr {
		t.Errorf("SpecStart 0x%x overlaps the existing image (ends at 0x%x)", patch.SpecStart, layout.HighestVAddr)
	}
	if patch.FramesStart < patch.SpecStart+patch.SpecSize {
		t.Errorf("FramesStart 0x%x overlaps the spec segment", patch.FramesStart)
	}
	if patch.ImageEnd < patch.FramesStart+uint64(len(frameBlob)) {
		t.Errorf("ImageEnd 0x%x doesn't cover the frame blob", patch.ImageEnd)
	}

	gotSpec, err := afero.ReadFile(fs, "/out/loader.img.spec")
	if err != nil || string(gotSpec) != string(specBytes) {
		t.Errorf("spec sidecar file: got %q, err %v", gotSpec, err)
	}
	gotFrames, err := afero.ReadFile(fs, "/out/loader.img.frames")
	if err != nil || string(gotFrames) != string(frameBlob) {
		t.Errorf("frames sidecar file: got %q, err %v", gotFrames, err)
	}
}

func TestAddExpectedUntypeds(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewFilePackager(fs)

	untypeds := []UntypedDescriptor{
		{PhysAddr: 0x1000, SizeBits: 12, IsDevice: false},
		{PhysAddr: 0x2000, SizeBits: 13, IsDevice: true},
	}
	if err := p.AddExpectedUntypeds("/out/loader.img", untypeds); err != nil {
		t.Fatalf("AddExpectedUntypeds: %v", err)
	}

	got, err := afero.ReadFile(fs, "/out/loader.img.untypeds")
	if err != nil {
		t.Fatalf("reading untypeds sidecar: %v", err)
	}
	if len(got) != 32 {
		t.Fatalf("got %d bytes, want 32 (two 16-byte records)", len(got))
	}
	if addr := binary.LittleEndian.Uint64(got[0:8]); addr != 0x1000 {
		t.Errorf("first record PhysAddr: got 0x%x, want 0x1000", addr)
	}
	if got[8] != 12 {
		t.Errorf("first record SizeBits: got %d, want 12", got[8])
	}
	if got[9] != 0 {
		t.Errorf("first record IsDevice: got %d, want 0", got[9])
	}
	if got[16+9] != 1 {
		t.Errorf("second record IsDevice: got %d, want 1", got[16+9])
	}
}
