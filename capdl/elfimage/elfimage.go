/*
 * capdl - ELF image collaborator.
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

// Package elfimage is the narrow boundary for: ELF
// file reading and symbol patching are out of scope for the core.
// Image exposes only what the Graph Builder needs (loadable segments,
// symbol lookup); Loader resolves a path to an Image.
package elfimage

import (
	"debug/elf"
	"fmt"

	"github.com/spf13/afero"
)

// Segment is one loadable ELF program header, trimmed to what the
// Paging Builder needs to construct frame fills from it.
type Segment struct {
	Index    int
	VAddr    uint64
	FileSize uint64
	MemSize  uint64
	Read     bool
	Write    bool
	Execute  bool
}

// Image is a loaded ELF file.
type Image interface {
	ID() int
	Segments() []Segment
	Symbol(name string) (uint64, bool)

	// SegmentBytes returns [start, end) of segment index's file
	// content, for the serialiser to embed as a Frame's fill payload
	// (frame content is deflate-compressed downstream).
	SegmentBytes(index int, start, end uint64) ([]byte, error)
}

// Loader resolves a path to a loaded Image.
type Loader interface {
	Load(path string) (Image, error)
}

type image struct {
	id       int
	segments []Segment
	symbols  map[string]uint64
	raw      [][]byte // raw[i] is the file content of segments[i]
}

func (i *image) ID() int             { return i.id }
func (i *image) Segments() []Segment { return i.segments }
func (i *image) Symbol(name string) (uint64, bool) {
	v, ok := i.symbols[name]
	return v, ok
}

func (i *image) SegmentBytes(index int, start, end uint64) ([]byte, error) {
	if index < 0 || index >= len(i.raw) {
		return nil, fmt.Errorf("elfimage: segment %d out of range", index)
	}
	data := i.raw[index]
	if end > uint64(len(data)) || start > end {
		return nil, fmt.Errorf("elfimage: segment %d range [%d,%d) out of bounds (file size %d)", index, start, end, len(data))
	}
	return data[start:end], nil
}

// FSLoader is the default Loader, reading ELF files through an
// afero.Fs so tests can substitute afero.NewMemMapFs() instead of
// real disk (grounded in nestybox-sysbox-libs' use of afero for
// fakeable filesystem access).
type FSLoader struct {
	FS     afero.Fs
	nextID int
}

var _ Loader = (*FSLoader)(nil)

// NewFSLoader returns a Loader backed by fs.
func NewFSLoader(fs afero.Fs) *FSLoader {
	return &FSLoader{FS: fs}
}

// Load parses path as an ELF file and returns its loadable segments
// and symbol table.
func (l *FSLoader) Load(path string) (Image, error) {
	f, err := l.FS.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfimage: opening %s: %w", path, err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("elfimage: parsing %s: %w", path, err)
	}
	defer ef.Close()

	img := &image{id: l.nextID, symbols: make(map[string]uint64)}
	l.nextID++

	idx := 0
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		img.segments = append(img.segments, Segment{
			Index:    idx,
			VAddr:    p.Vaddr,
			FileSize: p.Filesz,
			MemSize:  p.Memsz,
			Read:     p.Flags&elf.PF_R != 0,
			Write:    p.Flags&elf.PF_W != 0,
			Execute:  p.Flags&elf.PF_X != 0,
		})
		raw := make([]byte, p.Filesz)
		if _, err := p.ReadAt(raw, 0); err != nil {
			return nil, fmt.Errorf("elfimage: reading segment %d of %s: %w", idx, path, err)
		}
		img.raw = append(img.raw, raw)
		idx++
	}

	syms, err := ef.Symbols()
	if err == nil {
		for _, s := range syms {
			if s.Name != "" {
				img.symbols[s.Name] = s.Value
			}
		}
	}

	return img, nil
}
