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

package buildloop

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/rcornwell/capdl/capdl/elfimage"
	"github.com/rcornwell/capdl/capdl/graph"
	"github.com/rcornwell/capdl/capdl/packager"
	"github.com/rcornwell/capdl/capdl/paging"
	"github.com/rcornwell/capdl/config/sysdesc"
)

// fakeImage is a minimal elfimage.Image with no loadable segments,
// carrying only the one symbol the Graph Builder's monitor step needs.
type fakeImage struct{ symbols map[string]uint64 }

func (f *fakeImage) ID() int                      { return 0 }
func (f *fakeImage) Segments() []elfimage.Segment { return nil }
func (f *fakeImage) Symbol(name string) (uint64, bool) {
	v, ok := f.symbols[name]
	return v, ok
}
func (f *fakeImage) SegmentBytes(int, uint64, uint64) ([]byte, error) { return nil, nil }

type fakeLoader struct{ path string }

func (l *fakeLoader) Load(path string) (elfimage.Image, error) {
	return &fakeImage{symbols: map[string]uint64{"__sel4_ipc_buffer_obj": 0x7000}}, nil
}

func TestRunX86PathExitsAfterPackaging(t *testing.T) {
	fs := afero.NewMemMapFs()
	pkg := packager.NewFilePackager(fs)

	cfg := Config{
		Graph: graph.Config{
			Layout:          paging.X86_64,
			CapAddressBits:  32,
			UserTop:         0x0000800000000000,
			MonitorPriority: 150,
			DefaultBudget:   1000,
			DefaultPeriod:   1000,
			SmallPageSize:   0x1000,
			X86:             true,
		},
		Layout:        paging.X86_64,
		SmallPageSize: 0x1000,
	}

	in := Inputs{
		Desc: &sysdesc.Description{
			Arch:    sysdesc.ArchX86_64,
			Monitor: "monitor",
		},
		ELF:         &fakeLoader{},
		Images:      map[int]elfimage.Image{},
		ImagePath:   "/out/loader.img",
		ImageLayout: packager.ImageLayout{HighestVAddr: 0x400000, PageSize: 0x1000},
	}

	summary, err := Run(cfg, in, pkg, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Iterations != 1 {
		t.Errorf("Iterations: got %d, want 1 (x86 path exits after its first packaging pass)", summary.Iterations)
	}
	if summary.ObjectCount == 0 {
		t.Error("expected a non-zero object count from the monitor-only graph")
	}

	if ok, _ := afero.Exists(fs, "/out/loader.img.spec"); !ok {
		t.Error("expected the packager to have written a spec sidecar file")
	}
}

func TestRunMonitorMissingSymbolPropagatesError(t *testing.T) {
	fs := afero.NewMemMapFs()
	pkg := packager.NewFilePackager(fs)

	cfg := Config{
		Graph: graph.Config{
			Layout:        paging.X86_64,
			SmallPageSize: 0x1000,
			X86:           true,
		},
	}
	in := Inputs{
		Desc:        &sysdesc.Description{Arch: sysdesc.ArchX86_64, Monitor: "monitor"},
		ELF:         emptySymbolLoader{},
		Images:      map[int]elfimage.Image{},
		ImagePath:   "/out/loader.img",
		ImageLayout: packager.ImageLayout{HighestVAddr: 0x400000, PageSize: 0x1000},
	}

	summary, err := Run(cfg, in, pkg, nil)
	if err == nil {
		t.Fatal("expected an error when the monitor image lacks its IPC-buffer symbol")
	}
	if summary.FirstError == nil {
		t.Error("expected the summary to carry the same error")
	}
}

type emptySymbolLoader struct{}

func (emptySymbolLoader) Load(path string) (elfimage.Image, error) {
	return &fakeImage{symbols: map[string]uint64{}}, nil
}
