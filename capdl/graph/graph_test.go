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

package graph

import (
	"testing"

	"github.com/rcornwell/capdl/capdl/elfimage"
	"github.com/rcornwell/capdl/capdl/paging"
	"github.com/rcornwell/capdl/capdl/spec"
	"github.com/rcornwell/capdl/config/sysdesc"
)

// fakeImage is a minimal elfimage.Image with no loadable segments,
// just enough symbol table to satisfy buildMonitor/buildOnePD.
type fakeImage struct {
	id      int
	symbols map[string]uint64
}

func (f *fakeImage) ID() int                     { return f.id }
func (f *fakeImage) Segments() []elfimage.Segment { return nil }
func (f *fakeImage) Symbol(name string) (uint64, bool) {
	v, ok := f.symbols[name]
	return v, ok
}
func (f *fakeImage) SegmentBytes(int, uint64, uint64) ([]byte, error) { return nil, nil }

// fakeLoader resolves any path to a pre-registered fakeImage, keyed
// by path, so a test can give the monitor and each PD distinct
// IPC-buffer symbol addresses without constructing real ELF files.
type fakeLoader struct {
	byPath map[string]*fakeImage
	nextID int
}

func newFakeLoader() *fakeLoader { return &fakeLoader{byPath: make(map[string]*fakeImage)} }

func (l *fakeLoader) withImage(path string, ipcAddr uint64) *fakeLoader {
	l.byPath[path] = &fakeImage{id: l.nextID, symbols: map[string]uint64{ipcBufferSymbol: ipcAddr}}
	l.nextID++
	return l
}

func (l *fakeLoader) Load(path string) (elfimage.Image, error) {
	img, ok := l.byPath[path]
	if !ok {
		return nil, &missingImageError{path: path}
	}
	return img, nil
}

type missingImageError struct{ path string }

func (e *missingImageError) Error() string { return "fakeLoader: no image registered for " + e.path }

func testConfig() Config {
	return Config{
		Layout:          paging.AArch64,
		CapAddressBits:  32,
		UserTop:         0x0000800000000000,
		MonitorPriority: 150,
		DefaultBudget:   1000,
		DefaultPeriod:   1000,
		SmallPageSize:   0x1000,
	}
}

func TestBuildMonitorOnlyDescription(t *testing.T) {
	loader := newFakeLoader().withImage("monitor", 0x7000)
	b := New(testConfig(), loader, nil)

	desc := &sysdesc.Description{Monitor: "monitor"}
	s, store, err := b.Build(desc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if store.Len() == 0 {
		t.Fatal("expected the monitor's objects to be present in the store")
	}
	if len(s.Objects) != store.Len() {
		t.Errorf("Spec.Objects not populated from the store: got %d, want %d", len(s.Objects), store.Len())
	}

	var sawTCB bool
	for _, obj := range s.Objects {
		if obj.Kind == spec.KindTCB && obj.Name == "monitor/tcb" {
			sawTCB = true
			if obj.TCB.Regs.Priority != 150 {
				t.Errorf("monitor tcb priority: got %d, want 150", obj.TCB.Regs.Priority)
			}
		}
	}
	if !sawTCB {
		t.Error("expected a monitor/tcb object in the resorted graph")
	}
}

func TestBuildMonitorMissingSymbolError(t *testing.T) {
	loader := newFakeLoader()
	loader.byPath["monitor"] = &fakeImage{id: 0, symbols: map[string]uint64{}}
	b := New(testConfig(), loader, nil)

	desc := &sysdesc.Description{Monitor: "monitor"}
	if _, _, err := b.Build(desc); err == nil {
		t.Fatal("expected an error when the monitor image lacks __sel4_ipc_buffer_obj")
	}
}

func TestBuildSinglePDAndChannel(t *testing.T) {
	loader := newFakeLoader().
		withImage("monitor", 0x7000).
		withImage("client.elf", 0x7000).
		withImage("server.elf", 0x7000)
	b := New(testConfig(), loader, nil)

	desc := &sysdesc.Description{
		Monitor: "monitor",
		PDs: []sysdesc.ProtectionDomain{
			{Name: "client", Priority: 100, ProgramImage: "client.elf"},
			{Name: "server", Priority: 100, ProgramImage: "server.elf"},
		},
		Channels: []sysdesc.Channel{
			{
				End1: sysdesc.ChannelEnd{PD: "client", ID: 3, Notify: true},
				End2: sysdesc.ChannelEnd{PD: "server", ID: 7, Notify: true},
			},
		},
	}

	s, store, err := b.Build(desc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var clientTCB, serverTCB *spec.Object
	for _, obj := range s.Objects {
		switch obj.Name {
		case "client/tcb":
			clientTCB = obj
		case "server/tcb":
			serverTCB = obj
		}
	}
	if clientTCB == nil || serverTCB == nil {
		t.Fatalf("expected client/tcb and server/tcb objects, store has %d objects", store.Len())
	}

	clientCSpaceID, ok := store.ByName("client/cspace")
	if !ok {
		t.Fatal("expected a client/cspace object")
	}
	clientCSpace, err := store.Get(clientCSpaceID)
	if err != nil {
		t.Fatalf("Get(client/cspace): %v", err)
	}
	slots, ok := clientCSpace.Slots()
	if !ok {
		t.Fatal("client/cspace has no slot list")
	}
	found := false
	for _, e := range *slots {
		if e.Slot == CSlotOutboundNotify+3 && e.Capability.Kind == spec.KindNotification {
			found = true
			if e.Capability.Badge != uint64(1)<<7 {
				t.Errorf("client's outbound notify badge: got %#x, want %#x", e.Capability.Badge, uint64(1)<<7)
			}
		}
		if e.Slot == CSlotOutboundNotify+7 && e.Capability.Kind == spec.KindNotification {
			t.Error("client's outbound notify capability was wrongly keyed by the peer's id instead of its own")
		}
	}
	if !found {
		t.Error("expected client's cspace to carry an outbound notify capability to server, keyed by client's own id")
	}
}

func TestBuildUnknownChannelPDFails(t *testing.T) {
	loader := newFakeLoader().withImage("monitor", 0x7000)
	b := New(testConfig(), loader, nil)

	desc := &sysdesc.Description{
		Monitor: "monitor",
		Channels: []sysdesc.Channel{
			{
				End1: sysdesc.ChannelEnd{PD: "ghost", ID: 1, Notify: true},
				End2: sysdesc.ChannelEnd{PD: "also-ghost", ID: 1, Notify: true},
			},
		},
	}
	if _, _, err := b.Build(desc); err == nil {
		t.Fatal("expected an error referencing an undeclared pd")
	}
}
