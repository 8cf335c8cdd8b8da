/*
 * capdl - Serialised graph format.
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

// Package serialize is the index-based binary encoding of a Spec
// object names are stored indirectly as byte-range
// descriptors into a trailing blob, and Encode/Decode round-trip the
// full graph bit-for-bit. EmbedFrameContent produces the separate,
// deflate-compressed frame-content blob the packager embeds into the
// initialiser image.
package serialize

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/rcornwell/capdl/capdl/elfimage"
	"github.com/rcornwell/capdl/capdl/spec"
)

const magic = uint32(0x4341_5044) // "CAPD"
const version = uint32(1)

var order = binary.LittleEndian

// Encode writes s as the trailing-blob binary format: a fixed-size
// body of objects/IRQs/ASID slots referencing a name blob by
// (offset, length) pairs, followed by the blob itself.
func Encode(s *spec.Spec) ([]byte, error) {
	var names bytes.Buffer
	nameOffset := make([]uint32, len(s.Objects))
	nameLen := make([]uint32, len(s.Objects))
	for i, o := range s.Objects {
		nameOffset[i] = uint32(names.Len())
		names.WriteString(o.Name)
		nameLen[i] = uint32(len(o.Name))
	}

	var body bytes.Buffer
	w := func(v any) error { return binary.Write(&body, order, v) }

	if err := w(magic); err != nil {
		return nil, err
	}
	if err := w(version); err != nil {
		return nil, err
	}
	if err := w(uint32(len(s.Objects))); err != nil {
		return nil, err
	}
	if err := w(uint32(len(s.IRQs))); err != nil {
		return nil, err
	}
	if err := w(uint32(len(s.ASIDSlots))); err != nil {
		return nil, err
	}
	if err := w(int32(s.RootObjects.Start)); err != nil {
		return nil, err
	}
	if err := w(int32(s.RootObjects.End)); err != nil {
		return nil, err
	}

	for i, o := range s.Objects {
		if err := encodeObject(&body, o, nameOffset[i], nameLen[i]); err != nil {
			return nil, fmt.Errorf("serialize: object %d (%s): %w", i, o.Name, err)
		}
	}
	for _, e := range s.IRQs {
		if err := w(e.IRQNumber); err != nil {
			return nil, err
		}
		if err := w(uint32(e.Object)); err != nil {
			return nil, err
		}
	}
	for _, a := range s.ASIDSlots {
		if err := w(a.ASID); err != nil {
			return nil, err
		}
		if err := w(uint32(a.VSpace)); err != nil {
			return nil, err
		}
	}

	if err := w(uint32(names.Len())); err != nil {
		return nil, err
	}

	out := append(body.Bytes(), names.Bytes()...)
	return out, nil
}

func encodeSlotList(body *bytes.Buffer, slots spec.SlotList) error {
	if err := binary.Write(body, order, uint32(len(slots))); err != nil {
		return err
	}
	for _, e := range slots {
		if err := binary.Write(body, order, e.Slot); err != nil {
			return err
		}
		if err := encodeCapability(body, e.Capability); err != nil {
			return err
		}
	}
	return nil
}

func encodeCapability(body *bytes.Buffer, c spec.Capability) error {
	fields := []any{
		uint32(c.Target), int32(c.Kind),
		c.Rights.Read, c.Rights.Write, c.Rights.Grant, c.Rights.GrantReply,
		c.Badge, c.Cached, c.Guard, c.GuardSize, c.Executable,
	}
	for _, f := range fields {
		if err := binary.Write(body, order, f); err != nil {
			return err
		}
	}
	return nil
}

func encodeObject(body *bytes.Buffer, o *spec.Object, nameOffset, nameLen uint32) error {
	if err := binary.Write(body, order, nameOffset); err != nil {
		return err
	}
	if err := binary.Write(body, order, nameLen); err != nil {
		return err
	}
	if err := binary.Write(body, order, int32(o.Kind)); err != nil {
		return err
	}
	hasAddr := o.PhysAddr != nil
	if err := binary.Write(body, order, hasAddr); err != nil {
		return err
	}
	addr := uint64(0)
	if hasAddr {
		addr = *o.PhysAddr
	}
	if err := binary.Write(body, order, addr); err != nil {
		return err
	}
	if err := binary.Write(body, order, o.PhysicalSizeBits); err != nil {
		return err
	}

	switch o.Kind {
	case spec.KindCNode:
		if err := binary.Write(body, order, o.CNode.SizeBits); err != nil {
			return err
		}
		return encodeSlotList(body, o.CNode.Slots)
	case spec.KindTCB:
		if err := encodeSlotList(body, o.TCB.Slots); err != nil {
			return err
		}
		r := o.TCB.Regs
		for _, f := range []any{r.InstructionPointer, r.StackPointer, r.Priority, r.MaxPriority, r.Affinity, r.Resume, r.IPCBufferAddr} {
			if err := binary.Write(body, order, f); err != nil {
				return err
			}
		}
		return nil
	case spec.KindFrame:
		if err := binary.Write(body, order, o.Frame.SizeBits); err != nil {
			return err
		}
		if err := binary.Write(body, order, uint32(len(o.Frame.Fills))); err != nil {
			return err
		}
		for _, f := range o.Frame.Fills {
			if err := binary.Write(body, order, f.RangeStart); err != nil {
				return err
			}
			if err := binary.Write(body, order, f.RangeEnd); err != nil {
				return err
			}
			hasContent := f.Content != nil
			if err := binary.Write(body, order, hasContent); err != nil {
				return err
			}
			if hasContent {
				c := f.Content
				for _, v := range []any{int32(c.ElfID), int32(c.SegmentIndex), c.ByteStart, c.ByteEnd} {
					if err := binary.Write(body, order, v); err != nil {
						return err
					}
				}
			}
		}
		return nil
	case spec.KindPageTable:
		pt := o.PageTable
		for _, v := range []any{pt.IsRoot, pt.ExtendedFormat, int32(pt.Level)} {
			if err := binary.Write(body, order, v); err != nil {
				return err
			}
		}
		return encodeSlotList(body, pt.Slots)
	case spec.KindSchedContext:
		sc := o.SchedContext
		for _, v := range []any{sc.SizeBits, sc.Period, sc.Budget, sc.Badge} {
			if err := binary.Write(body, order, v); err != nil {
				return err
			}
		}
		return nil
	case spec.KindIOPorts:
		return binary.Write(body, order, *o.IOPorts)
	case spec.KindIRQ:
		irq := o.IRQ
		if err := binary.Write(body, order, int32(irq.Variant)); err != nil {
			return err
		}
		if err := encodeSlotList(body, irq.Slots); err != nil {
			return err
		}
		switch irq.Variant {
		case spec.IRQArm:
			return binary.Write(body, order, *irq.Arm)
		case spec.IRQRiscV:
			return binary.Write(body, order, *irq.RiscV)
		case spec.IRQX86IOAPIC:
			return binary.Write(body, order, *irq.IOAPIC)
		case spec.IRQX86MSI:
			return binary.Write(body, order, *irq.MSI)
		}
		return nil
	default:
		return nil // Endpoint, Notification, Reply, ArmSMC, VCPU carry no payload
	}
}

// Decode reverses Encode, reconstructing a Spec identical to the one
// that was encoded (a round-trip property).
func Decode(data []byte) (*spec.Spec, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	read := func(v any) error { return binary.Read(r, order, v) }

	var gotMagic, gotVersion, objectCount, irqCount, asidCount uint32
	var rootStart, rootEnd int32
	for _, v := range []any{&gotMagic, &gotVersion, &objectCount, &irqCount, &asidCount, &rootStart, &rootEnd} {
		if err := read(v); err != nil {
			return nil, fmt.Errorf("serialize: reading header: %w", err)
		}
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("serialize: bad magic 0x%x", gotMagic)
	}
	if gotVersion != version {
		return nil, fmt.Errorf("serialize: unsupported version %d", gotVersion)
	}

	nameOffset := make([]uint32, objectCount)
	nameLen := make([]uint32, objectCount)
	objects := make([]*spec.Object, objectCount)
	for i := range objects {
		o, off, ln, err := decodeObject(r)
		if err != nil {
			return nil, fmt.Errorf("serialize: object %d: %w", i, err)
		}
		o.ID = spec.ObjectID(i)
		objects[i] = o
		nameOffset[i] = off
		nameLen[i] = ln
	}

	irqs := make([]spec.IRQEntry, irqCount)
	for i := range irqs {
		var num, obj uint32
		if err := read(&num); err != nil {
			return nil, err
		}
		if err := read(&obj); err != nil {
			return nil, err
		}
		irqs[i] = spec.IRQEntry{IRQNumber: num, Object: spec.ObjectID(obj)}
	}

	asid := make([]spec.ASIDSlot, asidCount)
	for i := range asid {
		var a, v uint32
		if err := read(&a); err != nil {
			return nil, err
		}
		if err := read(&v); err != nil {
			return nil, err
		}
		asid[i] = spec.ASIDSlot{ASID: a, VSpace: spec.ObjectID(v)}
	}

	var blobLen uint32
	if err := read(&blobLen); err != nil {
		return nil, fmt.Errorf("serialize: reading name blob length: %w", err)
	}
	blob := make([]byte, blobLen)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, fmt.Errorf("serialize: reading name blob: %w", err)
	}
	for i, o := range objects {
		o.Name = string(blob[nameOffset[i] : nameOffset[i]+nameLen[i]])
	}

	return &spec.Spec{
		Objects:     objects,
		IRQs:        irqs,
		ASIDSlots:   asid,
		RootObjects: spec.Range{Start: int(rootStart), End: int(rootEnd)},
	}, nil
}

func decodeSlotList(r io.Reader) (spec.SlotList, error) {
	var n uint32
	if err := binary.Read(r, order, &n); err != nil {
		return nil, err
	}
	slots := make(spec.SlotList, n)
	for i := range slots {
		if err := binary.Read(r, order, &slots[i].Slot); err != nil {
			return nil, err
		}
		cap, err := decodeCapability(r)
		if err != nil {
			return nil, err
		}
		slots[i].Capability = cap
	}
	return slots, nil
}

func decodeCapability(r io.Reader) (spec.Capability, error) {
	var c spec.Capability
	var target uint32
	var kind int32
	if err := binary.Read(r, order, &target); err != nil {
		return c, err
	}
	if err := binary.Read(r, order, &kind); err != nil {
		return c, err
	}
	fields := []any{&c.Rights.Read, &c.Rights.Write, &c.Rights.Grant, &c.Rights.GrantReply,
		&c.Badge, &c.Cached, &c.Guard, &c.GuardSize, &c.Executable}
	for _, f := range fields {
		if err := binary.Read(r, order, f); err != nil {
			return c, err
		}
	}
	c.Target = spec.ObjectID(target)
	c.Kind = spec.Kind(kind)
	return c, nil
}

func decodeObject(r io.Reader) (*spec.Object, uint32, uint32, error) {
	var nameOffset, nameLen uint32
	var kind int32
	var hasAddr bool
	var addr uint64
	var sizeBits uint8

	for _, v := range []any{&nameOffset, &nameLen, &kind, &hasAddr, &addr, &sizeBits} {
		if err := binary.Read(r, order, v); err != nil {
			return nil, 0, 0, err
		}
	}

	o := &spec.Object{Kind: spec.Kind(kind), PhysicalSizeBits: sizeBits}
	if hasAddr {
		o.PhysAddr = &addr
	}

	switch o.Kind {
	case spec.KindCNode:
		var szBits uint8
		if err := binary.Read(r, order, &szBits); err != nil {
			return nil, 0, 0, err
		}
		slots, err := decodeSlotList(r)
		if err != nil {
			return nil, 0, 0, err
		}
		o.CNode = &spec.CNodeData{SizeBits: szBits, Slots: slots}
	case spec.KindTCB:
		slots, err := decodeSlotList(r)
		if err != nil {
			return nil, 0, 0, err
		}
		var regs spec.Registers
		for _, v := range []any{&regs.InstructionPointer, &regs.StackPointer, &regs.Priority, &regs.MaxPriority, &regs.Affinity, &regs.Resume, &regs.IPCBufferAddr} {
			if err := binary.Read(r, order, v); err != nil {
				return nil, 0, 0, err
			}
		}
		o.TCB = &spec.TCBData{Slots: slots, Regs: regs}
	case spec.KindFrame:
		var szBits uint8
		var fillCount uint32
		if err := binary.Read(r, order, &szBits); err != nil {
			return nil, 0, 0, err
		}
		if err := binary.Read(r, order, &fillCount); err != nil {
			return nil, 0, 0, err
		}
		fills := make([]spec.FrameFill, fillCount)
		for i := range fills {
			if err := binary.Read(r, order, &fills[i].RangeStart); err != nil {
				return nil, 0, 0, err
			}
			if err := binary.Read(r, order, &fills[i].RangeEnd); err != nil {
				return nil, 0, 0, err
			}
			var hasContent bool
			if err := binary.Read(r, order, &hasContent); err != nil {
				return nil, 0, 0, err
			}
			if hasContent {
				var elfID, segIdx int32
				var byteStart, byteEnd uint64
				for _, v := range []any{&elfID, &segIdx, &byteStart, &byteEnd} {
					if err := binary.Read(r, order, v); err != nil {
						return nil, 0, 0, err
					}
				}
				fills[i].Content = &spec.ContentRef{ElfID: int(elfID), SegmentIndex: int(segIdx), ByteStart: byteStart, ByteEnd: byteEnd}
			}
		}
		o.Frame = &spec.FrameData{SizeBits: szBits, Fills: fills}
	case spec.KindPageTable:
		var isRoot, extended bool
		var level int32
		for _, v := range []any{&isRoot, &extended, &level} {
			if err := binary.Read(r, order, v); err != nil {
				return nil, 0, 0, err
			}
		}
		slots, err := decodeSlotList(r)
		if err != nil {
			return nil, 0, 0, err
		}
		o.PageTable = &spec.PageTableData{IsRoot: isRoot, ExtendedFormat: extended, Level: int(level), Slots: slots}
	case spec.KindSchedContext:
		var sc spec.SchedContextData
		for _, v := range []any{&sc.SizeBits, &sc.Period, &sc.Budget, &sc.Badge} {
			if err := binary.Read(r, order, v); err != nil {
				return nil, 0, 0, err
			}
		}
		o.SchedContext = &sc
	case spec.KindIOPorts:
		var p spec.IOPortsData
		if err := binary.Read(r, order, &p); err != nil {
			return nil, 0, 0, err
		}
		o.IOPorts = &p
	case spec.KindIRQ:
		var variant int32
		if err := binary.Read(r, order, &variant); err != nil {
			return nil, 0, 0, err
		}
		slots, err := decodeSlotList(r)
		if err != nil {
			return nil, 0, 0, err
		}
		irq := &spec.IRQData{Variant: spec.IRQVariant(variant), Slots: slots}
		switch irq.Variant {
		case spec.IRQArm:
			irq.Arm = &spec.ArmIRQMeta{}
			if err := binary.Read(r, order, irq.Arm); err != nil {
				return nil, 0, 0, err
			}
		case spec.IRQRiscV:
			irq.RiscV = &spec.RiscVIRQMeta{}
			if err := binary.Read(r, order, irq.RiscV); err != nil {
				return nil, 0, 0, err
			}
		case spec.IRQX86IOAPIC:
			irq.IOAPIC = &spec.IOAPICMeta{}
			if err := binary.Read(r, order, irq.IOAPIC); err != nil {
				return nil, 0, 0, err
			}
		case spec.IRQX86MSI:
			irq.MSI = &spec.MSIMeta{}
			if err := binary.Read(r, order, irq.MSI); err != nil {
				return nil, 0, 0, err
			}
		}
		o.IRQ = irq
	}

	return o, nameOffset, nameLen, nil
}

// FrameBlobEntry locates one frame fill's compressed bytes within the
// blob EmbedFrameContent produces.
type FrameBlobEntry struct {
	Object        spec.ObjectID
	RangeStart    uint64
	RangeEnd      uint64
	BlobOffset    uint64
	CompressedLen uint64
}

// EmbedFrameContent resolves every ELF-backed frame fill through
// images (keyed by ContentRef.ElfID), deflate-compresses each one
// (frame content is deflate-compressed) and packs them
// into a single trailing blob alongside the byte-range descriptors
// that locate them - the payload capdl/packager embeds as the
// initialiser's "embedded_frames_data" segment.
func EmbedFrameContent(s *spec.Spec, images map[int]elfimage.Image) ([]byte, []FrameBlobEntry, error) {
	var blob bytes.Buffer
	var entries []FrameBlobEntry

	for _, o := range s.Objects {
		if o.Kind != spec.KindFrame {
			continue
		}
		for _, f := range o.Frame.Fills {
			if f.Content == nil {
				continue
			}
			img, ok := images[f.Content.ElfID]
			if !ok {
				return nil, nil, fmt.Errorf("serialize: no loaded image for elf id %d (object %q)", f.Content.ElfID, o.Name)
			}
			raw, err := img.SegmentBytes(f.Content.SegmentIndex, f.Content.ByteStart, f.Content.ByteEnd)
			if err != nil {
				return nil, nil, fmt.Errorf("serialize: object %q: %w", o.Name, err)
			}

			offset := uint64(blob.Len())
			fw, err := flate.NewWriter(&blob, flate.BestCompression)
			if err != nil {
				return nil, nil, err
			}
			if _, err := fw.Write(raw); err != nil {
				return nil, nil, err
			}
			if err := fw.Close(); err != nil {
				return nil, nil, err
			}

			entries = append(entries, FrameBlobEntry{
				Object:        o.ID,
				RangeStart:    f.RangeStart,
				RangeEnd:      f.RangeEnd,
				BlobOffset:    offset,
				CompressedLen: uint64(blob.Len()) - offset,
			})
		}
	}

	return blob.Bytes(), entries, nil
}
