/*
 * capdl - Core error kinds.
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

package builderr

import (
	"strings"
	"testing"
)

func TestAllocationInfeasibleErrorPinnedForm(t *testing.T) {
	err := &AllocationInfeasibleError{
		Object:    "client/stack/0",
		Requested: 0x90000000,
		ValidRanges: []ValidRange{
			{Base: 0x40000000, End: 0x50000000},
		},
	}
	msg := err.Error()
	for _, want := range []string{"client/stack/0", "0x90000000", "0x40000000", "0x50000000"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestAllocationInfeasibleErrorSizedForm(t *testing.T) {
	err := &AllocationInfeasibleError{
		Shortfalls: []SizeShortfall{{SizeBits: 20, Count: 3}},
	}
	msg := err.Error()
	if !strings.Contains(msg, "size_bits=20") || !strings.Contains(msg, "3 object(s)") {
		t.Errorf("sized-form message: got %q", msg)
	}
}

func TestMappingOverlapErrorMessage(t *testing.T) {
	err := &MappingOverlapError{PD: "client", Region: "shared", With: "stack", VAddrStart: 0x2000000, VAddrEnd: 0x2002000}
	msg := err.Error()
	for _, want := range []string{`"client"`, `"shared"`, "stack", "0x2000000", "0x2002000"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestFixedPointExhaustedErrorMessage(t *testing.T) {
	err := &FixedPointExhaustedError{Bound: 3}
	if !strings.Contains(err.Error(), "3 iterations") {
		t.Errorf("message: got %q", err.Error())
	}
}
