/*
 * capdl - Build report collaborator.
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

package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestPlainReporterWriteSuccess(t *testing.T) {
	var buf bytes.Buffer
	s := Summary{Iterations: 2, ObjectCount: 10, UntypedUsed: 3}
	if err := (PlainReporter{}).Write(&buf, s); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"iterations: 2", "objects: 10", "untypeds used: 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q, got %q", want, out)
		}
	}
	if strings.Contains(out, "error:") {
		t.Errorf("successful summary should not print an error line, got %q", out)
	}
}

func TestPlainReporterWriteWithError(t *testing.T) {
	var buf bytes.Buffer
	s := Summary{Iterations: 3, FirstError: errors.New("allocation infeasible")}
	if err := (PlainReporter{}).Write(&buf, s); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "error: allocation infeasible\n") {
		t.Errorf("expected the error line first, got %q", out)
	}
}
