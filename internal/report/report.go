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

// Package report is the narrow boundary for the tool's "user-visible
// output is a single first-error message followed by a structured
// report" - rendering itself is out of this tool's core, reached
// through Reporter so capdl/buildloop never depends on a formatting
// library directly.
package report

import (
	"fmt"
	"io"
)

// Summary is everything a completed (successful or failed) build loop
// run has to report.
type Summary struct {
	Iterations  int
	ObjectCount int
	UntypedUsed int
	FirstError  error
}

// Reporter renders a Summary. Write is called exactly once, at the
// tail of a run, successful or not ("every output artefact
// is streamed to disk exactly once at the tail of a successful run").
type Reporter interface {
	Write(w io.Writer, s Summary) error
}

// PlainReporter is the default Reporter: a short first-error line
// followed by a flat key: value report, with no external templating
// dependency (this boundary is a documented non-goal of the core -
// the pack's dependency set carries no rendering library).
type PlainReporter struct{}

var _ Reporter = PlainReporter{}

func (PlainReporter) Write(w io.Writer, s Summary) error {
	if s.FirstError != nil {
		if _, err := fmt.Fprintf(w, "error: %s\n", s.FirstError); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "iterations: %d\nobjects: %d\nuntypeds used: %d\n", s.Iterations, s.ObjectCount, s.UntypedUsed)
	return err
}
