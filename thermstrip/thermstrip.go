// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermstrip paints a sliding window of temperature samples as a
// strip of colored blocks on the terminal using ANSI color codes.
//
// Useful while watching a thermal zone warm up without wiring a real
// display to the board.
package thermstrip

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"sync"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
)

// Opts represents the options available for the strip.
type Opts struct {
	// X is the number of cells; one sample per cell.
	X int
	// Min and Max span the cold-to-hot color scale.
	Min, Max physic.Temperature
	// Palette quantizes colors to the terminal. Defaults to ansi256.Default.
	Palette *ansi256.Palette
	// Writer receives the output. Defaults to a colorable stdout.
	Writer io.Writer

	_ struct{}
}

// Dev renders temperatures to the console.
type Dev struct {
	w        io.Writer
	l        int
	min, max physic.Temperature
	palette  ansi256.Palette

	mu      sync.Mutex
	samples []physic.Temperature
	buf     bytes.Buffer
}

// New returns a Dev that displays at the console.
func New(opts *Opts) *Dev {
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	w := opts.Writer
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	return &Dev{
		w:       w,
		l:       opts.X,
		min:     opts.Min,
		max:     opts.Max,
		palette: *p,
	}
}

func (d *Dev) String() string {
	return "ThermStrip"
}

// Halt implements conn.Resource.
//
// It resets the terminal colors so the console is not corrupted.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\n\033[0m"))
	return err
}

// Push appends a sample and repaints the strip. The oldest sample
// scrolls off once the strip is full.
func (d *Dev) Push(t physic.Temperature) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = append(d.samples, t)
	if len(d.samples) > d.l {
		d.samples = d.samples[len(d.samples)-d.l:]
	}
	return d.refresh()
}

// cell maps a sample onto the cold blue to hot red gradient.
func (d *Dev) cell(t physic.Temperature) color.NRGBA {
	n := float64(t-d.min) / float64(d.max-d.min)
	if n < 0 {
		n = 0
	}
	if n > 1 {
		n = 1
	}
	return color.NRGBA{R: byte(255 * n), G: 0, B: byte(255 * (1 - n)), A: 255}
}

func (d *Dev) refresh() error {
	// This code is designed to minimize the amount of memory allocated per
	// call.
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	for _, s := range d.samples {
		_, _ = io.WriteString(&d.buf, d.palette.Block(d.cell(s)))
	}
	for i := len(d.samples); i < d.l; i++ {
		_, _ = io.WriteString(&d.buf, d.palette.Block(color.NRGBA{R: 0x20, G: 0x20, B: 0x20, A: 255}))
	}
	_, _ = d.buf.WriteString("\033[0m ")
	_, err := d.buf.WriteTo(d.w)
	return err
}

var _ conn.Resource = &Dev{}
var _ fmt.Stringer = &Dev{}
