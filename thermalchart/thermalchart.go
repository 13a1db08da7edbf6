// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermalchart renders recent temperature history as a strip
// chart image, sized for small SPI/e-paper displays or for a PNG dropped
// by a monitoring daemon.
package thermalchart

import (
	"errors"
	"image"
	"io"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"periph.io/x/conn/v3/physic"
)

// Opts configures the chart geometry and scale.
type Opts struct {
	// Width and Height of the rendered image in pixels.
	Width, Height int
	// Min and Max span the vertical temperature scale.
	Min, Max physic.Temperature
	// Samples is the number of readings retained; older ones scroll off.
	Samples int
	// Label is drawn in the top left corner, e.g. the zone name.
	Label string
	// Marks are horizontal reference lines, e.g. trip points.
	Marks []physic.Temperature
}

// DefaultOpts renders a 256x64 chart spanning 0°C to 125°C, the operating
// range of the i.MX8MM die sensor.
var DefaultOpts = Opts{
	Width:   256,
	Height:  64,
	Min:     physic.ZeroCelsius,
	Max:     physic.ZeroCelsius + 125*physic.Kelvin,
	Samples: 128,
}

var (
	errGeometry = errors.New("thermalchart: width, height and samples must be positive")
	errScale    = errors.New("thermalchart: Min must be below Max")
)

// Chart accumulates temperature samples and renders them.
type Chart struct {
	opts Opts
	face font.Face

	mu      sync.Mutex
	samples []physic.Temperature
}

// New returns an empty chart.
func New(opts *Opts) (*Chart, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.Width <= 0 || opts.Height <= 0 || opts.Samples <= 0 {
		return nil, errGeometry
	}
	if opts.Min >= opts.Max {
		return nil, errScale
	}
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	return &Chart{
		opts: *opts,
		face: truetype.NewFace(f, &truetype.Options{Size: 10}),
	}, nil
}

// Add appends a sample, discarding the oldest one once the retention
// window is full.
func (c *Chart) Add(t physic.Temperature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, t)
	if len(c.samples) > c.opts.Samples {
		c.samples = c.samples[len(c.samples)-c.opts.Samples:]
	}
}

// Reset discards all samples.
func (c *Chart) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = nil
}

// y maps a temperature onto the vertical pixel scale.
func (c *Chart) y(t physic.Temperature) float64 {
	minC := c.opts.Min.Celsius()
	maxC := c.opts.Max.Celsius()
	n := (t.Celsius() - minC) / (maxC - minC)
	if n < 0 {
		n = 0
	}
	if n > 1 {
		n = 1
	}
	return float64(c.opts.Height-1) * (1 - n)
}

// Render draws the retained samples and returns the image.
func (c *Chart) Render() image.Image {
	c.mu.Lock()
	samples := make([]physic.Temperature, len(c.samples))
	copy(samples, c.samples)
	c.mu.Unlock()

	w := float64(c.opts.Width)
	dc := gg.NewContext(c.opts.Width, c.opts.Height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	for _, m := range c.opts.Marks {
		y := c.y(m)
		dc.SetRGB(0.9, 0.4, 0.4)
		dc.SetLineWidth(1)
		dc.DrawLine(0, y, w, y)
		dc.Stroke()
	}

	if len(samples) > 1 {
		step := w / float64(c.opts.Samples-1)
		dc.SetRGB(0, 0, 0)
		dc.SetLineWidth(1.5)
		for i, s := range samples {
			x := float64(i) * step
			if i == 0 {
				dc.MoveTo(x, c.y(s))
			} else {
				dc.LineTo(x, c.y(s))
			}
		}
		dc.Stroke()
	}

	dc.SetFontFace(c.face)
	dc.SetRGB(0, 0, 0)
	label := c.opts.Label
	if len(samples) > 0 {
		last := samples[len(samples)-1]
		if label != "" {
			label += " "
		}
		label += last.String()
	}
	if label != "" {
		dc.DrawString(label, 2, 12)
	}
	return dc.Image()
}

// EncodePNG renders the chart and writes it as PNG.
func (c *Chart) EncodePNG(w io.Writer) error {
	dc := gg.NewContextForImage(c.Render())
	return dc.EncodePNG(w)
}
