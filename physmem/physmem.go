// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package physmem exposes memory mapped peripheral register windows as
// conn.Conn, so register level drivers can run against /dev/mem the same
// way they run against an I²C or SPI register file.
//
// A transaction addresses the window with a register offset prefix: the
// first AddrBytes of the write buffer select the byte offset, the rest
// of the write buffer is stored there, and the read buffer is filled
// from the same offset. This is exactly the shape mmr.Dev8 and mmr.Dev16
// produce.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"periph.io/x/conn/v3"
)

// Opts configures a Window.
type Opts struct {
	// AddrBytes is the width of the register offset prefix, 1 or 2. Use 1
	// for windows driven through mmr.Dev8 and 2 for mmr.Dev16.
	AddrBytes int
	// Order decodes multi byte register offsets. Peripheral buses on the
	// i.MX family are little endian.
	Order binary.ByteOrder
	// Dev is the memory device to map. Defaults to /dev/mem.
	Dev string
}

// DefaultOpts addresses the window with single byte offsets.
var DefaultOpts = Opts{AddrBytes: 1, Order: binary.LittleEndian, Dev: "/dev/mem"}

var (
	errAddrBytes    = errors.New("physmem: AddrBytes must be 1 or 2")
	errShortTx      = errors.New("physmem: write buffer shorter than the register offset prefix")
	errOutOfWindow  = errors.New("physmem: access outside the register window")
	errClosed       = errors.New("physmem: window is closed")
	errWindowLength = errors.New("physmem: window length must be positive")
)

// Window is a conn.Conn over a span of physical memory.
type Window struct {
	name      string
	addrBytes int
	order     binary.ByteOrder

	mu     sync.Mutex
	mem    []byte
	mapped []byte
	f      *os.File
}

// Open maps size bytes of physical memory at base.
//
// base does not have to be page aligned; the mapping is widened to the
// containing pages and the window positioned inside it.
func Open(base uint64, size int, opts *Opts) (*Window, error) {
	w, err := newWindow(opts)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errWindowLength
	}
	pageSize := uint64(os.Getpagesize())
	pageOff := int(base % pageSize)
	f, err := os.OpenFile(w.name, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("physmem: failed to open %s: %w", w.name, err)
	}
	mapped, err := syscall.Mmap(int(f.Fd()), int64(base-uint64(pageOff)), pageOff+size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("physmem: failed to map %#x+%#x: %w", base, size, err)
	}
	w.name = fmt.Sprintf("physmem{%#x}", base)
	w.f = f
	w.mapped = mapped
	w.mem = mapped[pageOff : pageOff+size]
	return w, nil
}

// New wraps an already mapped (or in tests, plain) byte slice.
func New(mem []byte, opts *Opts) (*Window, error) {
	w, err := newWindow(opts)
	if err != nil {
		return nil, err
	}
	if len(mem) == 0 {
		return nil, errWindowLength
	}
	w.name = fmt.Sprintf("physmem{%d bytes}", len(mem))
	w.mem = mem
	return w, nil
}

func newWindow(opts *Opts) (*Window, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	w := &Window{
		name:      opts.Dev,
		addrBytes: opts.AddrBytes,
		order:     opts.Order,
	}
	if w.name == "" {
		w.name = DefaultOpts.Dev
	}
	if w.addrBytes == 0 {
		w.addrBytes = DefaultOpts.AddrBytes
	}
	if w.addrBytes != 1 && w.addrBytes != 2 {
		return nil, errAddrBytes
	}
	if w.order == nil {
		w.order = DefaultOpts.Order
	}
	return w, nil
}

func (w *Window) String() string {
	return w.name
}

// Duplex implements conn.Conn.
func (w *Window) Duplex() conn.Duplex {
	return conn.Half
}

// Tx implements conn.Conn. The first AddrBytes of tx select the register
// offset; remaining tx bytes are written there and rx is read from there.
func (w *Window) Tx(tx, rx []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mem == nil {
		return errClosed
	}
	if len(tx) < w.addrBytes {
		return errShortTx
	}
	var off int
	switch w.addrBytes {
	case 1:
		off = int(tx[0])
	case 2:
		off = int(w.order.Uint16(tx))
	}
	if data := tx[w.addrBytes:]; len(data) > 0 {
		if off+len(data) > len(w.mem) {
			return errOutOfWindow
		}
		copy(w.mem[off:], data)
	}
	if len(rx) > 0 {
		if off+len(rx) > len(w.mem) {
			return errOutOfWindow
		}
		copy(rx, w.mem[off:])
	}
	return nil
}

// Close unmaps the window. The Window must not be used afterwards.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mem = nil
	if w.mapped != nil {
		if err := syscall.Munmap(w.mapped); err != nil {
			return fmt.Errorf("physmem: failed to unmap window: %w", err)
		}
		w.mapped = nil
	}
	if w.f != nil {
		err := w.f.Close()
		w.f = nil
		return err
	}
	return nil
}

var _ conn.Conn = &Window{}
