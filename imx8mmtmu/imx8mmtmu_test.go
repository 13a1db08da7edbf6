// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package imx8mmtmu

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/physic"
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// enableOps is the read-modify-write cycle New performs on TER.
func enableOps() []conntest.IO {
	return []conntest.IO{
		{W: []byte{regEnable}, R: le32(0)},
		{W: append([]byte{regEnable}, le32(enableBit)...)},
	}
}

// disableOps is the read-modify-write cycle Halt performs on TER.
func disableOps() []conntest.IO {
	return []conntest.IO{
		{W: []byte{regEnable}, R: le32(enableBit)},
		{W: append([]byte{regEnable}, le32(0)...)},
	}
}

func immediateOp(v uint32) conntest.IO {
	return conntest.IO{W: []byte{regImmediateTemp}, R: le32(v)}
}

func rawOp(v uint32) conntest.IO {
	return conntest.IO{W: []byte{regSensorValue}, R: le32(v)}
}

func fuseOps(v uint32) []conntest.IO {
	return []conntest.IO{
		{W: []byte{0xf0, 0x04}, R: le32(v)},
	}
}

// newDev builds a Dev over playback buses and returns both playbacks so
// tests can assert every scripted operation was consumed.
func newDev(t *testing.T, tmuOps []conntest.IO, fuse uint32, opts *Opts) (*Dev, *conntest.Playback, *conntest.Playback) {
	t.Helper()
	// The register windows are half-duplex; mmr rejects anything else.
	pb := &conntest.Playback{Ops: append(enableOps(), tmuOps...), D: conn.Half, DontPanic: true}
	fb := &conntest.Playback{Ops: fuseOps(fuse), D: conn.Half, DontPanic: true}
	dev, err := New(pb, fb, opts)
	if err != nil {
		t.Fatal(err)
	}
	return dev, pb, fb
}

func TestCalibrationResolution(t *testing.T) {
	// All 8 bit fuse values: 0x00 and 0xff mean "never fused", everything
	// else is a valid offset.
	for fuse := uint32(0); fuse <= 0xff; fuse++ {
		dev, pb, fb := newDev(t, nil, fuse, nil)
		wantCalib := fuse != 0 && fuse != 0xff
		offset, ok := dev.Calibration()
		if ok != wantCalib {
			t.Errorf("fuse %#02x: Calibrated()=%t, want %t", fuse, ok, wantCalib)
		}
		if wantCalib && offset != fuse {
			t.Errorf("fuse %#02x: offset=%d, want %d", fuse, offset, fuse)
		}
		if err := pb.Close(); err != nil {
			t.Error(err)
		}
		if err := fb.Close(); err != nil {
			t.Error(err)
		}
	}
}

func TestCalibrationFuseMasked(t *testing.T) {
	// Only the low 8 bits of the fuse word matter.
	dev, _, _ := newDev(t, nil, 0xdeadbe14, nil)
	offset, ok := dev.Calibration()
	if !ok || offset != 0x14 {
		t.Errorf("Calibration() = %d, %t; want 0x14, true", offset, ok)
	}
}

func TestNoFuseWindow(t *testing.T) {
	pb := &conntest.Playback{Ops: enableOps(), D: conn.Half, DontPanic: true}
	dev, err := New(pb, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Calibrated() {
		t.Error("expected uncalibrated mode without an OTP window")
	}
}

func TestUnreadableFuseWindow(t *testing.T) {
	// A fuse window that errors out degrades to uncalibrated mode, it
	// must not fail construction.
	pb := &conntest.Playback{Ops: enableOps(), D: conn.Half, DontPanic: true}
	fb := &conntest.Playback{D: conn.Half, DontPanic: true}
	dev, err := New(pb, fb, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Calibrated() {
		t.Error("expected uncalibrated mode with an unreadable OTP window")
	}
}

func TestNewEnableFailure(t *testing.T) {
	// Register window I/O failure during enable is fatal to the instance.
	pb := &conntest.Playback{D: conn.Half, DontPanic: true}
	if _, err := New(pb, nil, nil); err == nil {
		t.Fatal("expected New to fail when the enable register is unreadable")
	}
}

func TestTemperatureUncalibrated(t *testing.T) {
	// Fuse of 0: the immediate register value is reported as-is, bit 31
	// (hardware valid flag) masked off.
	dev, pb, _ := newDev(t, []conntest.IO{immediateOp(validBit | 45)}, 0, nil)
	m, err := dev.Temperature()
	if err != nil {
		t.Fatal(err)
	}
	if m != 45000 {
		t.Errorf("Temperature() = %d, want 45000", m)
	}
	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestTemperatureCalibrated(t *testing.T) {
	// Fuse of 20, raw sensor value 30: 30 - 20 + 25 = 35°C.
	dev, pb, _ := newDev(t, []conntest.IO{immediateOp(45), rawOp(30)}, 20, nil)
	m, err := dev.Temperature()
	if err != nil {
		t.Fatal(err)
	}
	if m != 35000 {
		t.Errorf("Temperature() = %d, want 35000", m)
	}
	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestCalibrationFormula(t *testing.T) {
	// temp = raw - fuse + 25 must hold exactly over the full 8 bit raw
	// range. Values that land below the low limit are not trustworthy and
	// surface as ErrNotReady after the single retry.
	const fuse = 20
	for raw := 0; raw <= 0xff; raw++ {
		want := raw - fuse + calibReference
		ops := []conntest.IO{immediateOp(0x55), rawOp(uint32(raw))}
		if want < tempLowLimit {
			ops = append(ops, immediateOp(0x55), rawOp(uint32(raw)))
		}
		dev, pb, _ := newDev(t, ops, fuse, nil)
		m, err := dev.Temperature()
		if want < tempLowLimit {
			if !errors.Is(err, ErrNotReady) {
				t.Errorf("raw %d: err = %v, want ErrNotReady", raw, err)
			}
		} else {
			if err != nil {
				t.Errorf("raw %d: %v", raw, err)
				continue
			}
			if m != Millidegrees(want)*1000 {
				t.Errorf("raw %d: Temperature() = %d, want %d", raw, m, want*1000)
			}
			if m%1000 != 0 {
				t.Errorf("raw %d: %d is not a whole number of millidegrees", raw, m)
			}
		}
		if err := pb.Close(); err != nil {
			t.Error(err)
		}
	}
}

func TestTemperatureNotReady(t *testing.T) {
	// Two consecutive readings below the low limit: exactly one delay,
	// exactly two reads, then ErrNotReady.
	dev, pb, _ := newDev(t, []conntest.IO{immediateOp(5), immediateOp(5)}, 0, nil)
	start := time.Now()
	_, err := dev.Temperature()
	elapsed := time.Since(start)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if elapsed < measurementDelay {
		t.Errorf("expected one %s delay between the reads, got %s", measurementDelay, elapsed)
	}
	if err := pb.Close(); err != nil {
		t.Errorf("unexpected register traffic: %v", err)
	}
}

func TestTemperatureRetryRecovers(t *testing.T) {
	// First reading during warm-up, second one valid.
	dev, pb, _ := newDev(t, []conntest.IO{immediateOp(3), immediateOp(42)}, 0, nil)
	start := time.Now()
	m, err := dev.Temperature()
	if err != nil {
		t.Fatal(err)
	}
	if m != 42000 {
		t.Errorf("Temperature() = %d, want 42000", m)
	}
	if elapsed := time.Since(start); elapsed < measurementDelay {
		t.Errorf("expected the retry to wait %s, got %s", measurementDelay, elapsed)
	}
	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestTrend(t *testing.T) {
	dev, _, _ := newDev(t, nil, 0, &Opts{TripPassive: 85000, TripCritical: 95000})
	tests := []struct {
		name    string
		trip    Trip
		current Millidegrees
		want    Trend
	}{
		{"no sample yet", TripPassive, NoTemperature, TrendStable},
		{"well below passive", TripPassive, 40000, TrendFallingFast},
		{"just below window", TripPassive, 74999, TrendFallingFast},
		{"window boundary inclusive", TripPassive, 75000, TrendRisingFast},
		{"inside window", TripPassive, 76000, TrendRisingFast},
		{"above passive", TripPassive, 90000, TrendRisingFast},
		{"below critical window", TripCritical, 84999, TrendFallingFast},
		{"critical boundary", TripCritical, 85000, TrendRisingFast},
	}
	for _, tt := range tests {
		if got := dev.Trend(tt.trip, tt.current); got != tt.want {
			t.Errorf("%s: Trend(%s, %d) = %s, want %s", tt.name, tt.trip, tt.current, got, tt.want)
		}
	}
}

func TestSetTripTemp(t *testing.T) {
	dev, _, _ := newDev(t, nil, 0, nil)
	if err := dev.SetTripTemp(TripPassive, 60000); err != nil {
		t.Fatal(err)
	}
	if got := dev.Trend(TripPassive, 50000); got != TrendRisingFast {
		t.Errorf("Trend after lowering passive trip = %s, want %s", got, TrendRisingFast)
	}
	if err := dev.SetTripTemp(TripCritical, 70000); err != nil {
		t.Fatal(err)
	}
	if got := dev.Trend(TripCritical, 59999); got != TrendFallingFast {
		t.Errorf("Trend after lowering critical trip = %s, want %s", got, TrendFallingFast)
	}
	if err := dev.SetTripTemp(Trip(99), 1000); err == nil {
		t.Error("expected an error for an unknown trip point")
	}
}

func TestSense(t *testing.T) {
	dev, _, _ := newDev(t, []conntest.IO{immediateOp(45)}, 0, nil)
	env := physic.Env{}
	if err := dev.Sense(&env); err != nil {
		t.Fatal(err)
	}
	want := physic.ZeroCelsius + 45*physic.Kelvin
	if env.Temperature != want {
		t.Errorf("Sense() temperature = %s, want %s", env.Temperature, want)
	}
}

func TestSenseContinuous(t *testing.T) {
	readings := []uint32{30, 31, 32}
	ops := make([]conntest.IO, 0, len(readings))
	for _, r := range readings {
		ops = append(ops, immediateOp(r))
	}
	dev, _, _ := newDev(t, append(ops, disableOps()...), 0, nil)

	if _, err := dev.SenseContinuous(time.Millisecond); err == nil {
		t.Error("expected an error for an interval below the measurement latency")
	}
	ch, err := dev.SenseContinuous(50 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.SenseContinuous(50 * time.Millisecond); err == nil {
		t.Error("expected an error for a second concurrent SenseContinuous")
	}
	got := make([]physic.Temperature, 0, len(readings))
	for range readings {
		env := <-ch
		got = append(got, env.Temperature)
	}
	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
	want := []physic.Temperature{
		physic.ZeroCelsius + 30*physic.Kelvin,
		physic.ZeroCelsius + 31*physic.Kelvin,
		physic.ZeroCelsius + 32*physic.Kelvin,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected readings (-want +got):\n%s", diff)
	}
}

func TestSenseContinuousAbandonedConsumer(t *testing.T) {
	// A consumer that stops draining must not wedge the poller: overflow
	// samples are dropped, so Halt can still stop it and the channel is
	// always closed.
	ops := make([]conntest.IO, 0, 20)
	for i := 0; i < 20; i++ {
		ops = append(ops, immediateOp(40))
	}
	dev, _, _ := newDev(t, append(ops, disableOps()...), 0, nil)
	ch, err := dev.SenseContinuous(10 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	// Let the poller overrun the 16 slot buffer without reading a thing.
	time.Sleep(300 * time.Millisecond)
	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("channel not closed after Halt, the poller is stuck")
		}
	}
}

func TestHalt(t *testing.T) {
	dev, pb, _ := newDev(t, disableOps(), 0, nil)
	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Temperature(); err == nil {
		t.Error("expected Temperature to fail after Halt")
	}
	// Halt is terminal and idempotent: no further register traffic.
	if err := dev.Halt(); err != nil {
		t.Error(err)
	}
	if err := pb.Close(); err != nil {
		t.Error(err)
	}
}

func TestPrecision(t *testing.T) {
	dev, _, _ := newDev(t, nil, 0, nil)
	env := physic.Env{}
	dev.Precision(&env)
	if env.Temperature != physic.Kelvin {
		t.Errorf("Precision() = %s, want 1K", env.Temperature)
	}
}

func TestString(t *testing.T) {
	dev, _, _ := newDev(t, nil, 0, nil)
	if len(dev.String()) == 0 {
		t.Error("invalid String() result")
	}
}
