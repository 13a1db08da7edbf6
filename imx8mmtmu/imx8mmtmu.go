// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package imx8mmtmu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/mmr"
	"periph.io/x/conn/v3/physic"
)

// Millidegrees is a temperature in thousandths of a degree Celsius, the
// unit used at the thermal policy boundary.
type Millidegrees int

// NoTemperature marks a thermal zone that has no valid sample yet, e.g.
// before the first successful poll.
const NoTemperature Millidegrees = math.MinInt32

// Temperature converts to the periph unit system.
func (m Millidegrees) Temperature() physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(m)*physic.MilliKelvin
}

func (m Millidegrees) String() string {
	return m.Temperature().String()
}

// Trip selects one of the two configured trip points.
type Trip int

const (
	TripPassive Trip = iota
	TripCritical
)

func (t Trip) String() string {
	switch t {
	case TripPassive:
		return "passive"
	case TripCritical:
		return "critical"
	}
	return "unknown"
}

// Trend is the coarse directional signal consumed by cooling policy.
type Trend int

const (
	TrendStable Trend = iota
	TrendRisingFast
	TrendFallingFast
)

func (t Trend) String() string {
	switch t {
	case TrendRisingFast:
		return "rising fast"
	case TrendFallingFast:
		return "falling fast"
	}
	return "stable"
}

const (
	// TMU register file, byte offsets from the peripheral base.
	regEnable        uint8 = 0x00 // TER, bit 31 enables the monitor
	regStatus        uint8 = 0x04 // TSR
	regIntEnable     uint8 = 0x08 // TIER
	regIntDetect     uint8 = 0x0c // TIDR
	regThresholdImm  uint8 = 0x10 // TMHTITR
	regThresholdAvg  uint8 = 0x14 // TMHTATR
	regThresholdCrit uint8 = 0x18 // TMHTCATR
	regSensorValue   uint8 = 0x1c // TSCR, raw value with no calibration
	regImmediateTemp uint8 = 0x20 // TRITSR
	regAverageTemp   uint8 = 0x24 // TRATSR

	enableBit     uint32 = 1 << 31 // TER.EN
	validBit      uint32 = 1 << 31 // TRITSR.V, unused: the low limit check covers it
	tempValueMask uint32 = 0xff

	// Readings below this are sensor warm-up noise, in °C.
	tempLowLimit = 10
	// The fuse offset is relative to 25°C.
	calibReference = 25

	// Offset of the 8-bit TMU calibration fuse inside the OCOTP window.
	fuseCalibOffset uint16 = 0x04f0

	// The sensor needs about 1ms to finish a measurement; 10ms gives it
	// ample margin before the single retry.
	measurementDelay = 10 * time.Millisecond

	// A zone within this delta of a trip point is already reported as
	// rising so the policy reacts before the trip itself is crossed.
	passiveCoolDelta Millidegrees = 10000
)

type deviceState int

const (
	stateEnabled deviceState = iota
	stateHalted
)

// Opts holds the trip points supplied by the thermal zone configuration.
type Opts struct {
	TripPassive  Millidegrees
	TripCritical Millidegrees
}

// DefaultOpts matches the i.MX8MM device tree thermal zone: passive trip
// at 85°C, critical trip at 95°C.
var DefaultOpts = Opts{
	TripPassive:  85000,
	TripCritical: 95000,
}

// Dev represents one TMU instance.
type Dev struct {
	regs mmr.Dev8

	mu           sync.Mutex
	state        deviceState
	doCalib      bool
	calibOffset  uint32
	tripPassive  Millidegrees
	tripCritical Millidegrees
	shutdown     chan struct{}
}

var (
	// ErrNotReady reports that the sensor has not finished warming up and
	// produced no trustworthy reading even after the internal retry. It is
	// transient: poll again later.
	ErrNotReady = errors.New("imx8mmtmu: sensor measurement not ready")

	errHalted          = errors.New("imx8mmtmu: device is halted")
	errUnknownTrip     = errors.New("imx8mmtmu: unknown trip point")
	errAlreadySensing  = errors.New("imx8mmtmu: sense continuous already running")
	errIntervalTooFast = errors.New("imx8mmtmu: interval below sensor measurement latency")
)

// New returns a driver for the TMU behind regs, enables the monitor and
// resolves the factory calibration.
//
// regs is the TMU register window. fuse is the OCOTP controller window
// holding the calibration fuse; it may be nil when the OTP region is not
// mapped, in which case the driver runs uncalibrated. The fuse is read
// exactly once; an absent or blank fuse (0x00 or 0xff) is not an error
// but leaves the driver on the hardware calibrated values. Check
// Calibrated() and warn the operator when it reports false.
func New(regs conn.Conn, fuse conn.Conn, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{
		regs:         mmr.Dev8{Conn: regs, Order: binary.LittleEndian},
		tripPassive:  opts.TripPassive,
		tripCritical: opts.TripCritical,
	}
	if err := d.enable(); err != nil {
		return nil, err
	}
	d.resolveCalibration(fuse)
	return d, nil
}

// enable sets the monitor enable bit with a read-modify-write cycle.
func (d *Dev) enable() error {
	val, err := d.regs.ReadUint32(regEnable)
	if err != nil {
		return fmt.Errorf("imx8mmtmu: failed to read enable register: %w", err)
	}
	val |= enableBit
	if err := d.regs.WriteUint32(regEnable, val); err != nil {
		return fmt.Errorf("imx8mmtmu: failed to enable monitor: %w", err)
	}
	return nil
}

// resolveCalibration reads the calibration fuse once. Fuse values 0x00
// and 0xff mean the part was never fused; both leave the driver in the
// uncalibrated fallback mode.
func (d *Dev) resolveCalibration(fuse conn.Conn) {
	if fuse == nil {
		return
	}
	otp := mmr.Dev16{Conn: fuse, Order: binary.LittleEndian}
	val, err := otp.ReadUint32(fuseCalibOffset)
	if err != nil {
		return
	}
	val &= tempValueMask
	if val == 0 || val == tempValueMask {
		return
	}
	d.calibOffset = val
	d.doCalib = true
}

// Calibrated reports whether the factory calibration fuse was valid.
// When false the driver reports the hardware calibrated value, which is
// known to be less accurate; surface a warning to the operator.
func (d *Dev) Calibrated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doCalib
}

// Calibration returns the fuse calibration offset and whether it is in
// use.
func (d *Dev) Calibration() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calibOffset, d.doCalib
}

// sample performs one measurement attempt and returns the value in whole
// degrees Celsius.
//
// The immediate temperature register holds the hardware calibrated
// value. When the fuse is valid the value is recomputed from the raw
// sensor register instead: temp = raw - fuse + 25.
func (d *Dev) sample() (int, error) {
	val, err := d.regs.ReadUint32(regImmediateTemp)
	if err != nil {
		return 0, fmt.Errorf("imx8mmtmu: failed to read immediate temperature: %w", err)
	}
	temp := int(val & tempValueMask)
	if d.doCalib {
		raw, err := d.regs.ReadUint32(regSensorValue)
		if err != nil {
			return 0, fmt.Errorf("imx8mmtmu: failed to read raw sensor value: %w", err)
		}
		temp = int(raw&tempValueMask) - int(d.calibOffset) + calibReference
	}
	return temp, nil
}

// Temperature returns the current die temperature.
//
// A reading below the sensor's low limit means the measurement has not
// settled yet; the driver waits once for the measurement latency and
// retries. If the second attempt is also below the limit it returns
// ErrNotReady and the caller should poll again later.
func (d *Dev) Temperature() (Millidegrees, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateEnabled {
		return 0, errHalted
	}
	val, err := d.sample()
	if err != nil {
		return 0, err
	}
	if val < tempLowLimit {
		time.Sleep(measurementDelay)
		val, err = d.sample()
		if err != nil {
			return 0, err
		}
		if val < tempLowLimit {
			return 0, ErrNotReady
		}
	}
	return Millidegrees(val) * 1000, nil
}

// Trend reports whether the zone is moving towards or away from the
// selected trip point. current is the zone's last observed temperature;
// pass NoTemperature before the first sample.
func (d *Dev) Trend(trip Trip, current Millidegrees) Trend {
	if current == NoTemperature {
		return TrendStable
	}
	d.mu.Lock()
	threshold := d.tripPassive
	if trip == TripCritical {
		threshold = d.tripCritical
	}
	d.mu.Unlock()
	if current >= threshold-passiveCoolDelta {
		return TrendRisingFast
	}
	return TrendFallingFast
}

// SetTripTemp overwrites the selected trip point. No range validation is
// performed; that is the policy layer's job.
func (d *Dev) SetTripTemp(trip Trip, t Millidegrees) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch trip {
	case TripPassive:
		d.tripPassive = t
	case TripCritical:
		d.tripCritical = t
	default:
		return errUnknownTrip
	}
	return nil
}

// Sense reads the die temperature once. Implements physic.SenseEnv.
func (d *Dev) Sense(env *physic.Env) error {
	env.Temperature = 0
	env.Pressure = 0
	env.Humidity = 0
	m, err := d.Temperature()
	if err != nil {
		return err
	}
	env.Temperature = m.Temperature()
	return nil
}

// SenseContinuous polls the sensor and writes readings to the returned
// channel. Not-ready samples are skipped. To terminate, call Halt().
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if interval < measurementDelay {
		return nil, errIntervalTooFast
	}
	d.mu.Lock()
	if d.state != stateEnabled {
		d.mu.Unlock()
		return nil, errHalted
	}
	if d.shutdown != nil {
		d.mu.Unlock()
		return nil, errAlreadySensing
	}
	d.shutdown = make(chan struct{})
	shutdown := d.shutdown
	d.mu.Unlock()

	channelSize := 16
	ch := make(chan physic.Env, channelSize)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-shutdown:
				close(ch)
				return
			case <-ticker.C:
				// Drop the sample rather than block when the consumer
				// stops draining, so Halt can always stop the poller.
				e := physic.Env{}
				if err := d.Sense(&e); err == nil && len(ch) < channelSize {
					ch <- e
				}
			}
		}
	}()
	return ch, nil
}

// Precision returns the measurement resolution, one degree Celsius.
// Implements physic.SenseEnv.
func (d *Dev) Precision(env *physic.Env) {
	env.Temperature = physic.Kelvin
	env.Pressure = 0
	env.Humidity = 0
}

// Halt disables the monitor. Implements conn.Resource.
//
// Halt is terminal: a halted device cannot be re-enabled, construct a new
// Dev instead. Calling Halt again is a no-op.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateHalted {
		return nil
	}
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
	val, err := d.regs.ReadUint32(regEnable)
	if err != nil {
		return fmt.Errorf("imx8mmtmu: failed to read enable register: %w", err)
	}
	val &^= enableBit
	if err := d.regs.WriteUint32(regEnable, val); err != nil {
		return fmt.Errorf("imx8mmtmu: failed to disable monitor: %w", err)
	}
	d.state = stateHalted
	return nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("imx8mmtmu: %s", d.regs.Conn)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
