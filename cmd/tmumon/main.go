// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command tmumon polls the i.MX8M Mini thermal monitoring unit and
// reports the die temperature and its trend against the passive trip
// point. It can paint a live terminal strip and drop a history chart
// PNG on exit.
package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"github.com/GermanBionicSystems/tmu/imx8mmtmu"
	"github.com/GermanBionicSystems/tmu/physmem"
	"github.com/GermanBionicSystems/tmu/thermalchart"
	"github.com/GermanBionicSystems/tmu/thermstrip"
	"periph.io/x/conn/v3"
	"periph.io/x/host/v3"
)

func mainImpl() error {
	tmuBase := flag.Uint64("tmu-base", 0x30260000, "physical base address of the TMU register file")
	ocotpBase := flag.Uint64("ocotp-base", 0x30350000, "physical base address of the OTP controller")
	passive := flag.Int("passive", 85000, "passive trip point in millidegrees")
	critical := flag.Int("critical", 95000, "critical trip point in millidegrees")
	interval := flag.Duration("interval", time.Second, "polling interval")
	samples := flag.Int("n", 0, "number of samples to take, 0 for unlimited")
	pngPath := flag.String("png", "", "write a temperature history PNG to this path on exit")
	strip := flag.Bool("strip", false, "paint a live terminal temperature strip instead of log lines")
	flag.Parse()

	if _, err := host.Init(); err != nil {
		return err
	}

	tmuWin, err := physmem.Open(*tmuBase, 0x28, nil)
	if err != nil {
		return err
	}
	defer tmuWin.Close()

	// A missing OTP window only costs accuracy, not functionality.
	var fuse conn.Conn
	otpWin, err := physmem.Open(*ocotpBase, 0x1000, &physmem.Opts{AddrBytes: 2})
	if err != nil {
		log.Printf("ocotp window unavailable, running uncalibrated: %v", err)
	} else {
		defer otpWin.Close()
		fuse = otpWin
	}

	dev, err := imx8mmtmu.New(tmuWin, fuse, &imx8mmtmu.Opts{
		TripPassive:  imx8mmtmu.Millidegrees(*passive),
		TripCritical: imx8mmtmu.Millidegrees(*critical),
	})
	if err != nil {
		return err
	}
	defer dev.Halt()

	if offset, ok := dev.Calibration(); ok {
		log.Printf("using software calibrated temperature: OTP_CAL = %d", offset)
	} else {
		log.Print("warning: using potentially inaccurate hardware calibrated values")
	}

	var chart *thermalchart.Chart
	if *pngPath != "" {
		opts := thermalchart.DefaultOpts
		opts.Label = "die"
		opts.Marks = append(opts.Marks,
			imx8mmtmu.Millidegrees(*passive).Temperature(),
			imx8mmtmu.Millidegrees(*critical).Temperature())
		if chart, err = thermalchart.New(&opts); err != nil {
			return err
		}
	}
	var stripDev *thermstrip.Dev
	if *strip {
		stripDev = thermstrip.New(&thermstrip.Opts{
			X:   64,
			Min: imx8mmtmu.Millidegrees(0).Temperature(),
			Max: imx8mmtmu.Millidegrees(*critical).Temperature(),
		})
		defer stripDev.Halt()
	}

	for i := 0; *samples == 0 || i < *samples; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		m, err := dev.Temperature()
		if errors.Is(err, imx8mmtmu.ErrNotReady) {
			log.Print("sensor warming up, will retry")
			continue
		}
		if err != nil {
			return err
		}
		trend := dev.Trend(imx8mmtmu.TripPassive, m)
		if stripDev != nil {
			if err := stripDev.Push(m.Temperature()); err != nil {
				return err
			}
		} else {
			log.Printf("die: %s passive trend: %s", m, trend)
		}
		if chart != nil {
			chart.Add(m.Temperature())
		}
	}

	if chart != nil {
		f, err := os.Create(*pngPath)
		if err != nil {
			return err
		}
		if err := chart.EncodePNG(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		log.Fatalf("tmumon: %v", err)
	}
}
