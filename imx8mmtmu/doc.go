// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package imx8mmtmu controls the thermal monitoring unit (TMU) found on
// the NXP i.MX8M Mini application processor.
//
// The TMU exposes the die temperature through a small memory mapped
// register file. The factory calibration constant is burned into the
// on-chip OTP controller; when it is present the driver recomputes the
// temperature from the raw sensor value, otherwise it falls back to the
// hardware calibrated reading, which NXP documents as less accurate.
//
// The driver reports in millidegrees Celsius, the unit thermal policy
// layers work in, and also implements physic.SenseEnv for use with the
// rest of the periph ecosystem.
//
// # Datasheet
//
// https://www.nxp.com/webapp/Download?colCode=IMX8MMRM
package imx8mmtmu
