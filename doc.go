// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tmu is a container for the i.MX8M Mini thermal monitoring unit
// driver and its support packages.
package tmu
