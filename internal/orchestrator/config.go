// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package orchestrator

import (
	"time"

	"github.com/acidghost/uberfuzz2/internal/fuzz"
	"github.com/acidghost/uberfuzz2/internal/winner"
)

// DriverSpec is one -f flag: an id whose variant is discovered from the
// working directory (spec §4.2/§6).
type DriverSpec struct {
	FuzzerID string
	Variant  fuzz.Variant
}

// Config is everything the orchestration loop needs to start a run.
type Config struct {
	WorkDir       string
	Drivers       []DriverSpec
	SUT           []string
	SkipInputFile bool
	Strategy      winner.Strategy

	// InputsLogPath and WinningLogPath default to <WorkDir>/inputs.log and
	// <WorkDir>/winning.log when empty.
	InputsLogPath  string
	WinningLogPath string

	// StatusAddr, if non-empty, serves a read-only JSON status endpoint
	// (supplemental; see SPEC_FULL.md).
	StatusAddr string

	// LoopSleep overrides the ~10ms poll sleep of spec §4.6; zero means
	// the default.
	LoopSleep time.Duration
}

// Validate applies spec §6's CLI invariants: at least two drivers, a
// non-empty SUT command, and unique fuzzer ids.
func (c Config) Validate() error {
	if len(c.Drivers) < 2 {
		return &ArgumentError{Msg: "at least 2 drivers (-f) are required"}
	}
	if len(c.SUT) == 0 {
		return &ArgumentError{Msg: "a system-under-test command is required after --"}
	}
	seen := make(map[string]bool, len(c.Drivers))
	for _, d := range c.Drivers {
		if d.FuzzerID == "" {
			return &ArgumentError{Msg: "empty driver id"}
		}
		if seen[d.FuzzerID] {
			return &ArgumentError{Msg: "duplicate driver id " + d.FuzzerID}
		}
		seen[d.FuzzerID] = true
	}
	return nil
}
