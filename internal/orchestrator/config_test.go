// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package orchestrator_test

import (
	"errors"
	"testing"

	"github.com/acidghost/uberfuzz2/internal/fuzz"
	"github.com/acidghost/uberfuzz2/internal/orchestrator"
	"github.com/acidghost/uberfuzz2/internal/winner"
)

func validConfig() orchestrator.Config {
	return orchestrator.Config{
		WorkDir: "/work",
		Drivers: []orchestrator.DriverSpec{
			{FuzzerID: "afl1", Variant: fuzz.VariantAFL},
			{FuzzerID: "hongg1", Variant: fuzz.VariantHonggfuzz},
		},
		SUT:      []string{"/bin/sut"},
		Strategy: winner.SingleWinner{},
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() = %s, want nil", err)
	}
}

func TestValidateRejectsTooFewDrivers(t *testing.T) {
	cfg := validConfig()
	cfg.Drivers = cfg.Drivers[:1]

	err := cfg.Validate()
	var argErr *orchestrator.ArgumentError
	if !errors.As(err, &argErr) {
		t.Fatalf("Validate() error = %v, want *ArgumentError", err)
	}
}

func TestValidateRejectsEmptySUT(t *testing.T) {
	cfg := validConfig()
	cfg.SUT = nil

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for an empty SUT command")
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	cfg := validConfig()
	cfg.Drivers = append(cfg.Drivers, orchestrator.DriverSpec{FuzzerID: "afl1", Variant: fuzz.VariantVUzzer})

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for duplicate fuzzer ids")
	}
}

func TestValidateRejectsEmptyID(t *testing.T) {
	cfg := validConfig()
	cfg.Drivers[0].FuzzerID = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for an empty fuzzer id")
	}
}
