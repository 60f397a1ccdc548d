// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/acidghost/uberfuzz2/internal/winner"
)

func TestStringListAccumulates(t *testing.T) {
	var l StringList
	for _, v := range []string{"afl1", "hongg1", "vu1"} {
		if err := l.Set(v); err != nil {
			t.Fatalf("Set(%q): %s", v, err)
		}
	}
	want := []string{"afl1", "hongg1", "vu1"}
	if len(l) != len(want) {
		t.Fatalf("StringList = %v, want %v", []string(l), want)
	}
	for i, v := range want {
		if l[i] != v {
			t.Errorf("StringList[%d] = %q, want %q", i, l[i], v)
		}
	}
}

func resetFlags() func() {
	oldIDs, oldHigh, oldThresh, oldHasThresh, oldSkip, oldAddr := ids, preferHigh, threshold, hasThreshold, skipInput, statusAddr
	ids = nil
	preferHigh = false
	threshold = 0
	hasThreshold = false
	skipInput = false
	statusAddr = ""
	return func() {
		ids, preferHigh, threshold, hasThreshold, skipInput, statusAddr = oldIDs, oldHigh, oldThresh, oldHasThresh, oldSkip, oldAddr
	}
}

func writeConf(t *testing.T, dir, fuzzerID, variant string) {
	t.Helper()
	path := filepath.Join(dir, fuzzerID+"."+variant+".conf")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildDefaultStrategy(t *testing.T) {
	defer resetFlags()()
	dir := t.TempDir()
	writeConf(t, dir, "afl1", "afl")
	writeConf(t, dir, "hongg1", "hongg")

	ids = StringList{"afl1", "hongg1"}

	cfg, err := Build(dir, []string{"/bin/sut"})
	if err != nil {
		t.Fatalf("Build(): %s", err)
	}
	if _, ok := cfg.Strategy.(winner.SingleWinner); !ok {
		t.Errorf("Strategy = %T, want winner.SingleWinner", cfg.Strategy)
	}
	if len(cfg.Drivers) != 2 {
		t.Fatalf("Drivers = %v, want 2 entries", cfg.Drivers)
	}
}

func TestBuildThresholdStrategy(t *testing.T) {
	defer resetFlags()()
	dir := t.TempDir()
	writeConf(t, dir, "afl1", "afl")
	writeConf(t, dir, "hongg1", "hongg")

	ids = StringList{"afl1", "hongg1"}
	hasThreshold = true
	threshold = 1.5
	preferHigh = true

	cfg, err := Build(dir, []string{"/bin/sut"})
	if err != nil {
		t.Fatalf("Build(): %s", err)
	}
	mw, ok := cfg.Strategy.(winner.MultipleWinners)
	if !ok {
		t.Fatalf("Strategy = %T, want winner.MultipleWinners", cfg.Strategy)
	}
	if mw.Threshold != 1.5 || !mw.Prefer {
		t.Errorf("Strategy = %+v, want {Threshold:1.5 Prefer:true}", mw)
	}
}

func TestBuildRejectsUndiscoverableDriver(t *testing.T) {
	defer resetFlags()()
	dir := t.TempDir()
	ids = StringList{"afl1"}

	if _, err := Build(dir, []string{"/bin/sut"}); err == nil {
		t.Fatal("Build() = _, nil; want error for a driver with no config file")
	}
}
