// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/acidghost/uberfuzz2/internal/fuzz"
	"github.com/acidghost/uberfuzz2/internal/orchestrator"
	"github.com/acidghost/uberfuzz2/internal/winner"
)

// mockDriver re-execs the test binary itself as an instantly-exiting
// stand-in for the real driver binary, the same self-exec trick used in
// internal/fuzz's own process tests.
func mockDriver(command string, args ...string) *exec.Cmd {
	argv := append([]string{"-test.run=TestHelperDriverProcess", "--", command}, args...)
	cmd := exec.Command(os.Args[0], argv...)
	cmd.Env = append(os.Environ(), "ORCHESTRATOR_WANT_HELPER_PROCESS=1")
	return cmd
}

// TestHelperDriverProcess isn't a real test; it's the mocked driver
// child's body, invoked only through mockDriver.
func TestHelperDriverProcess(t *testing.T) {
	if os.Getenv("ORCHESTRATOR_WANT_HELPER_PROCESS") != "1" {
		return
	}
	os.Exit(0)
}

// mockSleepyDriver re-execs the test binary as a stand-in driver that
// stays alive for a few seconds instead of exiting instantly, so a test
// has a window to observe whether teardown kills it rather than waiting
// it out.
func mockSleepyDriver(command string, args ...string) *exec.Cmd {
	argv := append([]string{"-test.run=TestHelperSleepyProcess", "--", command}, args...)
	cmd := exec.Command(os.Args[0], argv...)
	cmd.Env = append(os.Environ(), "ORCHESTRATOR_WANT_SLEEPY_HELPER_PROCESS=1")
	return cmd
}

// TestHelperSleepyProcess isn't a real test; it's the mocked driver
// child's body, invoked only through mockSleepyDriver.
func TestHelperSleepyProcess(t *testing.T) {
	if os.Getenv("ORCHESTRATOR_WANT_SLEEPY_HELPER_PROCESS") != "1" {
		return
	}
	time.Sleep(5 * time.Second)
	os.Exit(0)
}

// TestRunReturnsMessageErrorAndKillsChildrenOnMalformedInteresting covers
// the fatal, non-ChildExitObserved shutdown path: a malformed message on
// the pull socket is a MessageError (spec §7), and spec.md:184 requires
// every fatal-kind error, not just a child's own exit, to drain the
// remaining children via stop before returning. stop waits for each child
// to be reaped after killing it, so with the sleepy mock's 5s lifetime a
// Run that returns well inside that window shows the children were killed
// rather than waited out.
func TestRunReturnsMessageErrorAndKillsChildrenOnMalformedInteresting(t *testing.T) {
	fuzz.ExecCommand = mockSleepyDriver
	defer func() { fuzz.ExecCommand = exec.Command }()

	dir := t.TempDir()
	for _, spec := range []struct{ id, variant string }{{"afl1", "afl"}, {"hongg1", "hongg"}} {
		path := filepath.Join(dir, spec.id+"."+spec.variant+".conf")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := orchestrator.Config{
		WorkDir: dir,
		Drivers: []orchestrator.DriverSpec{
			{FuzzerID: "afl1", Variant: fuzz.VariantAFL},
			{FuzzerID: "hongg1", Variant: fuzz.VariantHonggfuzz},
		},
		SUT:            []string{"/bin/true"},
		Strategy:       winner.SingleWinner{},
		LoopSleep:      time.Millisecond,
		InputsLogPath:  filepath.Join(dir, "inputs.log"),
		WinningLogPath: filepath.Join(dir, "winning.log"),
	}

	orc, err := orchestrator.New(cfg)
	if err != nil {
		t.Fatalf("New(): %s", err)
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- orc.Run(context.Background()) }()

	push := zmq4.NewPush(context.Background())
	defer push.Close()
	if err := push.Dial("tcp://localhost:1337"); err != nil {
		t.Fatalf("dialing the interesting socket: %s", err)
	}
	// An empty message has no fuzzer_id field and fails to parse.
	if err := push.Send(zmq4.NewMsgString("")); err != nil {
		t.Fatalf("sending malformed message: %s", err)
	}

	select {
	case err := <-done:
		var msgErr *orchestrator.MessageError
		if !errors.As(err, &msgErr) {
			t.Fatalf("Run() = %v, want a *orchestrator.MessageError", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after a malformed message")
	}

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run() took %s to return; children (5s sleep) were not killed promptly by teardown", elapsed)
	}
}

func TestRunShutsDownOnFirstChildExit(t *testing.T) {
	fuzz.ExecCommand = mockDriver
	defer func() { fuzz.ExecCommand = exec.Command }()

	dir := t.TempDir()
	for _, spec := range []struct{ id, variant string }{{"afl1", "afl"}, {"hongg1", "hongg"}} {
		path := filepath.Join(dir, spec.id+"."+spec.variant+".conf")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := orchestrator.Config{
		WorkDir: dir,
		Drivers: []orchestrator.DriverSpec{
			{FuzzerID: "afl1", Variant: fuzz.VariantAFL},
			{FuzzerID: "hongg1", Variant: fuzz.VariantHonggfuzz},
		},
		SUT:            []string{"/bin/true"},
		Strategy:       winner.SingleWinner{},
		LoopSleep:      time.Millisecond,
		InputsLogPath:  filepath.Join(dir, "inputs.log"),
		WinningLogPath: filepath.Join(dir, "winning.log"),
	}

	orc, err := orchestrator.New(cfg)
	if err != nil {
		t.Fatalf("New(): %s", err)
	}

	done := make(chan error, 1)
	go func() { done <- orc.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %s, want nil (clean shutdown on first child exit)", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after the only children exited")
	}

	if _, err := os.Stat(cfg.InputsLogPath); err != nil {
		t.Errorf("inputs.log was not created: %s", err)
	}
	if _, err := os.Stat(cfg.WinningLogPath); err != nil {
		t.Errorf("winning.log was not created: %s", err)
	}
}
