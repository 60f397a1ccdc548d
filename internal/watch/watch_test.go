// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package watch_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/acidghost/uberfuzz2/internal/watch"
)

func TestReadyAfterSecondModification(t *testing.T) {
	dir := t.TempDir()
	w, err := watch.New()
	if err != nil {
		t.Fatalf("New(): %s", err)
	}
	defer w.Close()

	if err := w.Register("vu1", dir); err != nil {
		t.Fatalf("Register(): %s", err)
	}

	statsLog := filepath.Join(dir, "stats.log")

	if err := os.WriteFile(statsLog, []byte("startup\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForDrain(t, w)
	if w.Ready("vu1") {
		t.Fatal("Ready(\"vu1\") = true after the first modification, want false")
	}

	if err := os.WriteFile(statsLog, []byte("startup\nrun\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForDrain(t, w)
	if !w.Ready("vu1") {
		t.Fatal("Ready(\"vu1\") = false after the second modification, want true")
	}

	entry, ok := w.Entry("vu1")
	if !ok {
		t.Fatal("Entry(\"vu1\") ok = false")
	}
	if entry.ModifiedCount < 2 {
		t.Errorf("ModifiedCount = %d, want >= 2", entry.ModifiedCount)
	}
}

func TestResetReady(t *testing.T) {
	dir := t.TempDir()
	w, err := watch.New()
	if err != nil {
		t.Fatalf("New(): %s", err)
	}
	defer w.Close()

	if err := w.Register("vu1", dir); err != nil {
		t.Fatalf("Register(): %s", err)
	}

	statsLog := filepath.Join(dir, "stats.log")
	for i := 0; i < 2; i++ {
		if err := os.WriteFile(statsLog, []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		waitForDrain(t, w)
	}
	if !w.Ready("vu1") {
		t.Fatal("Ready(\"vu1\") = false, want true")
	}

	w.ResetReady("vu1")
	if w.Ready("vu1") {
		t.Fatal("Ready(\"vu1\") = true after ResetReady, want false")
	}
}

func TestIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := watch.New()
	if err != nil {
		t.Fatalf("New(): %s", err)
	}
	defer w.Close()

	if err := w.Register("vu1", dir); err != nil {
		t.Fatalf("Register(): %s", err)
	}

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	waitForDrain(t, w)
	if w.Ready("vu1") {
		t.Fatal("Ready(\"vu1\") = true after modifying an unrelated file, want false")
	}
}

// waitForDrain gives the OS a moment to deliver the fsnotify event before
// Drain is called; fsnotify delivery is asynchronous with respect to the
// write syscall returning.
func waitForDrain(t *testing.T, w *watch.Watcher) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	if err := w.Drain(); err != nil {
		t.Fatalf("Drain(): %s", err)
	}
}
