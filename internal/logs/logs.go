// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logs implements the two append-only structured log writers the
// orchestration loop feeds: inputs.log and winning.log. Both are
// created-truncated at master start and flushed per record; a write
// failure is always fatal to the caller (spec §4.3, §7 IoError).
package logs

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/acidghost/uberfuzz2/internal/messages"
)

// Separator is the log-file record separator. It is a distinct domain
// constant from the wire separator (a space) and must not be changed
// without migrating downstream analyzers that already parse these files.
const Separator = ","

// WriteError wraps any failure to append a record, surfaced per spec §7
// as IoError: fatal, terminates the orchestration loop.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed writing log record to %s: %s", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// InterestingWriter appends one record per arriving interesting input:
// "elapsed_ms,fuzzer_id,input_path,coverage_path".
type InterestingWriter struct {
	path string
	f    *os.File
}

// NewInterestingWriter creates (truncating any existing file) inputs.log.
func NewInterestingWriter(path string) (*InterestingWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("logs: creating %s: %w", path, err)
	}
	return &InterestingWriter{path: path, f: f}, nil
}

// Write appends a record and flushes it to the underlying file before
// returning, so every write is durable as of the syscall returning.
func (w *InterestingWriter) Write(elapsed time.Duration, in messages.Interesting) error {
	line := strings.Join([]string{
		fmt.Sprintf("%d", elapsed.Milliseconds()),
		in.FuzzerID,
		in.InputPath,
		in.CoveragePath,
	}, Separator) + "\n"
	if _, err := w.f.WriteString(line); err != nil {
		return &WriteError{Path: w.path, Err: err}
	}
	if err := w.f.Sync(); err != nil {
		return &WriteError{Path: w.path, Err: err}
	}
	return nil
}

// Close closes the underlying file.
func (w *InterestingWriter) Close() error { return w.f.Close() }

// WinningWriter appends one record per selection outcome, in one of two
// shapes that commingle in the same file (spec §6): an immediate
// "elapsed_ms,source_fuzzer_id,winner_ids_joined_by_'_'" record, or a
// deferred-batch "elapsed_ms,source_fuzzer_id,slow_driver_id" record. Both
// are written by the same Write call; the caller supplies whichever
// winner id slice applies.
type WinningWriter struct {
	path string
	f    *os.File
}

// NewWinningWriter creates (truncating any existing file) winning.log.
func NewWinningWriter(path string) (*WinningWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("logs: creating %s: %w", path, err)
	}
	return &WinningWriter{path: path, f: f}, nil
}

// Write appends a winning-log record. winnerIDs is sorted before joining,
// per spec §4.3 ("winner_ids_joined_by_'_' (sorted)").
func (w *WinningWriter) Write(elapsed time.Duration, sourceFuzzerID string, winnerIDs []string) error {
	sorted := append([]string(nil), winnerIDs...)
	sort.Strings(sorted)

	line := strings.Join([]string{
		fmt.Sprintf("%d", elapsed.Milliseconds()),
		sourceFuzzerID,
		strings.Join(sorted, "_"),
	}, Separator) + "\n"
	if _, err := w.f.WriteString(line); err != nil {
		return &WriteError{Path: w.path, Err: err}
	}
	if err := w.f.Sync(); err != nil {
		return &WriteError{Path: w.path, Err: err}
	}
	return nil
}

// Close closes the underlying file.
func (w *WinningWriter) Close() error { return w.f.Close() }
