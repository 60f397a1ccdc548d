// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// ExecCommand is a seam for tests, following the same pattern the teacher
// uses in tools/fuzz (ExecCommand = mockCommand in launcher tests) to stub
// out subprocess launches without touching the real exec.Command.
var ExecCommand = exec.Command

// DriverExe is the external driver binary's path, overridable in tests.
var DriverExe = "./driver/driver"

// SpawnError wraps a failure to launch a driver's external process.
type SpawnError struct {
	FuzzerID string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn driver %s: %s", e.FuzzerID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Process is an opaque handle to a spawned driver child, supporting the
// non-blocking poll / id / kill operations the orchestration loop needs.
// Because os/exec's Cmd.Wait is blocking, a background goroutine performs
// the blocking wait once at spawn time and reports the outcome over a
// channel; TryWait only ever does a non-blocking read of that channel.
type Process struct {
	fuzzerID string
	cmd      *exec.Cmd
	done     chan struct{}

	mu    sync.Mutex
	state *os.ProcessState
	err   error
}

// Spawn launches the driver binary for h, following the fixed flag shape
// of spec §4.2, redirecting its stdout to h.LogPath.
func (h *Handle) Spawn() (*Process, error) {
	logFile, err := os.Create(h.LogPath)
	if err != nil {
		return nil, &SpawnError{FuzzerID: h.FuzzerID, Err: fmt.Errorf("create %s: %w", h.LogPath, err)}
	}

	ports := fmt.Sprintf("%d,%d,%d", h.InterestingPort, h.UsePort, h.MetricPort)
	args := []string{
		"-i", h.FuzzerID,
		"-f", h.ConfigPath,
		"-c", h.CorpusPath,
		"-l", h.FuzzLogPath,
		"-L", h.FuzzErrLogPath,
		"-p", ports,
		"-d", h.DataPath,
		"-j", h.InjectPath,
	}
	if h.BasicBlockScript != "" {
		args = append(args, "-b", h.BasicBlockScript)
	}
	if h.SectionName != "" {
		args = append(args, "-s", h.SectionName)
	}
	if h.SUTInputFile != "" {
		args = append(args, "-F", h.SUTInputFile)
	}
	args = append(args, "--")
	args = append(args, h.SUT...)

	cmd := ExecCommand(DriverExe, args...)
	cmd.Stdout = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, &SpawnError{FuzzerID: h.FuzzerID, Err: err}
	}

	p := &Process{
		fuzzerID: h.FuzzerID,
		cmd:      cmd,
		done:     make(chan struct{}),
	}
	go func() {
		defer logFile.Close()
		err := cmd.Wait()
		p.mu.Lock()
		p.state = cmd.ProcessState
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

// Pid returns the OS process id assigned at spawn time.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// FuzzerID returns the id of the driver this process belongs to.
func (p *Process) FuzzerID() string { return p.fuzzerID }

// TryWait non-blockingly polls the child's status. It returns (nil, nil)
// while the child is still running, and the terminal ProcessState (success
// or failure both count as exited, per spec §4.6) once it has exited.
func (p *Process) TryWait() (*os.ProcessState, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.state == nil && p.err != nil {
			return nil, p.err
		}
		return p.state, nil
	default:
		return nil, nil
	}
}

// Kill sends SIGKILL to the child. It is safe to call even if the child
// has already exited.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill driver %s: %w", p.fuzzerID, err)
	}
	return nil
}

// Wait blocks until the child's background reaper goroutine has observed
// its exit, used by the shutdown procedure after Kill to reap the zombie.
func (p *Process) Wait() {
	<-p.done
}
