// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package orchestrator implements the master's orchestration loop (spec
// §4.6): it spawns drivers, arms the signal handler, polls child
// liveness, drains inbound notifications, routes each through evaluation
// and selection, dispatches deferred batches on readiness, and tears
// everything down on interrupt or first-child exit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/acidghost/uberfuzz2/internal/fabric"
	"github.com/acidghost/uberfuzz2/internal/fuzz"
	"github.com/acidghost/uberfuzz2/internal/logs"
	"github.com/acidghost/uberfuzz2/internal/messages"
	"github.com/acidghost/uberfuzz2/internal/statusserver"
	"github.com/acidghost/uberfuzz2/internal/watch"
	"github.com/acidghost/uberfuzz2/internal/winner"
)

// defaultLoopSleep is the single designated suspension point of the main
// loop (spec §4.6, §5): "suspend the thread briefly (~10ms) to avoid
// busy-spinning."
const defaultLoopSleep = 10 * time.Millisecond

// LoggedInteresting is an Interesting augmented with the elapsed time
// since the master started (spec §3), kept in an in-memory append-only
// sequence in the same order as the inputs.log lines it mirrors.
type LoggedInteresting struct {
	messages.Interesting
	Elapsed time.Duration
}

// bestCandidate is one (input, metric) pair accumulated in a slow
// driver's BestInterestingTable entry (spec §3) while it is busy.
type bestCandidate struct {
	Source messages.Interesting
	Metric float64
}

// Orchestrator owns every resource and all state for one master run.
type Orchestrator struct {
	cfg Config

	handles map[string]*fuzz.Handle
	procs   map[string]*fuzz.Process
	order   []string // registration order, for metric port assignment and deterministic iteration

	fab     *fabric.Fabric
	watcher *watch.Watcher

	interestingLog *logs.InterestingWriter
	winningLog     *logs.WinningWriter

	loggedInteresting []LoggedInteresting
	best              map[string][]bestCandidate // keyed by slow driver id

	start       time.Time
	interrupted atomic.Bool

	rng *rand.Rand

	status    *statusserver.Server
	heartbeat *rate.Limiter
	winCount  int
}

// New runs the fixed startup sequence of spec §4.6, steps 1-6.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		handles:   make(map[string]*fuzz.Handle),
		procs:     make(map[string]*fuzz.Process),
		best:      make(map[string][]bestCandidate),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		heartbeat: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	ctx := context.Background()

	// 1. Create messaging context; bind pull and publish sockets.
	fab, err := fabric.New(ctx, fuzz.DefaultInterestingPort, fuzz.DefaultUsePort)
	if err != nil {
		return nil, &StartupError{Msg: "binding messaging fabric", Err: err}
	}
	o.fab = fab

	// 2. Create and truncate inputs log and winning log files.
	inputsPath := cfg.InputsLogPath
	if inputsPath == "" {
		inputsPath = filepath.Join(cfg.WorkDir, "inputs.log")
	}
	winningPath := cfg.WinningLogPath
	if winningPath == "" {
		winningPath = filepath.Join(cfg.WorkDir, "winning.log")
	}
	if o.interestingLog, err = logs.NewInterestingWriter(inputsPath); err != nil {
		o.fab.Close()
		return nil, &StartupError{Msg: "creating inputs log", Err: err}
	}
	if o.winningLog, err = logs.NewWinningWriter(winningPath); err != nil {
		o.interestingLog.Close()
		o.fab.Close()
		return nil, &StartupError{Msg: "creating winning log", Err: err}
	}

	if o.watcher, err = watch.New(); err != nil {
		o.closeLogsAndFabric()
		return nil, &StartupError{Msg: "initializing filesystem watcher", Err: err}
	}

	// 3. Record the master start instant (monotonic clock: time.Since
	// reads time.Time's monotonic component, satisfying the "monotonic
	// clock" requirement without a separate library).
	o.start = time.Now()

	// 4. For each driver handle: spawn child; if variant is V, register
	// filesystem watch; initialize BestInterestingTable entry.
	metricPort := fuzz.DefaultMetricPortStart
	for _, d := range cfg.Drivers {
		handle, err := fuzz.New(d.FuzzerID, d.Variant, cfg.SUT, fuzz.Options{
			WorkDir:       cfg.WorkDir,
			MetricPort:    metricPort,
			SkipInputFile: cfg.SkipInputFile,
		})
		if err != nil {
			o.killSpawned()
			o.closeAll()
			return nil, &StartupError{Msg: fmt.Sprintf("deriving handle for %s", d.FuzzerID), Err: err}
		}
		metricPort++

		proc, err := handle.Spawn()
		if err != nil {
			o.killSpawned()
			o.closeAll()
			return nil, &StartupError{Msg: fmt.Sprintf("spawning %s", d.FuzzerID), Err: err}
		}
		glog.Infof("started %s (pid %d)", d.FuzzerID, proc.Pid())

		o.handles[d.FuzzerID] = handle
		o.procs[d.FuzzerID] = proc
		o.order = append(o.order, d.FuzzerID)

		if d.Variant.IsSlow() {
			if err := o.watcher.Register(d.FuzzerID, filepath.Join(cfg.WorkDir, d.FuzzerID)); err != nil {
				o.killSpawned()
				o.closeAll()
				return nil, &StartupError{Msg: fmt.Sprintf("watching %s's directory", d.FuzzerID), Err: err}
			}
			o.best[d.FuzzerID] = nil
		}
	}

	// 5. Install a single interrupt handler that (i) sets the
	// process-wide interrupted flag and (ii) sends a KILL signal to every
	// child pid captured at install time. This must happen after all
	// spawns above: a driver spawned later would not be in the snapshot
	// (spec §5 "Cancellation").
	o.installSignalHandler()

	// 6. For each driver handle, create and connect its per-peer request
	// socket.
	for _, d := range cfg.Drivers {
		if err := o.fab.ConnectPeer(ctx, d.FuzzerID, o.handles[d.FuzzerID].MetricPort); err != nil {
			o.stop()
			o.closeAll()
			return nil, &StartupError{Msg: fmt.Sprintf("connecting metric socket for %s", d.FuzzerID), Err: err}
		}
	}

	if cfg.StatusAddr != "" {
		o.status = statusserver.New(cfg.StatusAddr)
		if err := o.status.Start(); err != nil {
			glog.Warningf("status server not started: %s", err)
			o.status = nil
		}
	}

	return o, nil
}

func (o *Orchestrator) closeLogsAndFabric() {
	if o.winningLog != nil {
		o.winningLog.Close()
	}
	if o.interestingLog != nil {
		o.interestingLog.Close()
	}
	o.fab.Close()
}

func (o *Orchestrator) closeAll() {
	o.closeLogsAndFabric()
	if o.watcher != nil {
		o.watcher.Close()
	}
}

func (o *Orchestrator) killSpawned() {
	for id, p := range o.procs {
		if err := p.Kill(); err != nil {
			glog.Warningf("failed to kill %s during startup rollback: %s", id, err)
		}
	}
}

func (o *Orchestrator) installSignalHandler() {
	pids := make([]int, 0, len(o.procs))
	for _, p := range o.procs {
		pids = append(pids, p.Pid())
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		o.interrupted.Store(true)
		for _, pid := range pids {
			if proc, err := os.FindProcess(pid); err == nil {
				_ = proc.Kill()
			}
		}
	}()
}

// elapsed returns time.Since(o.start), the monotonic elapsed duration
// every log record's elapsed_ms field is derived from.
func (o *Orchestrator) elapsed() time.Duration { return time.Since(o.start) }

// Run executes the main loop until interrupted, a child exits, or a
// fatal error occurs (spec §4.6). A nil return means clean shutdown
// (interrupt or first-child exit); a non-nil return is a fatal loop
// error: a MessageError, TransportError or IoError, a StartupError
// wrapping a filesystem-watcher read failure, or the error from polling a
// child's status. Every path, fatal or
// clean, drains remaining children through teardown's call to stop.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.teardown()

	for {
		if o.interrupted.Load() {
			glog.Infof("interrupted, shutting down")
			return nil
		}

		if exited, err := o.checkLiveness(); err != nil {
			return err
		} else if exited != nil {
			glog.Infof("%s", exited)
			return nil
		}

		if err := o.watcher.Drain(); err != nil {
			return &StartupError{Msg: "reading filesystem watcher", Err: err}
		}

		in, ok, err := o.fab.PullInteresting()
		if err != nil {
			return &MessageError{Err: err}
		}
		if ok {
			logged := LoggedInteresting{Interesting: in, Elapsed: o.elapsed()}
			if err := o.interestingLog.Write(logged.Elapsed, in); err != nil {
				return &IoError{Err: err}
			}
			o.loggedInteresting = append(o.loggedInteresting, logged)

			if err := o.route(ctx, logged); err != nil {
				return err
			}
		}

		if err := o.dispatchDeferred(); err != nil {
			return err
		}

		o.emitHeartbeat()
		if o.status != nil {
			o.status.Publish(o.snapshot())
		}

		sleep := o.cfg.LoopSleep
		if sleep == 0 {
			sleep = defaultLoopSleep
		}
		time.Sleep(sleep)
	}
}

// checkLiveness non-blockingly polls every child (spec §4.6). A terminal
// status of any kind triggers loop exit per "the whole system stops on
// first child death."
func (o *Orchestrator) checkLiveness() (*ChildExitObserved, error) {
	for _, id := range o.order {
		state, err := o.procs[id].TryWait()
		if err != nil {
			return nil, fmt.Errorf("polling %s's status: %w", id, err)
		}
		if state != nil {
			return &ChildExitObserved{FuzzerID: id, Success: state.Success()}, nil
		}
	}
	return nil, nil
}

// route implements spec §4.6's per-input routing procedure.
func (o *Orchestrator) route(ctx context.Context, logged LoggedInteresting) error {
	in := logged.Interesting
	src := in.FuzzerID

	peers := make([]string, 0, len(o.order)-1)
	for _, id := range o.order {
		if id != src {
			peers = append(peers, id)
		}
	}

	metrics, err := o.queryPeers(ctx, peers, in.CoveragePath)
	if err != nil {
		return err
	}

	// Update BestInterestingTable: non-zero metrics from peers that are
	// themselves slow drivers accumulate while that driver is busy.
	for _, id := range peers {
		m, ok := metrics[id]
		if !ok || m == 0.0 {
			continue
		}
		if _, isSlow := o.best[id]; isSlow {
			o.best[id] = append(o.best[id], bestCandidate{Source: in, Metric: m})
		}
	}

	var winners []string
	if o.handles[src].Variant.IsSlow() {
		winners = winner.Broadcast(candidatesFrom(peers, metrics))
	} else {
		fast := make([]string, 0, len(peers))
		for _, id := range peers {
			if _, isSlow := o.best[id]; !isSlow {
				fast = append(fast, id)
			}
		}
		winners = winner.Select(o.cfg.Strategy, candidatesFrom(fast, metrics), o.rng)
	}

	if len(winners) == 0 {
		return nil
	}

	if err := o.fab.PublishUse(in.UseFor(winners)); err != nil {
		return &TransportError{Err: err}
	}
	if err := o.winningLog.Write(o.elapsed(), src, winners); err != nil {
		return &IoError{Err: err}
	}
	o.winCount++
	return nil
}

func candidatesFrom(ids []string, metrics map[string]float64) []winner.Candidate {
	out := make([]winner.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, winner.Candidate{FuzzerID: id, Metric: metrics[id]})
	}
	return out
}

// queryPeers fans the same ReqMetric out to every peer concurrently: each
// peer's REQ socket is exclusively owned by its own goroutine, so the
// strict per-socket send/recv lockstep of spec §4.4 still holds even
// though peers are queried in parallel. Per spec §4.6/§7, any single
// peer's failure aborts the whole evaluation: an unparseable metric reply
// as a MessageError, any other failure as a TransportError.
func (o *Orchestrator) queryPeers(ctx context.Context, peers []string, coveragePath string) (map[string]float64, error) {
	type result struct {
		id     string
		metric float64
	}
	results := make(chan result, len(peers))

	eg, _ := errgroup.WithContext(ctx)
	for _, id := range peers {
		id := id
		eg.Go(func() error {
			rep, err := o.fab.RequestMetric(id, messages.ReqMetric{CoveragePath: coveragePath})
			if err != nil {
				return err
			}
			results <- result{id: id, metric: rep.Metric}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		var parseErr *messages.MetricParseError
		if errors.As(err, &parseErr) {
			return nil, &MessageError{Err: err}
		}
		return nil, &TransportError{Err: err}
	}
	close(results)

	out := make(map[string]float64, len(peers))
	for r := range results {
		out[r.id] = r.metric
	}
	return out, nil
}

// dispatchDeferred implements spec §4.6's deferred-batch dispatch: for
// every slow driver whose watch entry is ready, pick one best accumulated
// candidate and send it exclusively to that driver.
func (o *Orchestrator) dispatchDeferred() error {
	for _, id := range o.watcher.IDs() {
		if !o.watcher.Ready(id) {
			continue
		}

		// No element accumulated: do nothing (spec.md:112). Ready stays
		// set so the entry is reconsidered next iteration, instead of
		// requiring two more filesystem modifications to re-arm.
		candidates := o.best[id]
		if len(candidates) == 0 {
			continue
		}

		preferHigh := o.cfg.Strategy.PreferHigh()
		best := winner.PickExtreme(candidates, func(c bestCandidate) float64 { return c.Metric }, preferHigh)

		if err := o.fab.PublishUse(best.Source.UseFor([]string{id})); err != nil {
			return &TransportError{Err: err}
		}
		if err := o.winningLog.Write(o.elapsed(), best.Source.FuzzerID, []string{id}); err != nil {
			return &IoError{Err: err}
		}
		o.winCount++

		o.best[id] = nil
		o.watcher.ResetReady(id)
	}
	return nil
}

// snapshot builds the current statusserver.Snapshot. Only ever called
// from the loop goroutine, which is the sole writer of every field it
// reads here; the result is handed to status.Publish by value so the
// HTTP server's goroutine never touches this state directly.
func (o *Orchestrator) snapshot() statusserver.Snapshot {
	alive := 0
	for _, id := range o.order {
		if state, _ := o.procs[id].TryWait(); state == nil {
			alive++
		}
	}
	return statusserver.Snapshot{
		Elapsed:       o.elapsed(),
		DriversAlive:  alive,
		DriversTotal:  len(o.order),
		Interesting:   len(o.loggedInteresting),
		WinningRecord: o.winCount,
	}
}

func (o *Orchestrator) emitHeartbeat() {
	if !o.heartbeat.Allow() {
		return
	}
	alive := 0
	for _, id := range o.order {
		if state, _ := o.procs[id].TryWait(); state == nil {
			alive++
		}
	}
	glog.Infof("uberfuzz2: %d/%d drivers alive, %s inputs logged, %s winning records, elapsed %s",
		alive, len(o.order), humanize.Comma(int64(len(o.loggedInteresting))), humanize.Comma(int64(o.winCount)), o.elapsed().Round(time.Second))
}

// stop implements spec §4.6's shutdown procedure: kill and reap every
// remaining child. It is safe to call on an already-exited or
// already-killed child (TryWait skips it), so teardown can call it
// unconditionally on every exit path, not just the child-exit branch.
func (o *Orchestrator) stop() {
	for id, p := range o.procs {
		state, err := p.TryWait()
		if err != nil || state != nil {
			continue
		}
		if err := p.Kill(); err != nil {
			glog.Warningf("failed to kill %s during shutdown: %s", id, err)
			continue
		}
		p.Wait()
	}
}

// teardown runs on every exit from Run, fatal or clean (spec §4.6, §7):
// every fatal-kind error is "fatal to the loop but children are drained
// via stop" (spec.md:184), so stop() always runs here before the
// messaging fabric, watcher and logs are closed out from under it.
func (o *Orchestrator) teardown() {
	o.stop()
	if o.status != nil {
		if err := o.status.Close(); err != nil {
			glog.Warningf("closing status server: %s", err)
		}
	}
	if err := o.fab.Close(); err != nil {
		glog.Warningf("closing messaging fabric: %s", err)
	}
	if err := o.watcher.Close(); err != nil {
		glog.Warningf("closing filesystem watcher: %s", err)
	}
	if err := o.interestingLog.Close(); err != nil {
		glog.Warningf("closing inputs log: %s", err)
	}
	if err := o.winningLog.Close(); err != nil {
		glog.Warningf("closing winning log: %s", err)
	}
}
