// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package cli parses the master's command line (spec §6) into an
// orchestrator.Config. Flags are registered on the standard flag
// package's default CommandLine alongside glog's own flags, so the
// program parses its whole command line with a single flag.Parse call.
package cli

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"

	"github.com/acidghost/uberfuzz2/internal/fuzz"
	"github.com/acidghost/uberfuzz2/internal/orchestrator"
	"github.com/acidghost/uberfuzz2/internal/winner"
)

// StringList accumulates repeated occurrences of a flag.Value-based flag
// in the order they were given, the idiomatic way to model a repeatable
// "-f <id>" flag in the standard flag package.
type StringList []string

func (l *StringList) String() string {
	if l == nil {
		return ""
	}
	return fmt.Sprint([]string(*l))
}

func (l *StringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

var (
	ids          StringList
	preferHigh   bool
	threshold    float64
	hasThreshold bool
	skipInput    bool
	statusAddr   string
)

// usage is the master's synopsis (spec §6), with the repeatable -f spelled
// out as "-f <id> [-f <id> ...]" and the supplemental -status-addr flag
// added to the option list.
const usage = `usage: master [-h] -f <id> [-f <id> ...] [-H] [-t <threshold>] [-s] -- <sut_cmd> [args...]

  -f <id>        register a driver by fuzzer id (repeatable, at least 2 required)
  -H             prefer high metrics when selecting a winner (default: prefer low)
  -t <threshold> use the multiple-winners strategy with the given threshold
                 (default: single-winner strategy)
  -s             skip per-driver input files; the SUT reads stdin
  -status-addr   optional "host:port" to serve a read-only JSON status endpoint on
  --             everything after this is the system-under-test command
`

func init() {
	flag.Var(&ids, "f", "register a driver by fuzzer id")
	flag.BoolVar(&preferHigh, "H", false, "prefer high metrics")
	flag.Func("t", "multiple-winners threshold", func(v string) error {
		hasThreshold = true
		_, err := fmt.Sscanf(v, "%g", &threshold)
		return err
	})
	flag.BoolVar(&skipInput, "s", false, "skip per-driver input files")
	flag.StringVar(&statusAddr, "status-addr", "", "optional status endpoint address")

	flagUsage := flag.Usage
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagUsage()
	}
}

// Build assembles a Config from already-parsed flags (flag.Parse must
// have been called first) and sut, the positional arguments following
// the "--" terminator. workDir is the shared working directory every
// driver's paths are derived under.
func Build(workDir string, sut []string) (orchestrator.Config, error) {
	var strategy winner.Strategy = winner.SingleWinner{Prefer: preferHigh}
	if hasThreshold {
		strategy = winner.MultipleWinners{Threshold: threshold, Prefer: preferHigh}
	}

	drivers := make([]orchestrator.DriverSpec, 0, len(ids))
	for _, id := range ids {
		variant, configPath, err := fuzz.DiscoverVariant(workDir, id)
		if err != nil {
			return orchestrator.Config{}, &orchestrator.ArgumentError{Msg: err.Error()}
		}
		glog.V(1).Infof("discovered %s as variant %s from %s", id, variant, configPath)
		drivers = append(drivers, orchestrator.DriverSpec{FuzzerID: id, Variant: variant})
	}

	cfg := orchestrator.Config{
		WorkDir:       workDir,
		Drivers:       drivers,
		SUT:           sut,
		SkipInputFile: skipInput,
		Strategy:      strategy,
		StatusAddr:    statusAddr,
	}
	return cfg, cfg.Validate()
}

// ApplyLogEnv maps the UBERFUZZ_LOG environment variable onto glog's
// -stderrthreshold flag, defaulting to "info" when the variable is unset,
// so log verbosity can be controlled without repeating glog's full flag
// surface in this program's own usage text. An -stderrthreshold given
// explicitly on the command line is left as it is.
func ApplyLogEnv() {
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "stderrthreshold" {
			explicit = true
		}
	})
	if explicit {
		return
	}
	level, ok := os.LookupEnv("UBERFUZZ_LOG")
	if !ok {
		level = "info"
	}
	if err := flag.Set("stderrthreshold", level); err != nil {
		glog.Warningf("UBERFUZZ_LOG=%q is not a valid glog severity: %s", level, err)
	}
}
