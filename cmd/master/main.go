// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command master drives a cooperative multi-fuzzer run: it spawns the
// configured driver processes, relays interesting inputs between them
// under the configured winner-selection strategy, and exits cleanly on
// interrupt or the first driver's exit (spec §1-§9).
package main

import (
	"context"
	"flag"
	"os"

	"github.com/golang/glog"

	"github.com/acidghost/uberfuzz2/internal/cli"
	"github.com/acidghost/uberfuzz2/internal/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	cli.ApplyLogEnv()
	defer glog.Flush()

	workDir, err := os.Getwd()
	if err != nil {
		glog.Errorf("determining working directory: %s", err)
		return 1
	}

	cfg, err := cli.Build(workDir, flag.Args())
	if err != nil {
		glog.Errorf("%s", err)
		return 2
	}

	orc, err := orchestrator.New(cfg)
	if err != nil {
		glog.Errorf("%s", err)
		return 3
	}

	if err := orc.Run(context.Background()); err != nil {
		glog.Errorf("%s", err)
		return 4
	}
	return 0
}
