// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// sutTokenSpec is the literal token in a SUT command vector that gets
// substituted with a driver's own input file path.
const sutTokenSpec = "@@"

// Options configures the handful of fields DriverHandle construction can't
// derive purely from the fuzzer id, variant and SUT vector.
type Options struct {
	// WorkDir is the shared working directory all driver paths nest under.
	WorkDir string
	// InterestingPort and UsePort are shared across all handles; zero means
	// use the package defaults.
	InterestingPort uint16
	UsePort         uint16
	// MetricPort must be unique per handle.
	MetricPort uint16
	// BasicBlockScript and SectionName are optional per-driver overrides.
	BasicBlockScript string
	SectionName      string
	// SkipInputFile means the SUT reads stdin; no "@@" substitution or
	// per-driver input file is created.
	SkipInputFile bool
}

// Handle is an immutable, fully-derived description of one driver. It is
// created once at startup from CLI arguments and a scan of the working
// directory, and retained for the entire run.
type Handle struct {
	FuzzerID         string
	Variant          Variant
	SUT              []string
	SUTInputFile     string // empty when Options.SkipInputFile was set
	InterestingPort  uint16
	UsePort          uint16
	MetricPort       uint16
	ConfigPath       string
	CorpusPath       string
	InjectPath       string
	DataPath         string
	LogPath          string
	FuzzLogPath      string
	FuzzErrLogPath   string
	BasicBlockScript string
	SectionName      string
}

// DefaultInterestingPort, DefaultUsePort and DefaultMetricPortStart are the
// well-known ports from spec §6: interesting=1337, use=1338, metric
// base=1339 incremented per driver in registration order.
const (
	DefaultInterestingPort  uint16 = 1337
	DefaultUsePort          uint16 = DefaultInterestingPort + 1
	DefaultMetricPortStart  uint16 = DefaultUsePort + 1
)

// New derives a Handle for fuzzerID/variant/sut under opts. The literal
// token "@@" in sut is replaced by the driver's own input file path unless
// opts.SkipInputFile is set.
func New(fuzzerID string, variant Variant, sut []string, opts Options) (*Handle, error) {
	if fuzzerID == "" {
		return nil, fmt.Errorf("fuzz: empty fuzzer id")
	}
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("fuzz: empty work dir for %s", fuzzerID)
	}
	if len(sut) == 0 {
		return nil, fmt.Errorf("fuzz: empty system-under-test command for %s", fuzzerID)
	}

	h := &Handle{
		FuzzerID:         fuzzerID,
		Variant:          variant,
		InterestingPort:  opts.InterestingPort,
		UsePort:          opts.UsePort,
		MetricPort:       opts.MetricPort,
		ConfigPath:       filepath.Join(opts.WorkDir, fmt.Sprintf("%s.%s.conf", fuzzerID, variant)),
		CorpusPath:       filepath.Join(opts.WorkDir, fuzzerID, variant.corpusSubpath(fuzzerID)),
		InjectPath:       filepath.Join(opts.WorkDir, fuzzerID, variant.injectSubpath()),
		DataPath:         filepath.Join(opts.WorkDir, fuzzerID, "driver"),
		LogPath:          filepath.Join(opts.WorkDir, fuzzerID+".log"),
		FuzzLogPath:      filepath.Join(opts.WorkDir, fuzzerID+".fuzz.log"),
		FuzzErrLogPath:   filepath.Join(opts.WorkDir, fuzzerID+".fuzz.err.log"),
		BasicBlockScript: opts.BasicBlockScript,
		SectionName:      opts.SectionName,
	}
	if h.InterestingPort == 0 {
		h.InterestingPort = DefaultInterestingPort
	}
	if h.UsePort == 0 {
		h.UsePort = DefaultUsePort
	}

	if !opts.SkipInputFile {
		h.SUTInputFile = filepath.Join(opts.WorkDir, fmt.Sprintf(".%s.input", fuzzerID))
	}

	h.SUT = make([]string, len(sut))
	for i, tok := range sut {
		if tok == sutTokenSpec && h.SUTInputFile != "" {
			h.SUT[i] = h.SUTInputFile
		} else {
			h.SUT[i] = tok
		}
	}

	return h, nil
}

// DiscoverVariant scans workDir for the single "<id>.<variant>.conf" file
// required to exist for fuzzerID (spec §4.2/§6), and parses the variant
// from its middle token.
func DiscoverVariant(workDir, fuzzerID string) (Variant, string, error) {
	matches, err := filepath.Glob(filepath.Join(workDir, fuzzerID+".*.conf"))
	if err != nil {
		return 0, "", fmt.Errorf("fuzz: scanning %s for %s's config: %w", workDir, fuzzerID, err)
	}
	if len(matches) == 0 {
		return 0, "", fmt.Errorf("fuzz: no config file %s.<variant>.conf found under %s", fuzzerID, workDir)
	}
	if len(matches) > 1 {
		sort.Strings(matches)
		return 0, "", fmt.Errorf("fuzz: ambiguous config files for %s under %s: %v", fuzzerID, workDir, matches)
	}

	base := filepath.Base(matches[0])
	rest := strings.TrimPrefix(base, fuzzerID+".")
	rest = strings.TrimSuffix(rest, ".conf")
	if rest == base || rest == "" {
		return 0, "", fmt.Errorf("fuzz: malformed config filename %q for %s", base, fuzzerID)
	}

	variant, err := ParseVariant(rest)
	if err != nil {
		return 0, "", fmt.Errorf("fuzz: %s's config %q: %w", fuzzerID, base, err)
	}
	return variant, matches[0], nil
}
