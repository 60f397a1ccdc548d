// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package messages implements the wire codec for the three message shapes
// exchanged between the master and its drivers: interesting-input
// notifications, use-input assignments, and metric request/reply pairs.
//
// The wire separator is a single space. None of the fields may themselves
// contain a space; callers are responsible for choosing paths and ids that
// don't.
package messages

import (
	"fmt"
	"strconv"
	"strings"
)

// UseTopic is the literal subscription prefix drivers filter on when
// subscribing to the publish socket. It must be emitted literally as the
// first frame token of every Use message.
const UseTopic = "A"

// MalformedMessageError reports a wire message missing a required field.
type MalformedMessageError struct {
	Field string
	Raw   string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("unable to parse %s from %q", e.Field, e.Raw)
}

// MetricParseError reports a RepMetric payload that isn't a valid float.
type MetricParseError struct {
	Raw string
	Err error
}

func (e *MetricParseError) Error() string {
	return fmt.Sprintf("failed parsing metric %q: %s", e.Raw, e.Err)
}

func (e *MetricParseError) Unwrap() error { return e.Err }

// Interesting is the pull-socket notification a driver sends when its
// fuzzer has produced a novel input.
type Interesting struct {
	FuzzerID     string
	InputPath    string
	CoveragePath string
}

// ParseInteresting parses the wire form "fuzzer_id input_path coverage_path".
func ParseInteresting(s string) (Interesting, error) {
	fields := strings.SplitN(s, " ", 3)
	if len(fields) < 1 || fields[0] == "" {
		return Interesting{}, &MalformedMessageError{Field: "fuzzer_id", Raw: s}
	}
	if len(fields) < 2 {
		return Interesting{}, &MalformedMessageError{Field: "input_path", Raw: s}
	}
	if len(fields) < 3 {
		return Interesting{}, &MalformedMessageError{Field: "coverage_path", Raw: s}
	}
	return Interesting{
		FuzzerID:     fields[0],
		InputPath:    fields[1],
		CoveragePath: fields[2],
	}, nil
}

// String serializes the wire form "fuzzer_id input_path coverage_path".
func (i Interesting) String() string {
	return strings.Join([]string{i.FuzzerID, i.InputPath, i.CoveragePath}, " ")
}

// UseFor builds the Use message assigning this input to the given winners.
func (i Interesting) UseFor(fuzzerIDs []string) Use {
	ids := make([]string, len(fuzzerIDs))
	copy(ids, fuzzerIDs)
	return Use{
		FuzzerIDs:    ids,
		InputPath:    i.InputPath,
		CoveragePath: i.CoveragePath,
	}
}

// Use is the publish-socket assignment telling the listed drivers to adopt
// an input into their corpus.
type Use struct {
	FuzzerIDs    []string
	InputPath    string
	CoveragePath string
}

// String serializes the wire form "A id1_id2_... input_path coverage_path".
// The leading "A" is the subscription topic and must be emitted literally.
func (u Use) String() string {
	return fmt.Sprintf("%s %s %s %s", UseTopic, strings.Join(u.FuzzerIDs, "_"), u.InputPath, u.CoveragePath)
}

// ReqMetric asks a peer driver to score an input's coverage artifact.
type ReqMetric struct {
	CoveragePath string
}

// String serializes the wire form, which is just the coverage path.
func (r ReqMetric) String() string { return r.CoveragePath }

// RepMetric is a peer's scalar evaluation of a ReqMetric's coverage file.
type RepMetric struct {
	Metric float64
}

// ParseRepMetric parses a single decimal floating point number.
func ParseRepMetric(s string) (RepMetric, error) {
	m, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return RepMetric{}, &MetricParseError{Raw: s, Err: err}
	}
	return RepMetric{Metric: m}, nil
}

// String serializes the metric as a decimal floating point number.
func (r RepMetric) String() string {
	return strconv.FormatFloat(r.Metric, 'g', -1, 64)
}
