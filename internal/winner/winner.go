// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package winner implements the two winning strategies of spec §3/§4.6
// and the broadcast rule used for taint-guided (V-variant) sources.
package winner

import (
	"math/rand"
	"sort"
)

// Strategy is either SingleWinner or MultipleWinners.
type Strategy interface {
	// PreferHigh reports whether higher metrics are better under this
	// strategy; it's also used uniformly by the deferred-batch dispatch
	// (spec §4.6) regardless of which strategy configured the run.
	PreferHigh() bool

	isStrategy()
}

// SingleWinner selects at most one winner, with ties among equal metrics
// broken by a fresh shuffle each evaluation.
type SingleWinner struct {
	Prefer bool
}

func (s SingleWinner) PreferHigh() bool { return s.Prefer }
func (SingleWinner) isStrategy()        {}

// MultipleWinners selects every candidate strictly on the preferred side
// of Threshold.
type MultipleWinners struct {
	Threshold float64
	Prefer    bool
}

func (m MultipleWinners) PreferHigh() bool { return m.Prefer }
func (MultipleWinners) isStrategy()        {}

// Candidate is one peer's scored evaluation of an interesting input.
type Candidate struct {
	FuzzerID string
	Metric   float64
}

// Select applies strategy to candidates and returns the winning fuzzer
// ids. rng must be a fresh source of randomness per evaluation (spec
// design notes: tie-breaking must draw from a fresh random source, not a
// fixed seed reused across evaluations).
func Select(strategy Strategy, candidates []Candidate, rng *rand.Rand) []string {
	switch s := strategy.(type) {
	case SingleWinner:
		return selectSingle(candidates, s.Prefer, rng)
	case MultipleWinners:
		return selectMultiple(candidates, s.Threshold, s.Prefer)
	default:
		return nil
	}
}

func selectSingle(candidates []Candidate, preferHigh bool, rng *rand.Rand) []string {
	if len(candidates) == 0 {
		return nil
	}

	allZero := true
	for _, c := range candidates {
		if c.Metric != 0.0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil
	}

	shuffled := append([]Candidate(nil), candidates...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	best := shuffled[0]
	for _, c := range shuffled[1:] {
		if preferHigh && c.Metric > best.Metric {
			best = c
		} else if !preferHigh && c.Metric < best.Metric {
			best = c
		}
	}
	return []string{best.FuzzerID}
}

func selectMultiple(candidates []Candidate, threshold float64, preferHigh bool) []string {
	var winners []string
	for _, c := range candidates {
		if preferHigh && c.Metric > threshold {
			winners = append(winners, c.FuzzerID)
		} else if !preferHigh && c.Metric < threshold {
			winners = append(winners, c.FuzzerID)
		}
	}
	return winners
}

// Broadcast implements the V-source rule (spec §4.6): every peer whose
// metric is non-zero wins, regardless of strategy.
func Broadcast(candidates []Candidate) []string {
	var winners []string
	for _, c := range candidates {
		if c.Metric != 0.0 {
			winners = append(winners, c.FuzzerID)
		}
	}
	return winners
}

// PickExtreme implements the deferred-batch rule (spec §4.6): stable-sort
// by metric, then return the maximum if preferHigh, else the minimum.
// items must be non-empty.
func PickExtreme[T any](items []T, metric func(T) float64, preferHigh bool) T {
	sorted := append([]T(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return metric(sorted[i]) < metric(sorted[j]) })
	if preferHigh {
		return sorted[len(sorted)-1]
	}
	return sorted[0]
}
