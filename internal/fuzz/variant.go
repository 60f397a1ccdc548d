// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fuzz models the driver side of the master: the fuzzer variant
// tag, the per-driver handle derived from it, and the ability to spawn the
// external driver binary that wraps it.
package fuzz

import "fmt"

// Variant tags the three driver flavors the master knows how to manage.
// It carries no payload; the three path derivations below are pure
// functions of the tag.
type Variant int

const (
	// VariantAFL is the forking-mutational driver.
	VariantAFL Variant = iota
	// VariantHonggfuzz is the in-memory-mutational driver.
	VariantHonggfuzz
	// VariantVUzzer is the taint-guided, filesystem-polling driver.
	VariantVUzzer
)

// ParseVariant parses the middle token of a "<id>.<variant>.conf" filename.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "afl":
		return VariantAFL, nil
	case "hongg":
		return VariantHonggfuzz, nil
	case "vu":
		return VariantVUzzer, nil
	default:
		return 0, fmt.Errorf("unrecognized fuzzer variant %q", s)
	}
}

// String returns the canonical short name used in config filenames.
func (v Variant) String() string {
	switch v {
	case VariantAFL:
		return "afl"
	case VariantHonggfuzz:
		return "hongg"
	case VariantVUzzer:
		return "vu"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// IsSlow reports whether the variant participates in the filesystem-watch
// throttling regime (§4.5): only the taint-guided, polling driver does.
func (v Variant) IsSlow() bool { return v == VariantVUzzer }

// corpusSubpath is the driver's corpus directory, relative to its working
// directory <work>/<id>/.
func (v Variant) corpusSubpath(id string) string {
	switch v {
	case VariantAFL:
		return fmt.Sprintf("out/%s/queue", id)
	case VariantHonggfuzz:
		return "in"
	case VariantVUzzer:
		return "special"
	default:
		panic(fmt.Sprintf("corpusSubpath: %s", v))
	}
}

// injectSubpath is the path the master writes winning inputs into,
// relative to <work>/<id>/.
func (v Variant) injectSubpath() string {
	switch v {
	case VariantAFL:
		return "out/inject/queue"
	case VariantHonggfuzz:
		return "out/inject"
	case VariantVUzzer:
		return "special"
	default:
		panic(fmt.Sprintf("injectSubpath: %s", v))
	}
}
