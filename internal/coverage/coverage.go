// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package coverage reads the binary coverage artifacts a driver writes
// alongside every interesting input: a packed array of fixed-size
// records, each two little-endian u64s naming a basic-block edge.
package coverage

import (
	"encoding/binary"
	"fmt"
	"os"
)

// recordSize is 16 bytes: two u64 little-endian fields.
const recordSize = 16

// Edge is one basic-block transition: From is the source block address,
// To the destination.
type Edge struct {
	From uint64
	To   uint64
}

// Read loads a coverage artifact, interpreting it as N pairs of unsigned
// 64-bit little-endian integers. N is filesize/16; any trailing bytes
// that don't form a full record are ignored.
func Read(path string) ([]Edge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("coverage: reading %s: %w", path, err)
	}

	n := len(data) / recordSize
	edges := make([]Edge, n)
	for i := 0; i < n; i++ {
		off := i * recordSize
		edges[i] = Edge{
			From: binary.LittleEndian.Uint64(data[off : off+8]),
			To:   binary.LittleEndian.Uint64(data[off+8 : off+16]),
		}
	}
	return edges, nil
}
