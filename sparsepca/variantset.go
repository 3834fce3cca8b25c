// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sparsepca computes approximate principal components of a
// sparse individuals × genome-positions matrix using deflated power
// iteration.
package sparsepca

import "fmt"

// Entry is one nonzero cell of the variant matrix: a genome position
// and its variant score.
type Entry struct {
	Pos   int64
	Score float64
}

// VariantSet is one row of the variant matrix (one individual). Entries
// must be appended in strictly increasing Pos order.
type VariantSet struct {
	Name    string
	Entries []Entry
}

// Append adds an entry to the end of the set. It panics if pos is not
// greater than the last appended position, since every caller streams
// positions in genome order.
func (vs *VariantSet) Append(pos int64, score float64) {
	if n := len(vs.Entries); n > 0 && vs.Entries[n-1].Pos >= pos {
		panic(fmt.Sprintf("bug: VariantSet.Append(%d) after %d", pos, vs.Entries[n-1].Pos))
	}
	vs.Entries = append(vs.Entries, Entry{Pos: pos, Score: score})
}

// Len returns the number of entries.
func (vs *VariantSet) Len() int { return len(vs.Entries) }

// Reset discards all entries but keeps the allocated capacity.
func (vs *VariantSet) Reset() { vs.Entries = vs.Entries[:0] }

// search returns the index of the first entry with Pos >= pos.
func (vs *VariantSet) search(pos int64) int {
	lo, hi := 0, len(vs.Entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if vs.Entries[mid].Pos < pos {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
