// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sparsepca

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Below this many rows (or columns) per worker, splitting the work
// costs more than it saves.
const minPartition = 4096

// Matrix is the implicit len(Rows) × Cols matrix whose row i holds the
// entries of Rows[i] and zero everywhere else.
//
// With Threads > 1, Multiply is split by row range and
// MultiplyTranspose by column range. In both cases every output cell is
// accumulated in the same order as the serial loop, so results do not
// depend on Threads.
type Matrix struct {
	Rows    []VariantSet
	Cols    int
	Threads int
}

// Dims returns the number of rows and columns.
func (m *Matrix) Dims() (rows, cols int) {
	return len(m.Rows), m.Cols
}

// NNZ returns the total number of stored entries.
func (m *Matrix) NNZ() int {
	n := 0
	for i := range m.Rows {
		n += len(m.Rows[i].Entries)
	}
	return n
}

// Multiply sets y = X·v. len(v) must be Cols and len(y) must be the
// number of rows.
func (m *Matrix) Multiply(v, y []float64) {
	if len(v) != m.Cols || len(y) != len(m.Rows) {
		panic(fmt.Sprintf("bug: Multiply dims %d×%d, len(v)=%d, len(y)=%d", len(m.Rows), m.Cols, len(v), len(y)))
	}
	m.partition(len(m.Rows), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			sum := 0.0
			for _, e := range m.Rows[i].Entries {
				sum += e.Score * v[e.Pos]
			}
			y[i] = sum
		}
	})
}

// MultiplyTranspose sets z = Xᵀ·y. len(y) must be the number of rows
// and len(z) must be Cols. z is overwritten, not accumulated into.
func (m *Matrix) MultiplyTranspose(y, z []float64) {
	if len(y) != len(m.Rows) || len(z) != m.Cols {
		panic(fmt.Sprintf("bug: MultiplyTranspose dims %d×%d, len(y)=%d, len(z)=%d", len(m.Rows), m.Cols, len(y), len(z)))
	}
	m.partition(m.Cols, func(lo, hi int) {
		for c := lo; c < hi; c++ {
			z[c] = 0
		}
		whole := lo == 0 && hi == m.Cols
		for i := range m.Rows {
			yi := y[i]
			entries := m.Rows[i].Entries
			start := 0
			if !whole {
				start = m.Rows[i].search(int64(lo))
			}
			for _, e := range entries[start:] {
				if e.Pos >= int64(hi) {
					break
				}
				z[e.Pos] += e.Score * yi
			}
		}
	})
}

// partition calls fn on disjoint [lo,hi) ranges covering [0,n), in
// parallel when Threads allows it.
func (m *Matrix) partition(n int, fn func(lo, hi int)) {
	threads := m.Threads
	if threads > n/minPartition {
		threads = n / minPartition
	}
	if threads <= 1 {
		fn(0, n)
		return
	}
	parts := threads * 4
	size := (n + parts - 1) / parts
	var eg errgroup.Group
	eg.SetLimit(threads)
	for lo := 0; lo < n; lo += size {
		lo, hi := lo, lo+size
		if hi > n {
			hi = n
		}
		eg.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	eg.Wait()
}
