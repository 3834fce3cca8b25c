// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sparsepca

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultIterations is the number of power iterations per component.
const DefaultIterations = 20

// Vectors with a smaller L2 norm are left unscaled by normalize.
const normEpsilon = 1e-15

var (
	// ErrComponents is returned when the requested number of
	// components is not in [1, genome length].
	ErrComponents = errors.New("invalid number of components")

	// ErrOutOfMemory is returned when the dense working storage
	// needed by Run exceeds Config.MaxMemory or cannot be addressed.
	ErrOutOfMemory = errors.New("out of memory")
)

// Config controls Run.
type Config struct {
	// Number of components to compute (k).
	Components int

	// Power iterations per component. Zero means
	// DefaultIterations.
	Iterations int

	// Seed for the random starting vectors. Runs with the same
	// seed and input produce identical results.
	Seed uint64

	// Upper bound on dense working storage, in bytes. Zero means
	// no limit beyond what is addressable.
	MaxMemory int64
}

// Result holds the outcome of Run.
type Result struct {
	// Eigenvalues[c] is ||X·Components[c]||² / (n-1). Not
	// necessarily non-increasing.
	Eigenvalues []float64

	// Components is k × d; row c is a unit vector.
	Components *mat.Dense

	// Scores is n × k, z-scored per column.
	Scores *mat.Dense
}

// Run computes the top cfg.Components approximate right singular
// vectors of m by deflated power iteration, projects every row onto
// them, and z-scores the projections.
//
// The matrix is not mean-centered first.
func Run(ctx context.Context, m *Matrix, cfg Config) (*Result, error) {
	n, d := m.Dims()
	k := cfg.Components
	iters := cfg.Iterations
	if iters == 0 {
		iters = DefaultIterations
	}
	switch {
	case n < 1:
		return nil, errors.New("cannot run PCA: no individuals")
	case d < 1:
		return nil, errors.New("cannot run PCA: genome length is zero")
	case k < 1 || k > d:
		return nil, fmt.Errorf("%w: requested %d, genome length %d", ErrComponents, k, d)
	case iters < 0:
		return nil, fmt.Errorf("cannot run PCA: invalid iteration count %d", iters)
	}
	for i := range m.Rows {
		entries := m.Rows[i].Entries
		if len(entries) > 0 && (entries[0].Pos < 0 || entries[len(entries)-1].Pos >= int64(d)) {
			return nil, fmt.Errorf("cannot run PCA: row %d (%s) has positions outside [0,%d)", i, m.Rows[i].Name, d)
		}
	}
	need, ok := denseBytes(n, d, k)
	if !ok {
		return nil, fmt.Errorf("%w: dense storage for %d individuals × %d positions × %d components is not addressable", ErrOutOfMemory, n, d, k)
	} else if cfg.MaxMemory > 0 && need > cfg.MaxMemory {
		return nil, fmt.Errorf("%w: need %d bytes of dense storage, limit is %d", ErrOutOfMemory, need, cfg.MaxMemory)
	}

	res := &Result{
		Eigenvalues: make([]float64, k),
		Components:  mat.NewDense(k, d, nil),
		Scores:      mat.NewDense(n, k, nil),
	}
	denom := float64(n - 1)
	if n == 1 {
		denom = 1
	}
	dist := distuv.Uniform{Min: -0.5, Max: 0.5, Src: rand.NewSource(cfg.Seed)}
	v := make([]float64, d)
	z := make([]float64, d)
	y := make([]float64, n)
	for c := 0; c < k; c++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range v {
			v[i] = dist.Rand()
		}
		deflate(v, res.Components, c)
		normalize(v)
		for iter := 0; iter < iters; iter++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			m.Multiply(v, y)
			m.MultiplyTranspose(y, z)
			deflate(z, res.Components, c)
			normalize(z)
			v, z = z, v
		}
		res.Components.SetRow(c, v)
		m.Multiply(v, y)
		res.Eigenvalues[c] = floats.Dot(y, y) / denom
	}

	for c := 0; c < k; c++ {
		m.Multiply(res.Components.RawRowView(c), y)
		res.Scores.SetCol(c, y)
	}
	ZScore(res.Scores)
	return res, nil
}

// ZScore centers each column of scores on its mean and divides it by
// its sample standard deviation. Columns with zero (or undefined)
// variance are only centered.
func ZScore(scores *mat.Dense) {
	rows, cols := scores.Dims()
	col := make([]float64, rows)
	for c := 0; c < cols; c++ {
		mat.Col(col, c, scores)
		mean, std := stat.MeanStdDev(col, nil)
		if rows < 2 || !(std > 0) {
			std = 1
		}
		for i, x := range col {
			col[i] = (x - mean) / std
		}
		scores.SetCol(c, col)
	}
}

// deflate removes from vec its projection onto each of the first n
// rows of comps.
func deflate(vec []float64, comps *mat.Dense, n int) {
	for j := 0; j < n; j++ {
		p := comps.RawRowView(j)
		floats.AddScaled(vec, -floats.Dot(vec, p), p)
	}
}

func normalize(vec []float64) {
	norm := floats.Norm(vec, 2)
	if norm < normEpsilon {
		return
	}
	floats.Scale(1/norm, vec)
}

// denseBytes returns the size of the dense storage Run allocates for
// n rows, d columns, and k components.
func denseBytes(n, d, k int) (int64, bool) {
	const maxFloats = math.MaxInt64 / 8
	total := int64(0)
	for _, term := range [][2]int64{
		{int64(k), int64(d)}, // components
		{int64(n), int64(k)}, // scores
		{2, int64(d)},        // v, z
		{1, int64(n)},        // y
		{1, int64(k)},        // eigenvalues
	} {
		if term[0] != 0 && term[1] > (maxFloats-total)/term[0] {
			return 0, false
		}
		total += term[0] * term[1]
	}
	if int64(int(total)) != total {
		return 0, false
	}
	return total * 8, true
}
