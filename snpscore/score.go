// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package snpscore converts base mismatches between a reference chunk
// and an individual's chunk into weighted variant scores.
package snpscore

import (
	"fmt"
	"math"

	"github.com/arvados/stratify/sparsepca"
)

// Mismatches within this distance of a variant (inclusive, and
// including the variant itself) count toward its cluster multiplier.
const clusterRadius = 2

// Params holds the scoring weights. A Params value is never modified
// after it is constructed, so one value can be shared by any number of
// concurrent ScoreChunk calls.
type Params struct {
	TransitionWeight   float64
	TransversionWeight float64
	CpGMultiplier      float64
	ClusterFactor      float64
	LogisticScale      float64
}

// DefaultParams returns the standard weights.
func DefaultParams() Params {
	return Params{
		TransitionWeight:   0.28,
		TransversionWeight: 1.1,
		CpGMultiplier:      1.8,
		ClusterFactor:      0.12,
		LogisticScale:      0.6,
	}
}

// Check returns an error if any weight is not a positive finite
// number.
func (p Params) Check() error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"transition weight", p.TransitionWeight},
		{"transversion weight", p.TransversionWeight},
		{"CpG multiplier", p.CpGMultiplier},
		{"cluster factor", p.ClusterFactor},
		{"logistic scale", p.LogisticScale},
	} {
		if !(f.value > 0) || math.IsInf(f.value, 1) {
			return fmt.Errorf("invalid %s %v: must be a positive number", f.name, f.value)
		}
	}
	return nil
}

// ScoreChunk compares ref and sample base by base and appends one
// entry to set for each scorable mismatch. offset is the genome
// position of ref[0]. If the two chunks differ in length, only the
// common prefix is compared.
//
// Context (CpG and clustering) is only evaluated within the chunk.
func (p Params) ScoreChunk(ref, sample []byte, offset int64, set *sparsepca.VariantSet) {
	if len(sample) < len(ref) {
		ref = ref[:len(sample)]
	} else {
		sample = sample[:len(ref)]
	}
	for i := range ref {
		if ref[i] == sample[i] || !isBase(ref[i]) || !isBase(sample[i]) {
			continue
		}
		set.Append(offset+int64(i), p.score(ref, sample, i))
	}
}

// score returns the variant score at index i, which must be a
// mismatch between two valid bases.
func (p Params) score(ref, sample []byte, i int) float64 {
	score := p.TransversionWeight
	if Classify(ref[i], sample[i]) == Transition {
		score = p.TransitionWeight
	}
	if isCpG(ref, i) {
		score *= p.CpGMultiplier
	}
	score *= 1 + p.ClusterFactor*float64(mismatches(ref, sample, i))
	return 1 / (1 + math.Exp(-p.LogisticScale*score))
}

// isCpG reports whether ref[i] is the C or the G of a CpG
// dinucleotide. Never true at either end of the chunk.
func isCpG(ref []byte, i int) bool {
	if i == 0 || i == len(ref)-1 {
		return false
	}
	return (ref[i] == 'C' && ref[i+1] == 'G') || (ref[i] == 'G' && ref[i-1] == 'C')
}

// mismatches counts differing bytes in the window of clusterRadius
// around i, clipped to the chunk.
func mismatches(ref, sample []byte, i int) int {
	lo, hi := i-clusterRadius, i+clusterRadius+1
	if lo < 0 {
		lo = 0
	}
	if hi > len(ref) {
		hi = len(ref)
	}
	n := 0
	for j := lo; j < hi; j++ {
		if ref[j] != sample[j] {
			n++
		}
	}
	return n
}

func isBase(b byte) bool {
	switch b {
	case 'A', 'C', 'G', 'T':
		return true
	}
	return false
}
