// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snpscore

// Substitution classifies a reference/alternate base pair.
type Substitution int

const (
	Invalid Substitution = iota
	Match
	Transition
	Transversion
)

func (s Substitution) String() string {
	switch s {
	case Match:
		return "match"
	case Transition:
		return "transition"
	case Transversion:
		return "transversion"
	default:
		return "invalid"
	}
}

// Classify returns the substitution class of ref→alt. Bases outside
// {A,C,G,T} yield Invalid, even when ref == alt.
func Classify(ref, alt byte) Substitution {
	if !isBase(ref) || !isBase(alt) {
		return Invalid
	}
	switch {
	case ref == alt:
		return Match
	case ref == 'A' && alt == 'G',
		ref == 'G' && alt == 'A',
		ref == 'C' && alt == 'T',
		ref == 'T' && alt == 'C':
		return Transition
	default:
		return Transversion
	}
}
