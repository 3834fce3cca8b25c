// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/arvados/stratify/snpscore"
	"github.com/arvados/stratify/sparsepca"
	"golang.org/x/crypto/blake2b"
)

// LibraryHeader describes how the variant sets in a library were
// produced.
type LibraryHeader struct {
	Reference    string
	GenomeLength int64
	ChunkSize    int
	Params       snpscore.Params
	Blake2b      [blake2b.Size256]byte
}

// LibraryEntry is one gob record of a variant library file. The first
// record carries the header; every record may carry any number of
// individuals.
type LibraryEntry struct {
	Header      *LibraryHeader
	Individuals []sparsepca.VariantSet
}

// variantLibrary is the in-memory form of a library file: the output
// of the gather phase and the input of the pca phase.
type variantLibrary struct {
	Header      LibraryHeader
	Individuals []sparsepca.VariantSet
}

// Matrix returns the individuals × genome-length matrix backed by
// lib's variant sets.
func (lib *variantLibrary) Matrix(threads int) *sparsepca.Matrix {
	return &sparsepca.Matrix{
		Rows:    lib.Individuals,
		Cols:    int(lib.Header.GenomeLength),
		Threads: threads,
	}
}

// Names returns the individuals' names in row order.
func (lib *variantLibrary) Names() []string {
	names := make([]string, len(lib.Individuals))
	for i, vs := range lib.Individuals {
		names[i] = vs.Name
	}
	return names
}

// Encode writes lib as a header record followed by one record per
// individual.
func (lib *variantLibrary) Encode(w io.Writer) error {
	enc := gob.NewEncoder(w)
	hdr := lib.Header
	err := enc.Encode(LibraryEntry{Header: &hdr})
	if err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	for i := range lib.Individuals {
		err = enc.Encode(LibraryEntry{Individuals: lib.Individuals[i : i+1]})
		if err != nil {
			return fmt.Errorf("gob encode: %w", err)
		}
	}
	return nil
}

// readLibrary decodes a library written by Encode (or a
// concatenation of records written by any producer that emits
// exactly one header).
func readLibrary(r io.Reader) (*variantLibrary, error) {
	lib := &variantLibrary{}
	seenHeader := false
	dec := gob.NewDecoder(bufio.NewReaderSize(r, 1<<24))
	for {
		var ent LibraryEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("gob decode: %w", err)
		}
		if ent.Header != nil {
			if seenHeader {
				return nil, errors.New("invalid input: contains multiple headers")
			}
			seenHeader = true
			lib.Header = *ent.Header
		}
		lib.Individuals = append(lib.Individuals, ent.Individuals...)
	}
	if !seenHeader {
		return nil, errors.New("invalid input: no header")
	}
	for _, vs := range lib.Individuals {
		for i, e := range vs.Entries {
			if e.Pos < 0 || e.Pos >= lib.Header.GenomeLength {
				return nil, fmt.Errorf("invalid input: %s has position %d outside genome length %d", vs.Name, e.Pos, lib.Header.GenomeLength)
			}
			if i > 0 && e.Pos <= vs.Entries[i-1].Pos {
				return nil, fmt.Errorf("invalid input: %s has positions out of order at %d", vs.Name, e.Pos)
			}
		}
	}
	return lib, nil
}
