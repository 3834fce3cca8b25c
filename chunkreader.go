// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the number of bytes read from each stream per
// step.
const DefaultChunkSize = 1000000

// chunkReader reads a reference stream and any number of sample
// streams in lockstep, one chunk at a time. The same buffers are
// reused for every chunk.
//
//	cr := newChunkReader(ref, samples, DefaultChunkSize)
//	for cr.Next() {
//		... cr.Ref(), cr.Sample(i), cr.Offset() ...
//	}
//	if err := cr.Err(); err != nil { ... }
type chunkReader struct {
	ref     io.Reader
	samples []io.Reader
	refbuf  []byte
	bufs    [][]byte
	refN    int
	n       []int
	done    []bool
	offset  int64
	next    int64
	err     error
}

func newChunkReader(ref io.Reader, samples []io.Reader, chunkSize int) *chunkReader {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	cr := &chunkReader{
		ref:     ref,
		samples: samples,
		refbuf:  make([]byte, chunkSize),
		bufs:    make([][]byte, len(samples)),
		n:       make([]int, len(samples)),
		done:    make([]bool, len(samples)),
	}
	for i := range cr.bufs {
		cr.bufs[i] = make([]byte, chunkSize)
	}
	return cr
}

// Next reads the next chunk from every stream. It returns false when
// the reference is exhausted or a read fails; in the latter case Err
// returns the error.
//
// A sample stream that ends before the reference simply yields short
// (or empty) chunks from then on.
func (cr *chunkReader) Next() bool {
	if cr.err != nil {
		return false
	}
	n, err := readChunk(cr.ref, cr.refbuf)
	if err != nil {
		cr.err = fmt.Errorf("reference: %w", err)
		return false
	}
	if n == 0 {
		return false
	}
	cr.refN = n
	for i, r := range cr.samples {
		if cr.done[i] {
			cr.n[i] = 0
			continue
		}
		cr.n[i], err = readChunk(r, cr.bufs[i])
		if err != nil {
			cr.err = fmt.Errorf("sample %d: %w", i, err)
			return false
		}
		if cr.n[i] < len(cr.bufs[i]) {
			cr.done[i] = true
		}
	}
	cr.offset = cr.next
	cr.next += int64(n)
	return true
}

// Ref returns the current reference chunk.
func (cr *chunkReader) Ref() []byte { return cr.refbuf[:cr.refN] }

// Sample returns the current chunk of sample i. It may be shorter
// than Ref.
func (cr *chunkReader) Sample(i int) []byte { return cr.bufs[i][:cr.n[i]] }

// Offset returns the genome position of Ref()[0].
func (cr *chunkReader) Offset() int64 { return cr.offset }

// Total returns the number of reference bytes read so far.
func (cr *chunkReader) Total() int64 { return cr.next }

func (cr *chunkReader) Err() error { return cr.err }

// readChunk fills buf unless the stream ends first. Reaching the end
// of the stream is not an error.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	return n, err
}

// trimReader passes through everything from the wrapped reader
// except a single newline at the very end of the stream.
type trimReader struct {
	r *bufio.Reader
}

func newTrimReader(r io.Reader) trimReader {
	return trimReader{r: bufio.NewReaderSize(r, 1<<20)}
}

func (tr trimReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n == 0 || p[n-1] != '\n' {
		return n, err
	}
	if err == nil {
		if _, perr := tr.r.Peek(1); perr != io.EOF {
			return n, nil
		}
	} else if err != io.EOF {
		return n, err
	}
	n--
	if n == 0 {
		err = io.EOF
	}
	return n, err
}
