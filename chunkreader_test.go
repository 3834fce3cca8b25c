// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"bytes"
	"errors"
	"io"
	"io/ioutil"
	"strings"
	"testing/iotest"

	"gopkg.in/check.v1"
)

type chunkReaderSuite struct{}

var _ = check.Suite(&chunkReaderSuite{})

func (s *chunkReaderSuite) TestTrimReader(c *check.C) {
	for _, trial := range []struct {
		in, out string
	}{
		{"", ""},
		{"\n", ""},
		{"ACGT", "ACGT"},
		{"ACGT\n", "ACGT"},
		{"ACGT\n\n", "ACGT\n"},
		{"AC\nGT", "AC\nGT"},
		{"AC\nGT\n", "AC\nGT"},
	} {
		for _, wrap := range []func(io.Reader) io.Reader{
			func(r io.Reader) io.Reader { return r },
			iotest.OneByteReader,
			iotest.DataErrReader,
			iotest.HalfReader,
		} {
			buf, err := ioutil.ReadAll(newTrimReader(wrap(strings.NewReader(trial.in))))
			c.Check(err, check.IsNil)
			c.Check(string(buf), check.Equals, trial.out, check.Commentf("%q", trial.in))
		}
	}
}

func (s *chunkReaderSuite) TestLockstep(c *check.C) {
	ref := strings.NewReader("AAAAACCCCCGG")
	samples := []io.Reader{
		strings.NewReader("AAAAACCCCCGG"),
		strings.NewReader("TTTTTGGG"),
		strings.NewReader("CCCCCGGGGGTTTTTTTT"),
		strings.NewReader(""),
	}
	cr := newChunkReader(ref, samples, 5)
	type chunk struct {
		offset  int64
		ref     string
		samples []string
	}
	var got []chunk
	for cr.Next() {
		ch := chunk{offset: cr.Offset(), ref: string(cr.Ref())}
		for i := range samples {
			ch.samples = append(ch.samples, string(cr.Sample(i)))
		}
		got = append(got, ch)
	}
	c.Check(cr.Err(), check.IsNil)
	c.Check(cr.Total(), check.Equals, int64(12))
	c.Check(got, check.DeepEquals, []chunk{
		{0, "AAAAA", []string{"AAAAA", "TTTTT", "CCCCC", ""}},
		{5, "CCCCC", []string{"CCCCC", "GGG", "GGGGG", ""}},
		{10, "GG", []string{"GG", "", "TTTTT", ""}},
	})
	c.Check(cr.Next(), check.Equals, false)
}

func (s *chunkReaderSuite) TestExactMultiple(c *check.C) {
	cr := newChunkReader(strings.NewReader("ACGTACGT"), nil, 4)
	n := 0
	for cr.Next() {
		n++
		c.Check(cr.Ref(), check.HasLen, 4)
	}
	c.Check(n, check.Equals, 2)
	c.Check(cr.Err(), check.IsNil)
	c.Check(cr.Total(), check.Equals, int64(8))
}

func (s *chunkReaderSuite) TestEmptyReference(c *check.C) {
	cr := newChunkReader(bytes.NewReader(nil), []io.Reader{strings.NewReader("ACGT")}, 4)
	c.Check(cr.Next(), check.Equals, false)
	c.Check(cr.Err(), check.IsNil)
	c.Check(cr.Total(), check.Equals, int64(0))
}

func (s *chunkReaderSuite) TestReadError(c *check.C) {
	failing := io.MultiReader(strings.NewReader("ACGT"), iotest.ErrReader(errors.New("disk on fire")))
	cr := newChunkReader(strings.NewReader("ACGTACGT"), []io.Reader{failing}, 4)
	c.Check(cr.Next(), check.Equals, true)
	c.Check(cr.Next(), check.Equals, false)
	c.Check(cr.Err(), check.ErrorMatches, `sample 0: disk on fire`)

	cr = newChunkReader(iotest.TimeoutReader(strings.NewReader("ACGTACGT")), nil, 2)
	c.Check(cr.Next(), check.Equals, true)
	c.Check(cr.Next(), check.Equals, false)
	c.Check(cr.Err(), check.ErrorMatches, `reference: .*timeout.*`)
}
