// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/arvados/stratify/sparsepca"
	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type outputSuite struct{}

var _ = check.Suite(&outputSuite{})

func (s *outputSuite) TestShortLength(c *check.C) {
	for _, trial := range []struct {
		bases  int64
		expect string
	}{
		{0, "0"},
		{12, "12"},
		{999, "999"},
		{1000, "1k"},
		{5000, "5k"},
		{999999, "999k"},
		{1000000, "1M"},
		{3200000, "3M"},
		{3000000000, "3000M"},
	} {
		c.Check(shortLength(trial.bases), check.Equals, trial.expect, check.Commentf("%d", trial.bases))
	}
	t := time.Date(2024, 1, 31, 15, 45, 0, 0, time.UTC)
	c.Check(resultDirName(t, 3000000), check.Equals, "20240131154500_3M")
}

func (s *outputSuite) TestWriteResults(c *check.C) {
	lib := &variantLibrary{
		Header: LibraryHeader{GenomeLength: 2500},
		Individuals: []sparsepca.VariantSet{
			{Name: "x.txt"},
			{Name: "y.txt"},
			{Name: "z.txt"},
		},
	}
	res := &sparsepca.Result{
		Eigenvalues: []float64{2.5, 0.125},
		Components:  mat.NewDense(2, 2500, nil),
		Scores:      mat.NewDense(3, 2, []float64{1, -0.5, 0, 1.25, -1, -0.75}),
	}
	parent := filepath.Join(c.MkDir(), "results")
	now := time.Date(2024, 1, 31, 15, 45, 0, 0, time.UTC)
	outdir, err := writeResults(parent, now, lib, res, false)
	c.Assert(err, check.IsNil)
	c.Check(outdir, check.Equals, filepath.Join(parent, "20240131154500_2k"))

	buf, err := ioutil.ReadFile(filepath.Join(outdir, "results.csv"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "1.000000,-0.500000\n0.000000,1.250000\n-1.000000,-0.750000\n")
	buf, err = ioutil.ReadFile(filepath.Join(outdir, "eigenvalues.csv"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "1,2.500000\n2,0.125000\n")
	buf, err = ioutil.ReadFile(filepath.Join(outdir, "individuals.csv"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `Index,Individual,PCA0,PCA1
0,x.txt,1.000000,-0.500000
1,y.txt,0.000000,1.250000
2,z.txt,-1.000000,-0.750000
`)

	f, err := os.Open(filepath.Join(outdir, "eigenvalues.npy"))
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{1, 2})
	ev, err := npy.GetFloat64()
	c.Check(err, check.IsNil)
	c.Check(ev, check.DeepEquals, []float64{2.5, 0.125})

	_, err = os.Stat(filepath.Join(outdir, "components.npy"))
	c.Check(os.IsNotExist(err), check.Equals, true)

	// same second, same length: refuse to overwrite
	_, err = writeResults(parent, now, lib, res, true)
	c.Check(err, check.NotNil)

	outdir, err = writeResults(parent, now.Add(time.Second), lib, res, true)
	c.Assert(err, check.IsNil)
	f, err = os.Open(filepath.Join(outdir, "components.npy"))
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err = gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{2, 2500})
}

func (s *outputSuite) TestDenseData(c *check.C) {
	m := mat.NewDense(3, 4, []float64{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
	})
	c.Check(denseData(m), check.DeepEquals, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	sub := m.Slice(1, 3, 1, 3).(*mat.Dense)
	c.Check(denseData(sub), check.DeepEquals, []float64{5, 6, 9, 10})
}
