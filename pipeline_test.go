// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/arvados/stratify/snpscore"
	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

func writeFiles(c *check.C, dir string, files map[string]string) {
	for name, content := range files {
		err := ioutil.WriteFile(filepath.Join(dir, name), []byte(content), 0666)
		c.Assert(err, check.IsNil)
	}
}

func (s *pipelineSuite) TestAnalyzeSingleSubstitution(c *check.C) {
	tmpdir := c.MkDir()
	writeFiles(c, tmpdir, map[string]string{"ref.txt": "ACGTACGTACGT\n"})
	inddir := filepath.Join(tmpdir, "individuals")
	c.Assert(os.Mkdir(inddir, 0777), check.IsNil)
	writeFiles(c, inddir, map[string]string{
		"a.txt": "ACTTACGTACGT\n",
		"b.txt": "ACGTACGTACGT\n",
	})
	outdir := filepath.Join(tmpdir, "results")

	var stdout, stderr bytes.Buffer
	exited := (&analyzer{}).RunCommand("stratify analyze", []string{
		"-local=true",
		"-ref", filepath.Join(tmpdir, "ref.txt"),
		"-individuals-dir", inddir,
		"-output-dir", outdir,
		"-components", "1",
		"-seed", "1",
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	resultdir := strings.TrimSpace(stdout.String())
	c.Check(filepath.Dir(resultdir), check.Equals, outdir)
	c.Check(filepath.Base(resultdir), check.Matches, `\d{14}_12`)

	p := snpscore.DefaultParams()
	score := 1 / (1 + math.Exp(-p.LogisticScale*(p.TransversionWeight*p.CpGMultiplier*(1+p.ClusterFactor))))
	buf, err := ioutil.ReadFile(filepath.Join(resultdir, "eigenvalues.csv"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, fmt.Sprintf("1,%.6f\n", score*score))

	buf, err = ioutil.ReadFile(filepath.Join(resultdir, "results.csv"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Matches, `(0\.707107\n-0\.707107\n|-0\.707107\n0\.707107\n)`)

	buf, err = ioutil.ReadFile(filepath.Join(resultdir, "individuals.csv"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Matches, `Index,Individual,PCA0\n0,.*/a\.txt,-?0\.707107\n1,.*/b\.txt,-?0\.707107\n`)

	f, err := os.Open(filepath.Join(resultdir, "pca.npy"))
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{2, 1})
	scores, err := npy.GetFloat64()
	c.Check(err, check.IsNil)
	c.Check(scores[0], check.Equals, -scores[1])

	_, err = os.Stat(filepath.Join(resultdir, "components.npy"))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *pipelineSuite) TestAnalyzeInvalidComponents(c *check.C) {
	tmpdir := c.MkDir()
	writeFiles(c, tmpdir, map[string]string{
		"ref.txt": "ACGTACGTACGT\n",
		"a.txt":   "ACTTACGTACGT\n",
	})
	for _, k := range []string{"0", "13"} {
		var stderr bytes.Buffer
		exited := (&analyzer{}).RunCommand("stratify analyze", []string{
			"-local=true",
			"-ref", filepath.Join(tmpdir, "ref.txt"),
			"-output-dir", filepath.Join(tmpdir, "results"),
			"-components", k,
			filepath.Join(tmpdir, "a.txt"),
		}, nil, ioutil.Discard, &stderr)
		c.Check(exited, check.Equals, 1)
		c.Check(stderr.String(), check.Matches, `(?ms).*invalid number of components.*`)
	}
	_, err := os.Stat(filepath.Join(tmpdir, "results"))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *pipelineSuite) TestUsageErrors(c *check.C) {
	for _, args := range [][]string{
		{"-local=true"},
		{"-local=true", "-ref", "ref.txt"},
		{"-local=true", "-ref", "ref.txt", "-transition-weight=-1", "a.txt"},
		{"-local=true", "-ref", "ref.txt", "-chunk-size=0", "a.txt"},
		{"-local=true", "-ref", "ref.txt", "-loglevel=loud", "a.txt"},
		{"-no-such-flag"},
	} {
		exited := (&analyzer{}).RunCommand("stratify analyze", args, nil, ioutil.Discard, ioutil.Discard)
		c.Check(exited, check.Equals, 2, check.Commentf("%q", args))
	}
	exited := (&analyzer{}).RunCommand("stratify analyze", []string{"-help"}, nil, ioutil.Discard, ioutil.Discard)
	c.Check(exited, check.Equals, 0)
}

func (s *pipelineSuite) TestSimulateGatherStatsPCA(c *check.C) {
	tmpdir := c.MkDir()
	ref := filepath.Join(tmpdir, "ref.txt")
	inddir := filepath.Join(tmpdir, "individuals")
	library := filepath.Join(tmpdir, "library.gob.gz")

	c.Log("=== simulate-genome ===")
	exited := (&simulateGenome{}).RunCommand("stratify simulate-genome", []string{
		"-o", ref,
		"-length", "5000",
		"-gc", "0.4",
		"-seed", "1",
	}, nil, os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	c.Log("=== simulate-snps ===")
	exited = (&simulateSNPs{}).RunCommand("stratify simulate-snps", []string{
		"-ref", ref,
		"-output-dir", inddir,
		"-min-snps", "20",
		"-max-snps", "40",
		"-chunk-size", "1000",
		"-seed", "2",
	}, nil, os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	c.Log("=== gather ===")
	exited = (&gatherCmd{}).RunCommand("stratify gather", []string{
		"-local=true",
		"-ref", ref,
		"-individuals-dir", inddir,
		"-chunk-size", "777",
		"-o", library,
	}, nil, os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	c.Log("=== stats ===")
	var statsout bytes.Buffer
	exited = (&statscmd{}).RunCommand("stratify stats", []string{"-local=true", "-i", library}, nil, &statsout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	var stats libraryStats
	c.Assert(json.Unmarshal(statsout.Bytes(), &stats), check.IsNil)
	c.Check(stats.GenomeLength, check.Equals, int64(5000))
	c.Check(stats.ChunkSize, check.Equals, 777)
	c.Check(stats.Params, check.Equals, snpscore.DefaultParams())
	c.Check(stats.Individuals, check.HasLen, 10)
	c.Check(stats.Individuals[0].Name, check.Equals, filepath.Join(inddir, "ind1.txt"))
	c.Check(stats.Individuals[1].Name, check.Equals, filepath.Join(inddir, "ind10.txt"))
	c.Check(stats.Variants > 0, check.Equals, true)
	total := 0
	for _, n := range stats.ScoreHistogram {
		total += n
	}
	c.Check(total, check.Equals, stats.Variants)

	c.Log("=== pca ===")
	outdir := filepath.Join(tmpdir, "results")
	var pcaout bytes.Buffer
	exited = (&pcaCmd{}).RunCommand("stratify pca", []string{
		"-local=true",
		"-i", library,
		"-output-dir", outdir,
		"-components", "3",
		"-seed", "5",
		"-write-components",
	}, nil, &pcaout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	resultdir := strings.TrimSpace(pcaout.String())
	c.Check(filepath.Base(resultdir), check.Matches, `\d{14}_5k`)

	for fnm, shape := range map[string][]int{
		"pca.npy":         {10, 3},
		"components.npy":  {3, 5000},
		"eigenvalues.npy": {1, 3},
	} {
		f, err := os.Open(filepath.Join(resultdir, fnm))
		c.Assert(err, check.IsNil)
		npy, err := gonpy.NewReader(f)
		c.Assert(err, check.IsNil)
		c.Check(npy.Shape, check.DeepEquals, shape, check.Commentf("%s", fnm))
		f.Close()
	}
	buf, err := ioutil.ReadFile(filepath.Join(resultdir, "eigenvalues.csv"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Matches, `1,\d+\.\d{6}\n2,\d+\.\d{6}\n3,\d+\.\d{6}\n`)
	buf, err = ioutil.ReadFile(filepath.Join(resultdir, "results.csv"))
	c.Check(err, check.IsNil)
	lines := strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n")
	c.Check(lines, check.HasLen, 10)
	lineRe := regexp.MustCompile(`^-?\d+\.\d{6},-?\d+\.\d{6},-?\d+\.\d{6}$`)
	for _, line := range lines {
		c.Check(lineRe.MatchString(line), check.Equals, true, check.Commentf("%q", line))
	}
}
