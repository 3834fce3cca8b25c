// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/arvados/stratify/snpscore"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Number of equal-width score histogram bins over (0,1).
const statsHistogramBins = 10

type individualStats struct {
	Name      string
	Variants  int
	MeanScore float64
	MinScore  float64
	MaxScore  float64
}

type libraryStats struct {
	Reference    string
	Blake2b      string
	GenomeLength int64
	ChunkSize    int
	Params       snpscore.Params
	Individuals  []individualStats
	Variants     int

	// Positions with a variant in at least one individual.
	VariantPositions int

	// SharedBy[x]==y means y positions had variants in exactly x
	// individuals.
	SharedBy []int

	ScoreHistogram []int
}

type statscmd struct {
	runtimeFlags
}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runtimeFlags.Flags(flags)
	inputFilename := flags.String("i", "-", "input variant library `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if err = cmd.runtimeFlags.Setup(); err != nil {
		return 2
	}

	if !cmd.runLocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := cmd.runtimeFlags.Runner("stats", 16000000000, 1)
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = append([]string{"stats"}, cmd.runtimeFlags.Args()...)
		runner.Args = append(runner.Args, "-i", *inputFilename, "-o", "/mnt/output/stats.json")
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	lib, err := openLibrary(*inputFilename, stdin)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = json.NewEncoder(bufw).Encode(computeStats(lib))
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func computeStats(lib *variantLibrary) libraryStats {
	ret := libraryStats{
		Reference:      lib.Header.Reference,
		Blake2b:        fmt.Sprintf("%x", lib.Header.Blake2b),
		GenomeLength:   lib.Header.GenomeLength,
		ChunkSize:      lib.Header.ChunkSize,
		Params:         lib.Header.Params,
		SharedBy:       make([]int, len(lib.Individuals)+1),
		ScoreHistogram: make([]int, statsHistogramBins),
	}
	counts := map[int64]int{}
	var scores []float64
	for _, vs := range lib.Individuals {
		is := individualStats{Name: vs.Name, Variants: vs.Len()}
		scores = scores[:0]
		for _, e := range vs.Entries {
			scores = append(scores, e.Score)
			counts[e.Pos]++
			bin := int(e.Score * statsHistogramBins)
			if bin >= statsHistogramBins {
				bin = statsHistogramBins - 1
			} else if bin < 0 {
				bin = 0
			}
			ret.ScoreHistogram[bin]++
		}
		if len(scores) > 0 {
			is.MeanScore = stat.Mean(scores, nil)
			is.MinScore = floats.Min(scores)
			is.MaxScore = floats.Max(scores)
		}
		ret.Variants += is.Variants
		ret.Individuals = append(ret.Individuals, is)
	}
	ret.VariantPositions = len(counts)
	for _, n := range counts {
		ret.SharedBy[n]++
	}
	return ret
}
