// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// genomeSimulator generates a random reference sequence.
type genomeSimulator struct {
	Length    int64
	GCContent float64
	Seed      uint64
}

func (gs *genomeSimulator) Generate(w io.Writer) error {
	if gs.GCContent < 0 || gs.GCContent > 1 {
		return fmt.Errorf("invalid GC content %v: must be between 0 and 1", gs.GCContent)
	}
	if gs.Length < 0 {
		return fmt.Errorf("invalid length %d", gs.Length)
	}
	// Each random 64-bit value yields 4 bases. A 16-bit part below
	// threshold becomes C or G, otherwise A or T; the low bit picks
	// which.
	threshold := uint32(gs.GCContent * 65536)
	rnd := rand.New(rand.NewSource(gs.Seed))
	bufw := bufio.NewWriterSize(w, 1<<20)
	for remaining := gs.Length; remaining > 0; {
		x := rnd.Uint64()
		for i := 0; i < 4 && remaining > 0; i++ {
			part := uint32(x >> (48 - 16*i) & 0xffff)
			var b byte
			if part < threshold {
				b = "GC"[part&1]
			} else {
				b = "AT"[part&1]
			}
			if err := bufw.WriteByte(b); err != nil {
				return err
			}
			remaining--
		}
	}
	return bufw.Flush()
}

// snpSimulator derives individuals from a reference by introducing
// random single-base substitutions chunk by chunk. Each substitution
// is either unique to one individual or, with probability
// SharedProb, shared by every member of one group.
type snpSimulator struct {
	GroupSizes []int
	GroupProbs []float64
	SharedProb float64
	MinSNPs    int
	MaxSNPs    int
	ChunkSize  int
	Seed       uint64
}

func defaultSNPSimulator() snpSimulator {
	return snpSimulator{
		GroupSizes: []int{4, 4, 2},
		GroupProbs: []float64{0.4, 0.4, 0.2},
		SharedProb: 0.3,
		MinSNPs:    1,
		MaxSNPs:    10,
		ChunkSize:  DefaultChunkSize,
	}
}

// Individuals returns the total number of individuals in all groups.
func (ss *snpSimulator) Individuals() int {
	n := 0
	for _, size := range ss.GroupSizes {
		n += size
	}
	return n
}

func (ss *snpSimulator) check() error {
	switch {
	case len(ss.GroupSizes) == 0:
		return errors.New("no groups")
	case len(ss.GroupSizes) != len(ss.GroupProbs):
		return fmt.Errorf("%d group sizes but %d group probabilities", len(ss.GroupSizes), len(ss.GroupProbs))
	case ss.MinSNPs < 0 || ss.MaxSNPs < ss.MinSNPs:
		return fmt.Errorf("invalid SNP range %d..%d", ss.MinSNPs, ss.MaxSNPs)
	case !(ss.SharedProb >= 0 && ss.SharedProb <= 1):
		return fmt.Errorf("invalid shared probability %v", ss.SharedProb)
	case ss.ChunkSize < 1:
		return fmt.Errorf("invalid chunk size %d", ss.ChunkSize)
	}
	sum := 0.0
	for i, size := range ss.GroupSizes {
		if size < 1 {
			return fmt.Errorf("invalid size %d for group %d", size, i)
		}
		if !(ss.GroupProbs[i] >= 0) || math.IsInf(ss.GroupProbs[i], 1) {
			return fmt.Errorf("invalid probability %v for group %d", ss.GroupProbs[i], i)
		}
		sum += ss.GroupProbs[i]
	}
	if sum == 0 {
		return errors.New("group probabilities are all zero")
	}
	return nil
}

// Simulate reads ref to the end and writes one derived sequence per
// individual to outputs. It returns the number of reference bases
// read.
func (ss *snpSimulator) Simulate(ref io.Reader, outputs []io.Writer) (int64, error) {
	if err := ss.check(); err != nil {
		return 0, err
	}
	if len(outputs) != ss.Individuals() {
		return 0, fmt.Errorf("%d outputs for %d individuals", len(outputs), ss.Individuals())
	}
	src := rand.NewSource(ss.Seed)
	rnd := rand.New(src)
	groupDist := distuv.NewCategorical(ss.GroupProbs, src)
	// first individual of each group
	groupStart := make([]int, len(ss.GroupSizes)+1)
	for g, size := range ss.GroupSizes {
		groupStart[g+1] = groupStart[g] + size
	}

	bufws := make([]*bufio.Writer, len(outputs))
	chunks := make([][]byte, len(outputs))
	for i, w := range outputs {
		bufws[i] = bufio.NewWriterSize(w, 1<<20)
		chunks[i] = make([]byte, ss.ChunkSize)
	}
	refchunk := make([]byte, ss.ChunkSize)
	ref = newTrimReader(ref)
	total := int64(0)
	for {
		n, err := readChunk(ref, refchunk)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		for i := range chunks {
			copy(chunks[i], refchunk[:n])
		}
		snps := ss.MinSNPs + rnd.Intn(ss.MaxSNPs-ss.MinSNPs+1)
		for s := 0; s < snps; s++ {
			pos := rnd.Intn(n)
			alt, ok := substitute(rnd, refchunk[pos])
			if !ok {
				continue
			}
			if rnd.Float64() < ss.SharedProb {
				g := int(groupDist.Rand())
				for i := groupStart[g]; i < groupStart[g+1]; i++ {
					chunks[i][pos] = alt
				}
			} else {
				chunks[rnd.Intn(len(chunks))][pos] = alt
			}
		}
		for i, bufw := range bufws {
			if _, err := bufw.Write(chunks[i][:n]); err != nil {
				return total, err
			}
		}
		total += int64(n)
	}
	for _, bufw := range bufws {
		if err := bufw.Flush(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// substitute returns a random base other than b. It returns false if
// b is not one of A, C, G, T.
func substitute(rnd *rand.Rand, b byte) (byte, bool) {
	var others string
	switch b {
	case 'A':
		others = "CGT"
	case 'C':
		others = "AGT"
	case 'G':
		others = "ACT"
	case 'T':
		others = "ACG"
	default:
		return 0, false
	}
	return others[rnd.Intn(3)], true
}

func seedFromFlag(seed uint64) uint64 {
	if seed != 0 {
		return seed
	}
	seed = uint64(time.Now().UnixNano())
	log.Infof("using random seed %d", seed)
	return seed
}

type simulateGenome struct{}

func (cmd *simulateGenome) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	outputFilename := flags.String("o", "-", "output `file`")
	length := flags.Int64("length", 1000000, "number of bases to generate")
	gc := flags.Float64("gc", 0.5, "GC content (fraction between 0 and 1)")
	seed := flags.Uint64("seed", 0, "random seed (0 = use current time)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	gs := genomeSimulator{Length: *length, GCContent: *gc, Seed: seedFromFlag(*seed)}

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
	err = gs.Generate(output)
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type simulateSNPs struct {
	snpSimulator
}

func (cmd *simulateSNPs) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	cmd.snpSimulator = defaultSNPSimulator()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	refFile := flags.String("ref", "", "reference sequence `file`")
	outputDir := flags.String("output-dir", ".", "write individual files to `dir`")
	prefix := flags.String("prefix", "ind", "individual filename prefix (files are {prefix}1.txt, {prefix}2.txt, ...)")
	groups := flags.String("groups", "4,4,2", "comma-separated group sizes")
	groupProbs := flags.String("group-probs", "0.4,0.4,0.2", "comma-separated probability of each group receiving a shared SNP")
	flags.Float64Var(&cmd.SharedProb, "shared-prob", cmd.SharedProb, "probability that a SNP is shared by a whole group")
	flags.IntVar(&cmd.MinSNPs, "min-snps", cmd.MinSNPs, "minimum SNPs per chunk")
	flags.IntVar(&cmd.MaxSNPs, "max-snps", cmd.MaxSNPs, "maximum SNPs per chunk")
	flags.IntVar(&cmd.ChunkSize, "chunk-size", cmd.ChunkSize, "bases per chunk")
	seed := flags.Uint64("seed", 0, "random seed (0 = use current time)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *refFile == "" {
		err = errors.New("cannot simulate without -ref argument")
		return 2
	}
	cmd.GroupSizes, err = parseInts(*groups)
	if err != nil {
		return 2
	}
	cmd.GroupProbs, err = parseFloats(*groupProbs)
	if err != nil {
		return 2
	}
	if err = cmd.check(); err != nil {
		return 2
	}
	cmd.Seed = seedFromFlag(*seed)

	ref, err := zopen(*refFile)
	if err != nil {
		return 1
	}
	defer ref.Close()
	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return 1
	}
	var files []*os.File
	var outputs []io.Writer
	for i := 0; i < cmd.Individuals(); i++ {
		var f *os.File
		f, err = os.Create(filepath.Join(*outputDir, fmt.Sprintf("%s%d.txt", *prefix, i+1)))
		if err != nil {
			return 1
		}
		defer f.Close()
		files = append(files, f)
		outputs = append(outputs, f)
	}
	total, err := cmd.Simulate(ref, outputs)
	if err != nil {
		return 1
	}
	for _, f := range files {
		err = f.Close()
		if err != nil {
			return 1
		}
	}
	log.Printf("processed %d bases from %s, wrote %d individuals to %s", total, *refFile, len(files), *outputDir)
	return 0
}

func parseInts(s string) ([]int, error) {
	var ret []int
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		ret = append(ret, n)
	}
	return ret, nil
}

func parseFloats(s string) ([]float64, error) {
	var ret []float64
	for _, f := range strings.Split(s, ",") {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		ret = append(ret, x)
	}
	return ret, nil
}
