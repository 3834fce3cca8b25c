// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/arvados/stratify/snpscore"
	"github.com/arvados/stratify/sparsepca"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// gatherer streams a reference and a set of individuals in lockstep
// and scores every mismatch.
type gatherer struct {
	Params    snpscore.Params
	ChunkSize int
	Threads   int
}

// Gather reads ref and samples to the end of ref and returns one
// variant set per sample, in input order. A trailing newline at the
// end of any stream is ignored.
func (g *gatherer) Gather(ctx context.Context, refName string, ref io.Reader, names []string, samples []io.Reader) (*variantLibrary, error) {
	if len(names) != len(samples) {
		panic(fmt.Sprintf("bug: %d names, %d samples", len(names), len(samples)))
	}
	if err := g.Params.Check(); err != nil {
		return nil, err
	}
	chunkSize := g.ChunkSize
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	readers := make([]io.Reader, len(samples))
	for i, r := range samples {
		readers[i] = newTrimReader(r)
	}
	cr := newChunkReader(io.TeeReader(newTrimReader(ref), hash), readers, chunkSize)

	sets := make([]sparsepca.VariantSet, len(samples))
	for i := range sets {
		sets[i].Name = names[i]
	}
	exhausted := make([]bool, len(samples))
	chunks := 0
	lastReport := time.Now()
	for cr.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		refchunk, offset := cr.Ref(), cr.Offset()
		thr := throttle{Max: g.Threads}
		for i := range sets {
			sample := cr.Sample(i)
			if len(sample) < len(refchunk) && !exhausted[i] {
				exhausted[i] = true
				log.Warnf("%s: partial read at offset %d: got %d of %d bytes, comparing only the first %d", names[i], offset, len(sample), len(refchunk), len(sample))
			}
			if len(sample) == 0 {
				continue
			}
			set := &sets[i]
			thr.Go(func() error {
				g.Params.ScoreChunk(refchunk, sample, offset, set)
				return nil
			})
		}
		if err := thr.Wait(); err != nil {
			return nil, err
		}
		chunks++
		if time.Since(lastReport) > time.Minute {
			log.Infof("gather: %d chunks, %d bytes", chunks, cr.Total())
			lastReport = time.Now()
		}
	}
	if err := cr.Err(); err != nil {
		return nil, err
	}
	if cr.Total() == 0 {
		return nil, fmt.Errorf("%s: reference is empty", refName)
	}
	lib := &variantLibrary{
		Header: LibraryHeader{
			Reference:    refName,
			GenomeLength: cr.Total(),
			ChunkSize:    chunkSize,
			Params:       g.Params,
		},
		Individuals: sets,
	}
	copy(lib.Header.Blake2b[:], hash.Sum(nil))
	nnz := 0
	for _, vs := range sets {
		nnz += vs.Len()
	}
	log.WithFields(log.Fields{
		"reference":   refName,
		"bases":       cr.Total(),
		"individuals": len(sets),
		"variants":    nnz,
	}).Info("gather: done")
	return lib, nil
}

// gatherFiles opens the reference and individual files, and gathers
// variants from them.
func (g *gatherer) gatherFiles(ctx context.Context, refFile string, files []string, stdin io.Reader) (*variantLibrary, error) {
	var ref io.Reader
	if refFile == "-" {
		ref = stdin
	} else {
		f, err := zopen(refFile)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", refFile, err)
		}
		defer f.Close()
		ref = f
	}
	samples := make([]io.Reader, len(files))
	for i, fnm := range files {
		f, err := zopen(fnm)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		defer f.Close()
		samples[i] = f
	}
	lib, err := g.Gather(ctx, refFile, ref, files, samples)
	if err != nil {
		return nil, err
	}
	return lib, nil
}

var individualFilenameRe = regexp.MustCompile(`\.(txt|seq|fa|fasta)(\.gz)?$`)

// listIndividuals expands directories in paths to the sequence files
// they contain (sorted by name), skipping exclude.
func listIndividuals(paths []string, exclude string) (files []string, err error) {
	for _, path := range paths {
		if fi, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%s: stat failed: %s", path, err)
		} else if !fi.IsDir() {
			files = append(files, path)
			continue
		}
		d, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%s: open failed: %s", path, err)
		}
		defer d.Close()
		names, err := d.Readdirnames(0)
		if err != nil {
			return nil, fmt.Errorf("%s: readdir failed: %s", path, err)
		}
		sort.Strings(names)
		for _, name := range names {
			fnm := filepath.Join(path, name)
			if individualFilenameRe.MatchString(name) && (exclude == "" || filepath.Clean(fnm) != filepath.Clean(exclude)) {
				files = append(files, fnm)
			}
		}
		d.Close()
	}
	if len(files) == 0 {
		return nil, errors.New("no individuals")
	}
	return
}

// createOutput opens fnm for writing (stdout if fnm is "-"),
// compressing with pgzip if fnm ends in ".gz". The returned closer
// flushes and closes everything.
func createOutput(fnm string, stdout io.Writer) (io.Writer, func() error, error) {
	var output io.WriteCloser
	if fnm == "-" {
		output = nopCloser{stdout}
	} else {
		f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return nil, nil, err
		}
		output = f
	}
	bufw := bufio.NewWriterSize(output, 1<<22)
	if !strings.HasSuffix(fnm, ".gz") {
		return bufw, func() error {
			err := bufw.Flush()
			if err != nil {
				output.Close()
				return err
			}
			return output.Close()
		}, nil
	}
	gzw := pgzip.NewWriter(bufw)
	return gzw, func() error {
		err := gzw.Close()
		if err == nil {
			err = bufw.Flush()
		}
		if err != nil {
			output.Close()
			return err
		}
		return output.Close()
	}, nil
}

type gatherCmd struct {
	runtimeFlags
	scoringFlags
}

func (cmd *gatherCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runtimeFlags.Flags(flags)
	cmd.scoringFlags.Flags(flags)
	refFile := flags.String("ref", "", "reference sequence `file`")
	individualsDir := flags.String("individuals-dir", "", "read every sequence file in `dir` as an individual")
	outputFilename := flags.String("o", "-", "output variant library `file` (.gz for compressed)")
	threads := flags.Int("threads", runtime.NumCPU(), "score up to `N` individuals concurrently")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *refFile == "" {
		err = errors.New("cannot gather without -ref argument")
		return 2
	} else if flags.NArg() == 0 && *individualsDir == "" {
		flags.Usage()
		return 2
	}
	if err = cmd.scoringFlags.Check(); err != nil {
		return 2
	}
	if err = cmd.runtimeFlags.Setup(); err != nil {
		return 2
	}

	inputs := flags.Args()
	if !cmd.runLocal {
		runner := cmd.runtimeFlags.Runner("gather", 16000000000, 8)
		err = runner.TranslatePaths(refFile, individualsDir)
		if err != nil {
			return 1
		}
		for i := range inputs {
			err = runner.TranslatePaths(&inputs[i])
			if err != nil {
				return 1
			}
		}
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner.Args = append([]string{"gather"}, cmd.runtimeFlags.Args()...)
		runner.Args = append(runner.Args, cmd.scoringFlags.Args()...)
		runner.Args = append(runner.Args,
			"-threads=8",
			"-ref", *refFile,
			"-individuals-dir", *individualsDir,
			"-o", "/mnt/output/library.gob.gz")
		runner.Args = append(runner.Args, inputs...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/library.gob.gz")
		return 0
	}

	if *individualsDir != "" {
		inputs = append(inputs, *individualsDir)
	}
	files, err := listIndividuals(inputs, *refFile)
	if err != nil {
		return 1
	}
	g := gatherer{Params: cmd.params, ChunkSize: cmd.chunkSize, Threads: *threads}
	lib, err := g.gatherFiles(context.Background(), *refFile, files, stdin)
	if err != nil {
		return 1
	}
	w, closeOutput, err := createOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	err = lib.Encode(w)
	if err != nil {
		closeOutput()
		return 1
	}
	err = closeOutput()
	if err != nil {
		return 1
	}
	return 0
}

// openLibrary reads a variant library from fnm, or stdin if fnm is
// "-".
func openLibrary(fnm string, stdin io.Reader) (*variantLibrary, error) {
	var input io.ReadCloser
	if fnm == "-" {
		input = ioutil.NopCloser(stdin)
	} else {
		var err error
		input, err = zopen(fnm)
		if err != nil {
			return nil, err
		}
	}
	defer input.Close()
	lib, err := readLibrary(input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return lib, input.Close()
}
