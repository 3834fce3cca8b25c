// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"
)

// analyzer runs the whole pipeline: gather variants from a reference
// and a set of individuals, run PCA, and write a result directory.
type analyzer struct {
	runtimeFlags
	scoringFlags
	pcaFlags
	refFile        string
	individualsDir string
	outputDir      string
	libraryFile    string
	threads        int
}

func (cmd *analyzer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options] -ref reference.txt {individual.txt ... | -individuals-dir dir}\n", prog)
		flags.PrintDefaults()
	}
	cmd.runtimeFlags.Flags(flags)
	cmd.scoringFlags.Flags(flags)
	cmd.pcaFlags.Flags(flags)
	flags.StringVar(&cmd.refFile, "ref", "", "reference sequence `file`")
	flags.StringVar(&cmd.individualsDir, "individuals-dir", "", "read every sequence file in `dir` as an individual")
	flags.StringVar(&cmd.outputDir, "output-dir", "./results", "create result directory in `dir`")
	flags.StringVar(&cmd.libraryFile, "save-library", "", "also save gathered variants to `file`")
	flags.IntVar(&cmd.threads, "threads", runtime.NumCPU(), "number of worker threads")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.refFile == "" {
		err = errors.New("cannot analyze without -ref argument")
		return 2
	} else if flags.NArg() == 0 && cmd.individualsDir == "" {
		flags.Usage()
		return 2
	} else if cmd.libraryFile == "-" {
		err = errors.New("cannot write -save-library to stdout")
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
		if cmd.outputDir != "./results" || cmd.libraryFile != "" {
			err = errors.New("cannot specify output files in container mode: not implemented")
			return 1
		}
		runner := cmd.runtimeFlags.Runner("analyze", 64000000000, 16)
		err = runner.TranslatePaths(&cmd.refFile, &cmd.individualsDir)
		if err != nil {
			return 1
		}
		for i := range inputs {
			err = runner.TranslatePaths(&inputs[i])
			if err != nil {
				return 1
			}
		}
		runner.Args = append([]string{"analyze"}, cmd.runtimeFlags.Args()...)
		runner.Args = append(runner.Args, cmd.scoringFlags.Args()...)
		runner.Args = append(runner.Args, cmd.pcaFlags.Args()...)
		runner.Args = append(runner.Args,
			"-threads=16",
			"-ref", cmd.refFile,
			"-individuals-dir", cmd.individualsDir,
			"-output-dir", "/mnt/output")
		runner.Args = append(runner.Args, inputs...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	var outdir string
	outdir, err = cmd.analyze(context.Background(), inputs, stdin)
	if err != nil {
		return 1
	}
	fmt.Fprintln(stdout, outdir)
	return 0
}

func (cmd *analyzer) analyze(ctx context.Context, inputs []string, stdin io.Reader) (string, error) {
	if cmd.individualsDir != "" {
		inputs = append(inputs, cmd.individualsDir)
	}
	files, err := listIndividuals(inputs, cmd.refFile)
	if err != nil {
		return "", err
	}
	g := gatherer{Params: cmd.params, ChunkSize: cmd.chunkSize, Threads: cmd.threads}
	lib, err := g.gatherFiles(ctx, cmd.refFile, files, stdin)
	if err != nil {
		return "", err
	}
	if cmd.libraryFile != "" {
		w, closeOutput, err := createOutput(cmd.libraryFile, nil)
		if err != nil {
			return "", err
		}
		err = lib.Encode(w)
		if err != nil {
			closeOutput()
			return "", err
		}
		if err = closeOutput(); err != nil {
			return "", err
		}
	}
	res, err := cmd.runPCA(ctx, lib, cmd.threads)
	if err != nil {
		return "", err
	}
	return writeResults(cmd.outputDir, time.Now(), lib, res, cmd.writeComponents)
}
