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

	"github.com/arvados/stratify/sparsepca"
	log "github.com/sirupsen/logrus"
)

// runPCA runs the PCA phase on a gathered library.
func (pf *pcaFlags) runPCA(ctx context.Context, lib *variantLibrary, threads int) (*sparsepca.Result, error) {
	seed := pf.seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
		log.Infof("using random seed %d", seed)
	}
	m := lib.Matrix(threads)
	rows, cols := m.Dims()
	log.WithFields(log.Fields{
		"rows":       rows,
		"cols":       cols,
		"nnz":        m.NNZ(),
		"components": pf.components,
	}).Info("running PCA")
	res, err := sparsepca.Run(ctx, m, sparsepca.Config{
		Components: pf.components,
		Iterations: pf.iterations,
		Seed:       seed,
		MaxMemory:  pf.maxMemory,
	})
	if err != nil {
		return nil, err
	}
	for c, ev := range res.Eigenvalues {
		log.Debugf("component %d eigenvalue %f", c+1, ev)
	}
	return res, nil
}

type pcaCmd struct {
	runtimeFlags
	pcaFlags
}

func (cmd *pcaCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runtimeFlags.Flags(flags)
	cmd.pcaFlags.Flags(flags)
	inputFilename := flags.String("i", "-", "input variant library `file`")
	outputDir := flags.String("output-dir", "./results", "create result directory in `dir`")
	threads := flags.Int("threads", runtime.NumCPU(), "number of worker threads for matrix products")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}
	if err = cmd.runtimeFlags.Setup(); err != nil {
		return 2
	}

	if !cmd.runLocal {
		if *outputDir != "./results" {
			err = errors.New("cannot specify output directory in container mode: not implemented")
			return 1
		}
		runner := cmd.runtimeFlags.Runner("pca", 64000000000, 16)
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = append([]string{"pca"}, cmd.runtimeFlags.Args()...)
		runner.Args = append(runner.Args, cmd.pcaFlags.Args()...)
		runner.Args = append(runner.Args, "-threads=16", "-i", *inputFilename, "-output-dir", "/mnt/output")
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	lib, err := openLibrary(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	res, err := cmd.runPCA(context.Background(), lib, *threads)
	if err != nil {
		return 1
	}
	outdir, err := writeResults(*outputDir, time.Now(), lib, res, cmd.writeComponents)
	if err != nil {
		return 1
	}
	fmt.Fprintln(stdout, outdir)
	return 0
}
