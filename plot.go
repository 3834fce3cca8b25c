// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// pythonPlot draws a scree plot and a scatter plot of two components
// from a result directory.
type pythonPlot struct {
	runtimeFlags
}

//go:embed plot.py
var plotscript string

func (cmd *pythonPlot) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runtimeFlags.Flags(flags)
	inputDir := flags.String("i", "", "result `directory` written by analyze or pca")
	outputDir := flags.String("o", "", "write png files to `directory` (default: same as -i)")
	xComponent := flags.Int("x", 1, "1-based PCA component to plot on x axis")
	yComponent := flags.Int("y", 2, "1-based PCA component to plot on y axis")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputDir == "" {
		err = errors.New("cannot plot without -i argument")
		return 2
	} else if *xComponent < 1 || *yComponent < 1 {
		err = errors.New("invalid component: -x and -y are 1-based")
		return 2
	}
	if err = cmd.runtimeFlags.Setup(); err != nil {
		return 2
	}
	if *outputDir == "" {
		*outputDir = *inputDir
	}

	runner := cmd.runtimeFlags.Runner("plot", 4<<30, 1)
	runner.Mounts = map[string]map[string]interface{}{
		"/plot.py": map[string]interface{}{
			"kind":    "text",
			"content": plotscript,
		},
	}
	if !cmd.runLocal {
		err = runner.TranslatePaths(inputDir)
		if err != nil {
			return 1
		}
		*outputDir = "/mnt/output"
	}
	args = []string{
		*inputDir,
		*outputDir,
		fmt.Sprintf("%d", *xComponent),
		fmt.Sprintf("%d", *yComponent),
	}
	if cmd.runLocal {
		cmd := exec.Command("python3", append([]string{"-"}, args...)...)
		cmd.Stdin = strings.NewReader(plotscript)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		err = cmd.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, *outputDir)
		return 0
	}
	runner.Prog = "python3"
	runner.Args = append([]string{"/plot.py"}, args...)
	var output string
	output, err = runner.Run()
	if err != nil {
		return 1
	}
	fmt.Fprintln(stdout, output)
	return 0
}
