// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/arvados/stratify/sparsepca"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// shortLength formats a genome length for a result directory name:
// whole millions as "NM", whole thousands as "Nk".
func shortLength(bases int64) string {
	switch {
	case bases >= 1000000:
		return fmt.Sprintf("%dM", bases/1000000)
	case bases >= 1000:
		return fmt.Sprintf("%dk", bases/1000)
	default:
		return fmt.Sprintf("%d", bases)
	}
}

// resultDirName returns the name of the directory that holds the
// results of one run, e.g., "20240131154500_3M".
func resultDirName(t time.Time, genomeLength int64) string {
	return t.Format("20060102150405") + "_" + shortLength(genomeLength)
}

// writeResults creates a new result directory under parent and writes
// every output file into it. It returns the new directory's path.
func writeResults(parent string, now time.Time, lib *variantLibrary, res *sparsepca.Result, withComponents bool) (string, error) {
	outdir := filepath.Join(parent, resultDirName(now, lib.Header.GenomeLength))
	err := os.MkdirAll(parent, 0777)
	if err != nil {
		return "", err
	}
	err = os.Mkdir(outdir, 0777)
	if err != nil {
		return "", err
	}
	log.Infof("writing results to %s", outdir)
	if err = writeScoresCSV(filepath.Join(outdir, "results.csv"), res.Scores); err != nil {
		return "", err
	}
	if err = writeEigenvaluesCSV(filepath.Join(outdir, "eigenvalues.csv"), res.Eigenvalues); err != nil {
		return "", err
	}
	rows, cols := res.Scores.Dims()
	if err = writeNumpyFloat64(filepath.Join(outdir, "pca.npy"), denseData(res.Scores), rows, cols); err != nil {
		return "", err
	}
	if err = writeNumpyFloat64(filepath.Join(outdir, "eigenvalues.npy"), res.Eigenvalues, 1, len(res.Eigenvalues)); err != nil {
		return "", err
	}
	if withComponents {
		rows, cols := res.Components.Dims()
		if err = writeNumpyFloat64(filepath.Join(outdir, "components.npy"), denseData(res.Components), rows, cols); err != nil {
			return "", err
		}
	}
	if err = writeIndividualsCSV(filepath.Join(outdir, "individuals.csv"), lib.Names(), res.Scores); err != nil {
		return "", err
	}
	return outdir, nil
}

// denseData returns the elements of m in row-major order.
func denseData(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	data := make([]float64, 0, raw.Rows*raw.Cols)
	for i := 0; i < raw.Rows; i++ {
		data = append(data, raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols]...)
	}
	return data
}

// writeTextFile creates fnm and calls write with a buffered writer.
func writeTextFile(fnm string, write func(io.Writer) error) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	err = write(bufw)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return nil
}

// writeScoresCSV writes one line per individual, with one "%.6f"
// value per component.
func writeScoresCSV(fnm string, scores *mat.Dense) error {
	return writeTextFile(fnm, func(w io.Writer) error {
		rows, cols := scores.Dims()
		for i := 0; i < rows; i++ {
			for c := 0; c < cols; c++ {
				sep := ","
				if c == cols-1 {
					sep = "\n"
				}
				_, err := fmt.Fprintf(w, "%.6f%s", scores.At(i, c), sep)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// writeEigenvaluesCSV writes "component,eigenvalue" lines, numbering
// components from 1.
func writeEigenvaluesCSV(fnm string, eigenvalues []float64) error {
	return writeTextFile(fnm, func(w io.Writer) error {
		for c, ev := range eigenvalues {
			_, err := fmt.Fprintf(w, "%d,%.6f\n", c+1, ev)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func writeIndividualsCSV(fnm string, names []string, scores *mat.Dense) error {
	log.Infof("writing individual metadata to %s", fnm)
	return writeTextFile(fnm, func(w io.Writer) error {
		_, cols := scores.Dims()
		pcaLabels := ""
		for c := 0; c < cols; c++ {
			pcaLabels += fmt.Sprintf(",PCA%d", c)
		}
		_, err := fmt.Fprintf(w, "Index,Individual%s\n", pcaLabels)
		if err != nil {
			return err
		}
		for i, name := range names {
			var pcavals string
			for c := 0; c < cols; c++ {
				pcavals += fmt.Sprintf(",%f", scores.At(i, c))
			}
			_, err = fmt.Fprintf(w, "%d,%s%s\n", i, name, pcavals)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func writeNumpyFloat64(fnm string, out []float64, rows, cols int) error {
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriterSize(output, 1<<22)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"filename": fnm,
		"rows":     rows,
		"cols":     cols,
		"bytes":    rows * cols * 8,
	}).Infof("writing numpy: %s", fnm)
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(out)
	if err != nil {
		return fmt.Errorf("WriteFloat64: %w", err)
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}
