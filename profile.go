// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

const profileInterval = time.Minute

func writeProfilesPeriodically(outdir string) {
	for range time.NewTicker(profileInterval).C {
		writeProfile(outdir, "mem.prof", func(f *os.File) error {
			runtime.GC()
			return pprof.WriteHeapProfile(f)
		})
		writeProfile(outdir, "cpu.prof", func(f *os.File) error {
			if err := pprof.StartCPUProfile(f); err != nil {
				return err
			}
			time.Sleep(time.Second)
			pprof.StopCPUProfile()
			return nil
		})
	}
}

// writeProfile writes outdir/name~ and renames it to outdir/name.
func writeProfile(outdir, name string, write func(*os.File) error) {
	tmp := filepath.Join(outdir, name+"~")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	if err = write(f); err != nil {
		log.Print(err)
		return
	}
	if err = f.Close(); err != nil {
		log.Print(err)
		return
	}
	if err = os.Rename(tmp, filepath.Join(outdir, name)); err != nil {
		log.Print(err)
	}
}
