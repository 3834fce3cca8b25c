// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/arvados/stratify/snpscore"
	log "github.com/sirupsen/logrus"
)

// runtimeFlags are the flags shared by every subcommand that can run
// either locally or in an Arvados container.
type runtimeFlags struct {
	runLocal    bool
	projectUUID string
	priority    int
	pprof       string
	pprofDir    string
	loglevel    string
}

func (rf *runtimeFlags) Flags(flags *flag.FlagSet) {
	flags.BoolVar(&rf.runLocal, "local", false, "run on local host (default: run in an arvados container)")
	flags.StringVar(&rf.projectUUID, "project", "", "project `UUID` for output data")
	flags.IntVar(&rf.priority, "priority", 500, "container request priority")
	flags.StringVar(&rf.pprof, "pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&rf.pprofDir, "pprof-dir", "", "write Go profile data to `directory` periodically")
	flags.StringVar(&rf.loglevel, "loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
}

// Setup applies the log level and starts the requested profilers.
func (rf *runtimeFlags) Setup() error {
	lvl, err := log.ParseLevel(rf.loglevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if rf.pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(rf.pprof, nil))
		}()
	}
	if rf.pprofDir != "" {
		if err := os.MkdirAll(rf.pprofDir, 0777); err != nil {
			return err
		}
		go writeProfilesPeriodically(rf.pprofDir)
	}
	return nil
}

// Args returns the flags that make the containerized process run
// locally with the same log level.
func (rf *runtimeFlags) Args() []string {
	return []string{"-local=true", "-loglevel=" + rf.loglevel}
}

// Runner returns a container runner for the named subcommand.
func (rf *runtimeFlags) Runner(name string, ram int64, vcpus int) *arvadosContainerRunner {
	return &arvadosContainerRunner{
		Name:        "stratify " + name,
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: rf.projectUUID,
		RAM:         ram,
		VCPUs:       vcpus,
		Priority:    rf.priority,
	}
}

// scoringFlags exposes the variant scoring weights and the streaming
// chunk size.
type scoringFlags struct {
	params    snpscore.Params
	chunkSize int
}

func (sf *scoringFlags) Flags(flags *flag.FlagSet) {
	def := snpscore.DefaultParams()
	flags.Float64Var(&sf.params.TransitionWeight, "transition-weight", def.TransitionWeight, "base score of a transition (A<->G, C<->T)")
	flags.Float64Var(&sf.params.TransversionWeight, "transversion-weight", def.TransversionWeight, "base score of a transversion")
	flags.Float64Var(&sf.params.CpGMultiplier, "cpg-multiplier", def.CpGMultiplier, "score multiplier for variants at a reference CpG site")
	flags.Float64Var(&sf.params.ClusterFactor, "cluster-factor", def.ClusterFactor, "score increase per nearby mismatch")
	flags.Float64Var(&sf.params.LogisticScale, "logistic-scale", def.LogisticScale, "slope of the logistic transform")
	flags.IntVar(&sf.chunkSize, "chunk-size", DefaultChunkSize, "read `N` bytes of each input at a time")
}

func (sf *scoringFlags) Check() error {
	if sf.chunkSize < 1 {
		return fmt.Errorf("invalid chunk size %d", sf.chunkSize)
	}
	return sf.params.Check()
}

func (sf *scoringFlags) Args() []string {
	return []string{
		fmt.Sprintf("-transition-weight=%v", sf.params.TransitionWeight),
		fmt.Sprintf("-transversion-weight=%v", sf.params.TransversionWeight),
		fmt.Sprintf("-cpg-multiplier=%v", sf.params.CpGMultiplier),
		fmt.Sprintf("-cluster-factor=%v", sf.params.ClusterFactor),
		fmt.Sprintf("-logistic-scale=%v", sf.params.LogisticScale),
		fmt.Sprintf("-chunk-size=%d", sf.chunkSize),
	}
}

// pcaFlags configures the PCA phase.
type pcaFlags struct {
	components      int
	iterations      int
	seed            uint64
	maxMemory       int64
	writeComponents bool
}

func (pf *pcaFlags) Flags(flags *flag.FlagSet) {
	flags.IntVar(&pf.components, "components", 4, "number of principal components")
	flags.IntVar(&pf.iterations, "iterations", 20, "power iterations per component")
	flags.Uint64Var(&pf.seed, "seed", 0, "random seed for initial vectors (0 = use current time)")
	flags.Int64Var(&pf.maxMemory, "max-memory", 0, "fail if PCA needs more than `N` bytes of dense storage (0 = no limit)")
	flags.BoolVar(&pf.writeComponents, "write-components", false, "also write components.npy (components × genome length)")
}

func (pf *pcaFlags) Args() []string {
	return []string{
		fmt.Sprintf("-components=%d", pf.components),
		fmt.Sprintf("-iterations=%d", pf.iterations),
		fmt.Sprintf("-seed=%d", pf.seed),
		fmt.Sprintf("-max-memory=%d", pf.maxMemory),
		fmt.Sprintf("-write-components=%v", pf.writeComponents),
	}
}
