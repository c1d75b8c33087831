// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// downscaling_inspect reports on the training saved by downscaling_train in a --save_dir.
//
// Example:
//
//	downscaling_inspect --summary --params --metrics ~/work/unet
//
// It reads the options.json, the latest checkpoint and the run logs (metrics.csv) of the directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/downscaling/internal/options"
	"github.com/gomlx/downscaling/internal/runlog"
	"github.com/gomlx/downscaling/pkg/trainer"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagScope = flag.String("scope", "/generator",
		"Scope of the variables considered by --summary and --vars. Use \"/\" for all variables, "+
			"including the optimizers state.")
	flagSummary = flag.Bool("summary", true, "Display the options, global steps and the model sizes.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters saved with the checkpoint.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under --scope, with statistics of their values.")
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics of the latest run (saved in its %q).", runlog.MetricsFileName))
	flagMetricsNames = flag.String("metrics_names", "",
		"Comma-separated list of metric names to include in the metrics report. Default is all.")
	flagRuns = flag.Bool("runs", false, "Lists all the runs logged in the directory.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Exitf("Expected exactly one argument, the --save_dir of the training. See 'downscaling_inspect -help'")
	}
	if err := report(os.Stdout, args[0]); err != nil {
		klog.Exitf("Failed with error: %+v", err)
	}
}

// inspection of a training directory.
type inspection struct {
	saveDir string
	opts    *options.Options // nil if not found.
	ctx     *context.Context // nil if there are no checkpoints.
	runs    []runlog.Summary
}

func load(saveDir string) (*inspection, error) {
	in := &inspection{saveDir: saveDir}
	if _, err := os.Stat(saveDir); err != nil {
		return nil, errors.Wrapf(err, "reading %q", saveDir)
	}
	opts, err := options.Load(filepath.Join(saveDir, options.FileName))
	if err != nil {
		klog.Warningf("no options found in %q: %v", saveDir, err)
	} else {
		in.opts = opts
	}

	checkpointsDir := filepath.Join(saveDir, trainer.CheckpointsDirName)
	if _, err = os.Stat(checkpointsDir); err == nil {
		ctx := context.New()
		_, err = checkpoints.Build(ctx).Dir(checkpointsDir).Immediate().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "loading checkpoint from %q", checkpointsDir)
		}
		in.ctx = ctx
	}

	in.runs, err = runlog.List(saveDir)
	if err != nil {
		return nil, err
	}
	return in, nil
}
