// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/downscaling/internal/device"
	"github.com/gomlx/downscaling/internal/options"
	"github.com/gomlx/downscaling/internal/runlog"
	"github.com/gomlx/downscaling/pkg/models"
	"github.com/gomlx/downscaling/pkg/ncdata"
	"github.com/gomlx/downscaling/pkg/trainer"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var summaryStyle = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder()).
	Padding(1, 4, 1, 4).
	Width(60)

// runSettings that are not part of the saved options.
type runSettings struct {
	progressBar bool
	verbosity   int
}

// trainable is implemented by the models built by the trainer package.
type trainable interface {
	trainer.Model
	LearningRate() float64
}

// run builds the loaders, selects and builds the model and trains it.
func run(backend backends.Backend, ctx *context.Context, opts *options.Options, paramsSet []string,
	settings runSettings) error {
	modelType, err := models.ParseType(opts.ModelType)
	if err != nil {
		return err
	}
	report := device.Detect(backend)
	klog.Infof("%s", report)
	if settings.verbosity >= 1 {
		fmt.Printf("Training on %s (%s)\n", report.Device, report.Description)
	}
	if err = models.CheckTrainingSupport(backend); err != nil {
		return err
	}

	datasetType, err := ncdata.ParseDatasetType(opts.DatasetType)
	if err != nil {
		return err
	}
	loaderOptions := []ncdata.LoaderOption{
		ncdata.WithPatchSize(opts.LoaderPatchSize),
		ncdata.WithBatchSize(opts.BatchSize),
		ncdata.WithTargetVar(opts.TargetVar),
		ncdata.WithDatasetType(datasetType),
		ncdata.WithHour(opts.Hour),
		ncdata.WithParallelism(opts.Parallelism),
	}
	trainDS, err := ncdata.CreateLoader(opts.TrainDir, append(loaderOptions, ncdata.WithMode(ncdata.Train))...)
	if err != nil {
		return errors.WithMessagef(err, "creating training loader from %q", opts.TrainDir)
	}
	valDS, err := ncdata.CreateLoader(opts.ValDir,
		append(loaderOptions, ncdata.WithMode(ncdata.Test), ncdata.WithStatPath(opts.TrainDir))...)
	if err != nil {
		return errors.WithMessagef(err, "creating validation loader from %q", opts.ValDir)
	}

	fmt.Printf("The model %s is selected for training\n", modelType)
	if trainDS.NumChannels() != opts.NumChannels {
		return errors.Errorf("--n_channels=%d, but the data in %q has %d input variables",
			opts.NumChannels, opts.TrainDir, trainDS.NumChannels())
	}
	sel, err := models.Select(modelType, models.Config{
		NumChannels:     opts.NumChannels,
		Scale:           trainDS.Scale(),
		InputSize:       trainDS.PatchSize(),
		PatchSize:       opts.PatchSize,
		WindowSize:      opts.WindowSize,
		UpscaleSwinIR:   opts.UpscaleSwinIR,
		UpsamplerSwinIR: opts.UpsamplerSwinIR,
		Timesteps:       opts.Timesteps,
		Conditional:     opts.Conditional,
	})
	if err != nil {
		return err
	}

	inputShape := shapes.Make(dtypes.Float32, 1, trainDS.PatchSize(), trainDS.PatchSize(), trainDS.NumChannels())
	counts, err := models.CountParameters(backend, ctx, sel, inputShape)
	if err != nil {
		return err
	}
	fmt.Println(summaryStyle.Render(parametersSummary(sel, trainDS, counts)))

	runLog, err := runlog.New(opts.SaveDir, string(modelType))
	if err != nil {
		return err
	}
	cfg := trainer.Config{
		SaveDir:        opts.SaveDir,
		Epochs:         opts.Epochs,
		CheckpointSave: opts.CheckpointSave,
		ExcludeParams:  paramsSet,
		RunLog:         runLog,
		ProgressBar:    settings.progressBar,
		Snapshots:      true,
	}
	var model trainable
	if modelType == models.WGAN {
		model, err = trainer.BuildWGANModel(backend, ctx, sel, trainDS, valDS, cfg)
	} else {
		model, err = trainer.BuildModel(backend, ctx, sel, trainDS, valDS, cfg)
	}
	if err != nil {
		return discardRunLog(runLog, err)
	}
	err = runLog.SetConfig(map[string]any{
		"lr":          model.LearningRate(),
		"train_dir":   opts.TrainDir,
		"val_dir":     opts.ValDir,
		"epochs":      opts.Epochs,
		"window_size": opts.WindowSize,
		"patch_size":  opts.PatchSize,
		"model_type":  opts.ModelType,
		"set":         opts.Settings,
	})
	if err != nil {
		return discardRunLog(runLog, err)
	}

	err = model.Fit()
	if closeErr := runLog.Close(); closeErr != nil {
		if err == nil {
			return closeErr
		}
		klog.Errorf("failed to close run log: %+v", closeErr)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Run log saved in %q\n", runLog.Dir)
	return nil
}

// discardRunLog removes the directory of a run that failed before training started, and returns err.
func discardRunLog(runLog *runlog.Run, err error) error {
	if discardErr := runLog.Discard(); discardErr != nil {
		klog.Errorf("failed to discard run log: %+v", discardErr)
	}
	return err
}

func parametersSummary(sel *models.Selection, ds *ncdata.Dataset, counts models.ParameterCounts) string {
	s := fmt.Sprintf("Model: %s\nInputs: %d variables, %dx%d patches (x%d)\nGenerator parameters: %s",
		sel.Type, ds.NumChannels(), ds.PatchSize(), ds.PatchSize(), ds.Scale(), humanize.Comma(int64(counts.Generator)))
	if sel.Critic != nil {
		s += fmt.Sprintf("\nCritic parameters: %s", humanize.Comma(int64(counts.Critic)))
	}
	return s
}
