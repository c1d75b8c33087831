// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// downscaling_train trains a downscaling (super-resolution) model on climate NetCDF data.
//
// Example:
//
//	downscaling_train --train_dir=data/train --val_dir=data/val --save_dir=~/work/unet \
//		--model_type=unet --epochs=10 --set="learning_rate=1e-4;unet_channels_list=32,64,128"
//
// The command line options are saved in `<save_dir>/options.json` before training starts. Checkpoints are
// saved under `<save_dir>/checkpoints`, and training continues from the last one if it exists.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/downscaling/internal/options"
	"github.com/gomlx/downscaling/pkg/models"
	"github.com/gomlx/downscaling/pkg/trainer"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var defaults = options.Default()

var (
	flagTrainDir  = flag.String("train_dir", "", "Directory with the training NetCDF (.nc) files.")
	flagValDir    = flag.String("val_dir", "", "Directory with the validation NetCDF (.nc) files.")
	flagSaveDir   = flag.String("save_dir", "", "Directory where options, checkpoints and results are saved.")
	flagEpochs    = flag.Int("epochs", defaults.Epochs, "Number of epochs to train.")
	flagModelType = flag.String("model_type", defaults.ModelType,
		fmt.Sprintf("Type of model, one of %q.", models.Types))
	flagPatchSize  = flag.Int("patch_size", defaults.PatchSize, "Size of the tokens of SwinIR, SwinUNet and ViT-SR.")
	flagWindowSize = flag.Int("window_size", defaults.WindowSize,
		"Size of the attention windows of SwinIR and SwinUNet, in tokens.")
	flagUpscaleSwinIR   = flag.Int("upscale_swinIR", defaults.UpscaleSwinIR, "Upscale factor of SwinIR.")
	flagUpsamplerSwinIR = flag.String("upsampler_swinIR", defaults.UpsamplerSwinIR,
		fmt.Sprintf("Reconstruction head of SwinIR, one of %q.", options.Upsamplers))
	flagConditional = flag.Bool("conditional", defaults.Conditional,
		"Whether the diffusion model is conditioned on the coarse inputs.")
	flagTimesteps      = flag.Int("timesteps", defaults.Timesteps, "Number of diffusion steps.")
	flagNumChannels    = flag.Int("n_channels", defaults.NumChannels, "Number of input variables in the data files.")
	flagCheckpointSave = flag.Int("checkpoint_save", defaults.CheckpointSave, "Number of steps between checkpoints.")
	flagDatasetType    = flag.String("dataset_type", defaults.DatasetType,
		fmt.Sprintf("Type of the target variable, one of %q.", options.DatasetTypes))
	flagLoaderPatchSize = flag.Int("loader_patch_size", defaults.LoaderPatchSize,
		"Size of the coarse patches yielded by the data loaders.")
	flagBatchSize = flag.Int("batch_size", defaults.BatchSize, "Batch size.")
	flagTargetVar = flag.String("target_var", defaults.TargetVar,
		"Name of the target variable, if the files have more than one \"*_tar\" variable.")
	flagHour        = flag.Int("hour", defaults.Hour, "If >= 0, only use the files of this hour of the day.")
	flagParallelism = flag.Int("parallelism", defaults.Parallelism,
		"Number of data files read concurrently: 0 reads one at a time, negative doesn't limit it.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

// createDefaultContext with the default hyperparameters of the models and of the training.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(models.DefaultParams())
	ctx.SetParams(trainer.DefaultParams())
	return ctx
}

func optionsFromFlags(settings string) *options.Options {
	return &options.Options{
		TrainDir:        *flagTrainDir,
		ValDir:          *flagValDir,
		SaveDir:         *flagSaveDir,
		Epochs:          *flagEpochs,
		ModelType:       *flagModelType,
		PatchSize:       *flagPatchSize,
		WindowSize:      *flagWindowSize,
		UpscaleSwinIR:   *flagUpscaleSwinIR,
		UpsamplerSwinIR: *flagUpsamplerSwinIR,
		Conditional:     *flagConditional,
		Timesteps:       *flagTimesteps,
		NumChannels:     *flagNumChannels,
		CheckpointSave:  *flagCheckpointSave,
		DatasetType:     *flagDatasetType,
		LoaderPatchSize: *flagLoaderPatchSize,
		BatchSize:       *flagBatchSize,
		TargetVar:       *flagTargetVar,
		Hour:            *flagHour,
		Parallelism:     *flagParallelism,
		Settings:        settings,
	}
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	opts := optionsFromFlags(*settings)
	if err := opts.Validate(); err != nil {
		klog.Exitf("Invalid options: %v", err)
	}
	path, err := opts.Save(opts.SaveDir)
	if err != nil {
		klog.Exitf("Failed to save options: %+v", err)
	}
	klog.V(1).Infof("options saved to %q", path)

	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Exitf("Failed to parse --set=%q: %+v", *settings, err)
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	backend := backends.MustNew()
	err = run(backend, ctx, opts, paramsSet, runSettings{progressBar: true, verbosity: *flagVerbosity})
	backend.Finalize()
	if err != nil {
		klog.Exitf("Failed with error: %+v", err)
	}
}
