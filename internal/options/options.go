// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package options holds the command line options of a training run and their persistence
// as `options.json` in the checkpoint directory.
package options

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/pkg/errors"
)

// FileName of the serialized options, saved in the checkpoint directory.
const FileName = "options.json"

// Upsamplers accepted by SwinIR.
var Upsamplers = []string{"pixelshuffle", "nearest+conv"}

// DatasetTypes accepted by the loaders.
var DatasetTypes = []string{"temperature", "precipitation"}

// Options of one training run. The JSON names match the command line flags.
type Options struct {
	TrainDir  string `json:"train_dir"`
	ValDir    string `json:"val_dir"`
	SaveDir   string `json:"save_dir"`
	Epochs    int    `json:"epochs"`
	ModelType string `json:"model_type"`

	// SwinIR and SwinUNet.
	PatchSize  int `json:"patch_size"`
	WindowSize int `json:"window_size"`

	// SwinIR only.
	UpscaleSwinIR   int    `json:"upscale_swinIR"`
	UpsamplerSwinIR string `json:"upsampler_swinIR"`

	// Diffusion.
	Conditional bool `json:"conditional"`
	Timesteps   int  `json:"timesteps"`

	NumChannels     int    `json:"n_channels"`
	CheckpointSave  int    `json:"checkpoint_save"`
	DatasetType     string `json:"dataset_type"`
	LoaderPatchSize int    `json:"loader_patch_size"`
	BatchSize       int    `json:"batch_size"`
	TargetVar       string `json:"target_var"`
	Hour            int    `json:"hour"`
	Parallelism     int    `json:"parallelism"`
	Settings        string `json:"set"`
}

// Default returns the options with the default values of the command line flags.
func Default() *Options {
	return &Options{
		Epochs:          2,
		ModelType:       "unet",
		PatchSize:       2,
		WindowSize:      4,
		UpscaleSwinIR:   4,
		UpsamplerSwinIR: "pixelshuffle",
		Conditional:     true,
		Timesteps:       200,
		NumChannels:     8,
		CheckpointSave:  200,
		DatasetType:     "temperature",
		LoaderPatchSize: 16,
		BatchSize:       32,
		Hour:            -1,
		Parallelism:     runtime.NumCPU(),
	}
}

// Validate checks that the options are consistent. The model type is not checked here:
// unknown model types are reported when the model is selected.
func (o *Options) Validate() error {
	if o.TrainDir == "" {
		return errors.New("--train_dir is required")
	}
	if o.ValDir == "" {
		return errors.New("--val_dir is required")
	}
	if o.SaveDir == "" {
		return errors.New("--save_dir is required")
	}
	positives := []struct {
		name  string
		value int
	}{
		{"epochs", o.Epochs},
		{"patch_size", o.PatchSize},
		{"window_size", o.WindowSize},
		{"upscale_swinIR", o.UpscaleSwinIR},
		{"timesteps", o.Timesteps},
		{"n_channels", o.NumChannels},
		{"checkpoint_save", o.CheckpointSave},
		{"loader_patch_size", o.LoaderPatchSize},
		{"batch_size", o.BatchSize},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return errors.Errorf("--%s must be > 0, got %d", p.name, p.value)
		}
	}
	if !slices.Contains(Upsamplers, o.UpsamplerSwinIR) {
		return errors.Errorf("--upsampler_swinIR must be one of %q, got %q", Upsamplers, o.UpsamplerSwinIR)
	}
	if !slices.Contains(DatasetTypes, o.DatasetType) {
		return errors.Errorf("--dataset_type must be one of %q, got %q", DatasetTypes, o.DatasetType)
	}
	if o.Hour < -1 || o.Hour > 23 {
		return errors.Errorf("--hour must be -1 (all files) or in [0, 23], got %d", o.Hour)
	}
	return nil
}

// Save the options as `options.json` in dir, creating dir if needed.
// Keys are sorted and indented with 4 spaces. It returns the path of the file written.
func (o *Options) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating save directory %q", dir)
	}
	// Round-trip through a map so the keys come out sorted.
	asMap := make(map[string]any)
	raw, err := json.Marshal(o)
	if err != nil {
		return "", errors.Wrap(err, "serializing options")
	}
	if err = json.Unmarshal(raw, &asMap); err != nil {
		return "", errors.Wrap(err, "serializing options")
	}
	contents, err := json.MarshalIndent(asMap, "", "    ")
	if err != nil {
		return "", errors.Wrap(err, "serializing options")
	}
	path := filepath.Join(dir, FileName)
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing %q", path)
	}
	return path, nil
}

// Load options previously saved with Save.
func Load(path string) (*Options, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading options from %q", path)
	}
	o := Default()
	if err = json.Unmarshal(contents, o); err != nil {
		return nil, errors.Wrapf(err, "parsing options in %q", path)
	}
	return o, nil
}
