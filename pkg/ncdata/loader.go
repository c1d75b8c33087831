// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ncdata reads climate fields from NetCDF files and serves them as normalized
// patch datasets for training downscaling models.
//
// Input variables are the ones whose name ends in "_in" (coarse grid) and the target is a
// variable ending in "_tar" (fine grid, an integer multiple of the coarse one).
//
// Typical usage, mirroring the training and validation loaders of a run:
//
//	trainDS, err := ncdata.CreateLoader(trainDir, ncdata.WithPatchSize(16))
//	...
//	valDS, err := ncdata.CreateLoader(valDir, ncdata.WithMode(ncdata.Test),
//		ncdata.WithStatPath(trainDir), ncdata.WithPatchSize(16))
package ncdata

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Default loader configuration.
const (
	DefaultPatchSize = 16
	DefaultBatchSize = 32
)

type loaderConfig struct {
	mode        Mode
	statPath    string
	patchSize   int
	batchSize   int
	targetVar   string
	datasetType DatasetType
	hour        int
	seed        uint64
	parallelism int
}

// LoaderOption configures CreateLoader.
type LoaderOption func(c *loaderConfig)

// WithMode sets Train (default) or Test mode.
func WithMode(mode Mode) LoaderOption { return func(c *loaderConfig) { c.mode = mode } }

// WithStatPath sets the directory where the normalization statistics are saved (Train mode)
// or read from (Test mode). It defaults to the data directory.
func WithStatPath(dir string) LoaderOption { return func(c *loaderConfig) { c.statPath = dir } }

// WithPatchSize sets the size of the input patches, on the coarse grid. 0 uses the whole grid.
func WithPatchSize(size int) LoaderOption { return func(c *loaderConfig) { c.patchSize = size } }

// WithBatchSize sets the number of patches per batch.
func WithBatchSize(size int) LoaderOption { return func(c *loaderConfig) { c.batchSize = size } }

// WithTargetVar selects the target variable, when the files have more than one.
func WithTargetVar(name string) LoaderOption { return func(c *loaderConfig) { c.targetVar = name } }

// WithDatasetType selects the target transformation, see DatasetType.
func WithDatasetType(dt DatasetType) LoaderOption {
	return func(c *loaderConfig) { c.datasetType = dt }
}

// WithHour only loads files whose name carries the given hour of the day. -1 loads all files.
func WithHour(hour int) LoaderOption { return func(c *loaderConfig) { c.hour = hour } }

// WithSeed sets the seed used to shuffle samples and pick patches in Train mode.
func WithSeed(seed uint64) LoaderOption { return func(c *loaderConfig) { c.seed = seed } }

// WithParallelism sets how many files are read concurrently. It defaults to the number of
// CPUs, 0 reads them one at a time and a negative value doesn't limit it.
func WithParallelism(n int) LoaderOption { return func(c *loaderConfig) { c.parallelism = n } }

func newLoaderConfig(options []LoaderOption) *loaderConfig {
	c := &loaderConfig{
		mode:        Train,
		patchSize:   DefaultPatchSize,
		batchSize:   DefaultBatchSize,
		datasetType: Temperature,
		hour:        -1,
		seed:        42,
		parallelism: runtime.NumCPU(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// CreateLoader reads all NetCDF files in dir and returns a Dataset of normalized patches.
//
// In Train mode the normalization statistics are computed from the data and saved (see
// WithStatPath); in Test mode they are loaded from there.
func CreateLoader(dir string, options ...LoaderOption) (*Dataset, error) {
	c := newLoaderConfig(options)
	if c.statPath == "" {
		c.statPath = dir
	}
	files, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}
	if c.hour >= 0 {
		files, err = SubsetFilesOnDate(files, c.hour, false)
		if err != nil {
			return nil, errors.WithMessagef(err, "selecting files in %q", dir)
		}
	}
	if start, end, err := DateRange(files); err == nil {
		klog.V(1).Infof("files in %q cover %s to %s", dir, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	fields, err := ReadFiles(files, c.targetVar, c.parallelism)
	if err != nil {
		return nil, err
	}
	klog.Infof("loaded %d files from %q: %d samples, variables %q -> %q", len(files), dir,
		fields.NumSamples, fields.InputNames, fields.TargetName)
	name := fmt.Sprintf("%s:%s", c.mode, filepath.Base(filepath.Clean(dir)))
	return fromFields(name, fields, c)
}

// FromFields creates a Dataset from fields already in memory. It follows the same steps as
// CreateLoader once the files are read: fields are transformed and normalized in place.
func FromFields(name string, fields *Fields, options ...LoaderOption) (*Dataset, error) {
	return fromFields(name, fields, newLoaderConfig(options))
}

func fromFields(name string, fields *Fields, c *loaderConfig) (*Dataset, error) {
	if err := fields.validate(); err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	for ii, v := range fields.Target {
		fields.Target[ii] = c.datasetType.Transform(v)
	}

	var stats Statistics
	var err error
	switch c.mode {
	case Train:
		stats = ComputeStatistics(fields)
		if c.statPath != "" {
			if err = stats.Save(c.statPath); err != nil {
				return nil, err
			}
		}
	case Test:
		if c.statPath == "" {
			return nil, errors.Errorf("dataset %q: test mode requires the path to the training statistics", name)
		}
		stats, err = LoadStatistics(c.statPath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("dataset %q: unknown mode %q", name, c.mode)
	}
	if err = stats.Check(fields); err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	for ii, inputName := range fields.InputNames {
		stats.Normalize(inputName, fields.Inputs[ii])
	}
	stats.Normalize(fields.TargetName, fields.Target)
	return NewDataset(name, fields, stats, c.datasetType, c.mode, c.patchSize, c.batchSize, c.seed)
}
