// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ncdata

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// StatisticsFileName is the file where normalization statistics are saved, in the training data
// directory (or the directory given by WithStatPath).
const StatisticsFileName = "statistics.json"

// DatasetType selects the transformation applied to the target variable before normalization.
type DatasetType string

const (
	// Temperature targets are normalized as they are.
	Temperature DatasetType = "temperature"

	// Precipitation targets are heavy-tailed and non-negative: they go through log(1+x) first.
	Precipitation DatasetType = "precipitation"
)

// ParseDatasetType converts the command line value.
func ParseDatasetType(name string) (DatasetType, error) {
	switch DatasetType(name) {
	case Temperature, Precipitation:
		return DatasetType(name), nil
	}
	return "", errors.Errorf("unknown dataset type %q, valid values are %q and %q", name, Temperature, Precipitation)
}

// Transform applies the forward transformation to a target value.
func (dt DatasetType) Transform(x float32) float32 {
	if dt == Precipitation {
		return float32(math.Log1p(math.Max(float64(x), 0)))
	}
	return x
}

// Inverse undoes Transform.
func (dt DatasetType) Inverse(x float32) float32 {
	if dt == Precipitation {
		return float32(math.Expm1(float64(x)))
	}
	return x
}

// Moments of one variable.
type Moments struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Statistics holds the normalization moments of each variable, keyed by variable name.
type Statistics map[string]Moments

// computeMoments returns the mean and standard deviation of values. A zero standard deviation
// is replaced by 1, so normalization is always defined.
func computeMoments(values []float32) Moments {
	if len(values) == 0 {
		return Moments{Std: 1}
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / float64(len(values))
	var sumSq float64
	for _, v := range values {
		d := float64(v) - mean
		sumSq += d * d
	}
	std := math.Sqrt(sumSq / float64(len(values)))
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	return Moments{Mean: mean, Std: std}
}

// ComputeStatistics of the input variables and the (already transformed) target of fields.
func ComputeStatistics(fields *Fields) Statistics {
	stats := make(Statistics, len(fields.InputNames)+1)
	for ii, name := range fields.InputNames {
		stats[name] = computeMoments(fields.Inputs[ii])
	}
	stats[fields.TargetName] = computeMoments(fields.Target)
	return stats
}

// Save the statistics as StatisticsFileName in dir.
func (s Statistics) Save(dir string) error {
	contents, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return errors.Wrap(err, "serializing statistics")
	}
	path := filepath.Join(dir, StatisticsFileName)
	return errors.Wrapf(os.WriteFile(path, contents, 0o644), "writing statistics to %q", path)
}

// LoadStatistics from StatisticsFileName in dir.
func LoadStatistics(dir string) (Statistics, error) {
	path := filepath.Join(dir, StatisticsFileName)
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading statistics from %q -- it is created when loading the training data", path)
	}
	var s Statistics
	if err = json.Unmarshal(contents, &s); err != nil {
		return nil, errors.Wrapf(err, "parsing statistics in %q", path)
	}
	return s, nil
}

// Check that all variables of fields have statistics.
func (s Statistics) Check(fields *Fields) error {
	for _, name := range append(append([]string(nil), fields.InputNames...), fields.TargetName) {
		if _, found := s[name]; !found {
			return errors.Errorf("no normalization statistics for variable %q", name)
		}
	}
	return nil
}

// Normalize values of the named variable in place.
func (s Statistics) Normalize(name string, values []float32) {
	m := s[name]
	for ii, v := range values {
		values[ii] = float32((float64(v) - m.Mean) / m.Std)
	}
}

// Denormalize values of the named variable in place.
func (s Statistics) Denormalize(name string, values []float32) {
	m := s[name]
	for ii, v := range values {
		values[ii] = float32(float64(v)*m.Std + m.Mean)
	}
}
