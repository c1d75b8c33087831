// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ncdata

import (
	"reflect"
	"slices"
	"strings"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/gomlx/downscaling/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Suffixes used to classify the variables of a NetCDF file.
const (
	InputSuffix  = "_in"
	TargetSuffix = "_tar"
)

// Fields holds the variables read from one or more NetCDF files, stacked along the time axis.
//
// Input fields are on the coarse grid, shaped `[NumSamples, CoarseHeight, CoarseWidth]` each (flat,
// row-major), and the target field is on the fine grid, shaped `[NumSamples, FineHeight, FineWidth]`.
type Fields struct {
	InputNames []string
	TargetName string

	Inputs [][]float32
	Target []float32

	NumSamples                int
	CoarseHeight, CoarseWidth int
	FineHeight, FineWidth     int
}

// NumChannels is the number of input variables.
func (f *Fields) NumChannels() int { return len(f.InputNames) }

// Scale is the ratio between the fine and coarse grids. It is validated to be the same on both axes.
func (f *Fields) Scale() int { return f.FineHeight / f.CoarseHeight }

// CoarseSize is the number of values per sample of one input field.
func (f *Fields) CoarseSize() int { return f.CoarseHeight * f.CoarseWidth }

// FineSize is the number of values per sample of the target field.
func (f *Fields) FineSize() int { return f.FineHeight * f.FineWidth }

func (f *Fields) validate() error {
	if len(f.InputNames) == 0 {
		return errors.Errorf("no input variables (suffix %q) found", InputSuffix)
	}
	if f.CoarseHeight == 0 || f.CoarseWidth == 0 {
		return errors.Errorf("empty coarse grid %dx%d", f.CoarseHeight, f.CoarseWidth)
	}
	if f.FineHeight%f.CoarseHeight != 0 || f.FineWidth%f.CoarseWidth != 0 ||
		f.FineHeight/f.CoarseHeight != f.FineWidth/f.CoarseWidth {
		return errors.Errorf("target grid %dx%d is not an integer multiple of the input grid %dx%d",
			f.FineHeight, f.FineWidth, f.CoarseHeight, f.CoarseWidth)
	}
	return nil
}

// Append the samples of other to f. Both must hold the same variables on the same grids.
func (f *Fields) Append(other *Fields) error {
	if f.NumSamples == 0 && len(f.InputNames) == 0 {
		*f = *other
		return nil
	}
	if !slices.Equal(f.InputNames, other.InputNames) || f.TargetName != other.TargetName {
		return errors.Errorf("variables differ: %q/%q and %q/%q",
			f.InputNames, f.TargetName, other.InputNames, other.TargetName)
	}
	if f.CoarseHeight != other.CoarseHeight || f.CoarseWidth != other.CoarseWidth ||
		f.FineHeight != other.FineHeight || f.FineWidth != other.FineWidth {
		return errors.Errorf("grids differ: %dx%d/%dx%d and %dx%d/%dx%d",
			f.CoarseHeight, f.CoarseWidth, f.FineHeight, f.FineWidth,
			other.CoarseHeight, other.CoarseWidth, other.FineHeight, other.FineWidth)
	}
	for ii := range f.Inputs {
		f.Inputs[ii] = append(f.Inputs[ii], other.Inputs[ii]...)
	}
	f.Target = append(f.Target, other.Target...)
	f.NumSamples += other.NumSamples
	return nil
}

// ReadFiles reads (in parallel) and stacks all files, in the order given. See ReadFile.
// At most parallelism files are read at a time, see workerspool.Pool.SetMaxParallelism.
func ReadFiles(files []string, targetVar string, parallelism int) (*Fields, error) {
	pool := workerspool.New().SetMaxParallelism(parallelism)
	read, err := workerspool.Map(pool, len(files), func(ii int) (*Fields, error) {
		return ReadFile(files[ii], targetVar)
	})
	if err != nil {
		return nil, err
	}
	all := &Fields{}
	for ii, fields := range read {
		if err = all.Append(fields); err != nil {
			return nil, errors.WithMessagef(err, "stacking %q", files[ii])
		}
	}
	return all, nil
}

// ReadFile reads the input variables (names ending in InputSuffix, ordered by name) and the target
// variable of a NetCDF file.
//
// If targetVar is empty, the file must hold exactly one variable ending in TargetSuffix or the first
// one (by name) is used.
//
// Variables may be 2D (`[lat, lon]`, one sample) or 3D (`[time, lat, lon]`).
// Packed variables (with "scale_factor" / "add_offset" attributes) are unpacked.
func ReadFile(path, targetVar string) (*Fields, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening NetCDF file %q", path)
	}
	defer nc.Close()

	var inputNames, targetNames []string
	for _, name := range nc.ListVariables() {
		switch {
		case strings.HasSuffix(name, InputSuffix):
			inputNames = append(inputNames, name)
		case strings.HasSuffix(name, TargetSuffix):
			targetNames = append(targetNames, name)
		}
	}
	slices.Sort(inputNames)
	slices.Sort(targetNames)
	if targetVar == "" {
		if len(targetNames) == 0 {
			return nil, errors.Errorf("no target variable (suffix %q) in %q", TargetSuffix, path)
		}
		if len(targetNames) > 1 {
			klog.V(1).Infof("%q has %d target variables %q, using %q", path, len(targetNames), targetNames, targetNames[0])
		}
		targetVar = targetNames[0]
	} else if !slices.Contains(targetNames, targetVar) {
		return nil, errors.Errorf("target variable %q not found in %q (targets available: %q)", targetVar, path, targetNames)
	}

	fields := &Fields{InputNames: inputNames, TargetName: targetVar}
	for _, name := range inputNames {
		values, dims, err := readVariable(nc, name)
		if err != nil {
			return nil, errors.WithMessagef(err, "in %q", path)
		}
		numSamples, h, w, err := sampleDims(name, dims)
		if err != nil {
			return nil, errors.WithMessagef(err, "in %q", path)
		}
		if len(fields.Inputs) == 0 {
			fields.NumSamples, fields.CoarseHeight, fields.CoarseWidth = numSamples, h, w
		} else if numSamples != fields.NumSamples || h != fields.CoarseHeight || w != fields.CoarseWidth {
			return nil, errors.Errorf("input variable %q in %q has shape %v, expected [%d %d %d]",
				name, path, dims, fields.NumSamples, fields.CoarseHeight, fields.CoarseWidth)
		}
		fields.Inputs = append(fields.Inputs, values)
	}

	values, dims, err := readVariable(nc, targetVar)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", path)
	}
	numSamples, h, w, err := sampleDims(targetVar, dims)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", path)
	}
	if len(fields.Inputs) > 0 && numSamples != fields.NumSamples {
		return nil, errors.Errorf("target %q in %q has %d samples, inputs have %d", targetVar, path, numSamples, fields.NumSamples)
	}
	fields.NumSamples, fields.FineHeight, fields.FineWidth = numSamples, h, w
	fields.Target = values
	if err = fields.validate(); err != nil {
		return nil, errors.WithMessagef(err, "in %q", path)
	}
	klog.V(1).Infof("read %q: %d samples, %d channels %dx%d -> %dx%d", path, fields.NumSamples,
		fields.NumChannels(), fields.CoarseHeight, fields.CoarseWidth, fields.FineHeight, fields.FineWidth)
	return fields, nil
}

func sampleDims(name string, dims []int) (numSamples, height, width int, err error) {
	switch len(dims) {
	case 2:
		return 1, dims[0], dims[1], nil
	case 3:
		return dims[0], dims[1], dims[2], nil
	default:
		return 0, 0, 0, errors.Errorf("variable %q has rank %d, only [lat, lon] or [time, lat, lon] are supported", name, len(dims))
	}
}

// readVariable returns the flat values of the variable as float32 and its dimensions.
func readVariable(nc api.Group, name string) ([]float32, []int, error) {
	v, err := nc.GetVariable(name)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading variable %q", name)
	}
	values, dims, err := flattenValues(v.Values)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "variable %q", name)
	}
	if v.Attributes != nil {
		scale, offset := 1.0, 0.0
		if attr, found := v.Attributes.Get("scale_factor"); found {
			if s, ok := toFloat64(attr); ok {
				scale = s
			}
		}
		if attr, found := v.Attributes.Get("add_offset"); found {
			if o, ok := toFloat64(attr); ok {
				offset = o
			}
		}
		if scale != 1 || offset != 0 {
			for ii, value := range values {
				values[ii] = float32(float64(value)*scale + offset)
			}
		}
	}
	return values, dims, nil
}

// flattenValues converts the nested slices returned by the NetCDF reader into a flat
// row-major []float32 and the list of dimensions.
func flattenValues(values any) ([]float32, []int, error) {
	rv := reflect.ValueOf(values)
	var dims []int
	for t := rv; t.Kind() == reflect.Slice; {
		dims = append(dims, t.Len())
		if t.Len() == 0 {
			break
		}
		t = t.Index(0)
	}
	if len(dims) == 0 {
		return nil, nil, errors.Errorf("expected an array, got %T", values)
	}
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float32, 0, size)
	var walk func(v reflect.Value, depth int) error
	walk = func(v reflect.Value, depth int) error {
		if depth < len(dims) {
			if v.Kind() != reflect.Slice || v.Len() != dims[depth] {
				return errors.Errorf("ragged array at depth %d", depth)
			}
			for ii := 0; ii < v.Len(); ii++ {
				if err := walk(v.Index(ii), depth+1); err != nil {
					return err
				}
			}
			return nil
		}
		f, ok := toFloat64(v.Interface())
		if !ok {
			return errors.Errorf("unsupported value type %s", v.Type())
		}
		flat = append(flat, float32(f))
		return nil
	}
	if err := walk(rv, 0); err != nil {
		return nil, nil, err
	}
	return flat, dims, nil
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case []float32:
		if len(v) == 1 {
			return float64(v[0]), true
		}
	case []float64:
		if len(v) == 1 {
			return v[0], true
		}
	}
	return 0, false
}
