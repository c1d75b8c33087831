// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ncdata

import (
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticFields creates numSamples samples with 2 input channels on a coarse x coarse grid
// and a target on a (coarse*scale)^2 grid.
//
// Input values are sample*100 + channel*10 + flat index, and target values are sample*1000 + flat index.
func syntheticFields(numSamples, coarse, scale int) *Fields {
	fine := coarse * scale
	f := &Fields{
		InputNames:   []string{"t2m_in", "z_in"},
		TargetName:   "t2m_tar",
		Inputs:       make([][]float32, 2),
		NumSamples:   numSamples,
		CoarseHeight: coarse,
		CoarseWidth:  coarse,
		FineHeight:   fine,
		FineWidth:    fine,
	}
	for s := 0; s < numSamples; s++ {
		for c := range f.Inputs {
			for idx := 0; idx < coarse*coarse; idx++ {
				f.Inputs[c] = append(f.Inputs[c], float32(s*100+c*10+idx))
			}
		}
		for idx := 0; idx < fine*fine; idx++ {
			f.Target = append(f.Target, float32(s*1000+idx))
		}
	}
	return f
}

func TestDatasetTestMode(t *testing.T) {
	fields := syntheticFields(3, 4, 2)
	ds, err := NewDataset("test", fields, nil, Temperature, Test, 2, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Scale())
	assert.Equal(t, 2, ds.NumChannels())
	assert.Equal(t, 2, ds.NumBatches())

	// First batch: samples 0 and 1, patches centered at row=1, col=1.
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 1)
	assert.Equal(t, []int{2, 2, 2, 2}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 4, 1}, labels[0].Shape().Dimensions)

	coarse := tensors.MustCopyFlatData[float32](inputs[0])
	// Sample 1, y=1, x=0, channel 1 -> coarse index (1+1)*4 + (1+0) = 9.
	assert.Equal(t, float32(100+10+9), coarse[((1*2+1)*2+0)*2+1])
	fine := tensors.MustCopyFlatData[float32](labels[0])
	// Sample 0, y=3, x=2 -> fine index (2+3)*8 + (2+2) = 44.
	assert.Equal(t, float32(44), fine[(0*4+3)*4+2])

	// Last partial batch: only sample 2.
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 2}, inputs[0].Shape().Dimensions)

	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestDatasetTrainMode(t *testing.T) {
	fields := syntheticFields(5, 4, 3)
	ds, err := NewDataset("train", fields, nil, Temperature, Train, 2, 2, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumBatches())

	seen := 0
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2, 2, 2}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{2, 6, 6, 1}, labels[0].Shape().Dimensions)

		// The fine patch must be aligned with the coarse patch: recover the sample and offsets
		// from the first coarse value of each example, and check the first fine value.
		coarse := tensors.MustCopyFlatData[float32](inputs[0])
		fine := tensors.MustCopyFlatData[float32](labels[0])
		for example := 0; example < 2; example++ {
			first := int(coarse[example*2*2*2])
			sample, idx := first/100, first%100
			row, col := idx/4, idx%4
			assert.Equal(t, float32(sample*1000+(row*3)*12+col*3), fine[example*6*6])
		}
		seen++
	}
	// The partial batch is dropped in train mode.
	assert.Equal(t, 2, seen)
}

func TestDatasetErrors(t *testing.T) {
	_, err := NewDataset("x", syntheticFields(2, 4, 2), nil, Temperature, Test, 5, 1, 0)
	require.ErrorContains(t, err, "patch size")
	_, err = NewDataset("x", syntheticFields(2, 4, 2), nil, Temperature, Train, 2, 3, 0)
	require.ErrorContains(t, err, "batch size")
	_, err = NewDataset("x", &Fields{}, nil, Temperature, Train, 2, 3, 0)
	require.ErrorContains(t, err, "no samples")
}

func TestFromFieldsNormalization(t *testing.T) {
	statDir := t.TempDir()
	trainDS, err := FromFields("train", syntheticFields(4, 4, 2),
		WithStatPath(statDir), WithPatchSize(0), WithBatchSize(2))
	require.NoError(t, err)
	assert.Equal(t, 4, trainDS.PatchSize())
	assert.FileExists(t, filepath.Join(statDir, StatisticsFileName))

	// Normalized inputs of the whole training set have mean 0 and std 1.
	for c := range trainDS.fields.Inputs {
		m := computeMoments(trainDS.fields.Inputs[c])
		assert.InDelta(t, 0.0, m.Mean, 1e-4)
		assert.InDelta(t, 1.0, m.Std, 1e-4)
	}

	// Test mode reuses the training statistics.
	testDS, err := FromFields("test", syntheticFields(2, 4, 2),
		WithMode(Test), WithStatPath(statDir), WithPatchSize(0), WithBatchSize(2))
	require.NoError(t, err)
	assert.Equal(t, trainDS.Statistics(), testDS.Statistics())

	values := []float32{0, 1}
	testDS.DenormalizeTarget(values)
	m := testDS.Statistics()["t2m_tar"]
	assert.InDelta(t, m.Mean, float64(values[0]), 1e-3)
	assert.InDelta(t, m.Mean+m.Std, float64(values[1]), 1e-3)

	_, err = FromFields("test", syntheticFields(2, 4, 2), WithMode(Test), WithStatPath(t.TempDir()))
	require.ErrorContains(t, err, StatisticsFileName)
}

func TestStatistics(t *testing.T) {
	m := computeMoments([]float32{1, 2, 3, 4})
	assert.InDelta(t, 2.5, m.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(1.25), m.Std, 1e-9)

	// Constant fields get a std of 1.
	assert.Equal(t, Moments{Mean: 3, Std: 1}, computeMoments([]float32{3, 3, 3}))

	dir := t.TempDir()
	stats := ComputeStatistics(syntheticFields(2, 4, 2))
	require.NoError(t, stats.Save(dir))
	loaded, err := LoadStatistics(dir)
	require.NoError(t, err)
	assert.Equal(t, stats, loaded)

	delete(loaded, "z_in")
	require.ErrorContains(t, loaded.Check(syntheticFields(1, 4, 2)), "z_in")
}

func TestDatasetType(t *testing.T) {
	dt, err := ParseDatasetType("precipitation")
	require.NoError(t, err)
	assert.Equal(t, Precipitation, dt)
	assert.InDelta(t, math.Log(3), float64(dt.Transform(2)), 1e-6)
	assert.InDelta(t, 2.0, float64(dt.Inverse(dt.Transform(2))), 1e-5)
	assert.Equal(t, float32(0), dt.Transform(-1))
	assert.Equal(t, float32(-1), Temperature.Transform(-1))

	_, err = ParseDatasetType("wind")
	require.Error(t, err)
}
