// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ncdata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// grid returns a [time][height][width] array with values base + t*100 + y*width + x.
func grid(numTimes, height, width int, base float32) [][][]float32 {
	values := make([][][]float32, numTimes)
	for t := range values {
		values[t] = make([][]float32, height)
		for y := range values[t] {
			values[t][y] = make([]float32, width)
			for x := range values[t][y] {
				values[t][y][x] = base + float32(t*100+y*width+x)
			}
		}
	}
	return values
}

// writeTestFile writes a NetCDF file with two coarse inputs (4x4) and one fine target (8x8).
func writeTestFile(t *testing.T, path string, numTimes int) {
	cw, err := cdf.OpenWriter(path)
	require.NoError(t, err)
	coarseDims := []string{"time", "lat_in", "lon_in"}
	require.NoError(t, cw.AddVar("z_in", api.Variable{
		Values: grid(numTimes, 4, 4, 1000), Dimensions: coarseDims, Attributes: nil}))
	require.NoError(t, cw.AddVar("t2m_in", api.Variable{
		Values: grid(numTimes, 4, 4, 0), Dimensions: coarseDims, Attributes: nil}))
	require.NoError(t, cw.AddVar("t2m_tar", api.Variable{
		Values: grid(numTimes, 8, 8, 0), Dimensions: []string{"time", "lat_tar", "lon_tar"}, Attributes: nil}))
	require.NoError(t, cw.AddVar("latitude", api.Variable{
		Values: []float32{0, 1, 2, 3}, Dimensions: []string{"lat_in"}, Attributes: nil}))
	require.NoError(t, cw.Close())
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample_2016-01.nc")
	writeTestFile(t, path, 3)

	fields, err := ReadFile(path, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2m_in", "z_in"}, fields.InputNames)
	assert.Equal(t, "t2m_tar", fields.TargetName)
	assert.Equal(t, 3, fields.NumSamples)
	assert.Equal(t, 2, fields.Scale())
	assert.Equal(t, 4, fields.CoarseWidth)
	assert.Equal(t, 8, fields.FineHeight)
	require.Len(t, fields.Inputs, 2)
	assert.Len(t, fields.Inputs[0], 3*16)
	assert.Len(t, fields.Target, 3*64)

	// Sample 2, y=1, x=3 of z_in.
	assert.Equal(t, float32(1000+200+7), fields.Inputs[1][2*16+7])
	// Sample 1, y=7, x=7 of the target.
	assert.Equal(t, float32(100+63), fields.Target[64+63])

	_, err = ReadFile(path, "tp_tar")
	require.ErrorContains(t, err, "tp_tar")
}

func TestCreateLoader(t *testing.T) {
	trainDir, valDir := t.TempDir(), t.TempDir()
	writeTestFile(t, filepath.Join(trainDir, "sample_2016-01.nc"), 3)
	writeTestFile(t, filepath.Join(trainDir, "sample_2016-02.nc"), 2)
	writeTestFile(t, filepath.Join(valDir, "sample_2017-01.nc"), 3)
	require.NoError(t, os.WriteFile(filepath.Join(trainDir, "README.txt"), []byte("ignored"), 0o644))

	trainDS, err := CreateLoader(trainDir, WithPatchSize(2), WithBatchSize(2))
	require.NoError(t, err)
	assert.Equal(t, 5, trainDS.NumSamples())
	assert.Equal(t, 2, trainDS.NumBatches())
	assert.Equal(t, "t2m_tar", trainDS.TargetName())
	assert.FileExists(t, filepath.Join(trainDir, StatisticsFileName))

	valDS, err := CreateLoader(valDir, WithMode(Test), WithStatPath(trainDir), WithPatchSize(0), WithBatchSize(2))
	require.NoError(t, err)
	assert.Equal(t, 4, valDS.PatchSize())
	assert.Equal(t, 2, valDS.NumBatches())
	_, inputs, labels, err := valDS.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 4, 2}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 8, 8, 1}, labels[0].Shape().Dimensions)

	_, err = CreateLoader(t.TempDir())
	require.Error(t, err)
}

func TestReadFiles(t *testing.T) {
	dir := t.TempDir()
	files := []string{filepath.Join(dir, "sample_2016-01.nc"), filepath.Join(dir, "sample_2016-02.nc")}
	writeTestFile(t, files[0], 3)
	writeTestFile(t, files[1], 1)

	for _, parallelism := range []int{0, 1, -1} {
		fields, err := ReadFiles(files, "", parallelism)
		require.NoError(t, err, "parallelism=%d", parallelism)
		assert.Equal(t, 4, fields.NumSamples)
		// Files are stacked in order: the 4th sample is the first one of the second file.
		assert.Equal(t, float32(0), fields.Target[3*64])
	}

	_, err := ReadFiles(append(files, filepath.Join(dir, "missing_2016-03.nc")), "", 2)
	require.ErrorContains(t, err, "missing_2016-03.nc")
}
