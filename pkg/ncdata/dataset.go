// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ncdata

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Mode of a Dataset.
type Mode string

const (
	// Train mode shuffles the samples and picks random patches.
	Train Mode = "train"

	// Test mode yields centered patches in file order, including the last partial batch.
	Test Mode = "test"
)

// Dataset yields batches of normalized patches, implementing train.Dataset.
//
// Each batch has `inputs=[coarse]` shaped `[batchSize, patchSize, patchSize, numChannels]` and
// `labels=[fine]` shaped `[batchSize, patchSize*scale, patchSize*scale, 1]`.
// A Dataset goes over the samples once (one epoch) and then returns io.EOF, until Reset is called.
type Dataset struct {
	name        string
	fields      *Fields
	stats       Statistics
	datasetType DatasetType
	mode        Mode
	patchSize   int
	batchSize   int

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
}

// Compile time check that Dataset implements train.Dataset.
var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over fields, which must be already transformed and normalized.
// A patchSize of 0 uses the whole coarse grid (which must then be square).
func NewDataset(name string, fields *Fields, stats Statistics, datasetType DatasetType, mode Mode,
	patchSize, batchSize int, seed uint64) (*Dataset, error) {
	if fields.NumSamples == 0 {
		return nil, errors.Errorf("dataset %q has no samples", name)
	}
	if patchSize == 0 {
		if fields.CoarseHeight != fields.CoarseWidth {
			return nil, errors.Errorf("dataset %q: a patch size is required for non-square grids (%dx%d)",
				name, fields.CoarseHeight, fields.CoarseWidth)
		}
		patchSize = fields.CoarseHeight
	}
	if patchSize > fields.CoarseHeight || patchSize > fields.CoarseWidth {
		return nil, errors.Errorf("dataset %q: patch size %d larger than the input grid %dx%d",
			name, patchSize, fields.CoarseHeight, fields.CoarseWidth)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, batchSize)
	}
	if mode == Train && batchSize > fields.NumSamples {
		return nil, errors.Errorf("dataset %q: batch size %d larger than the number of samples %d",
			name, batchSize, fields.NumSamples)
	}
	ds := &Dataset{
		name:        name,
		fields:      fields,
		stats:       stats,
		datasetType: datasetType,
		mode:        mode,
		patchSize:   patchSize,
		batchSize:   batchSize,
		rng:         rand.New(rand.NewPCG(seed, seed^0x5eed)),
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Mode of the dataset.
func (ds *Dataset) Mode() Mode { return ds.mode }

// NumChannels of the inputs.
func (ds *Dataset) NumChannels() int { return ds.fields.NumChannels() }

// Scale between the target and the input grids.
func (ds *Dataset) Scale() int { return ds.fields.Scale() }

// PatchSize of the yielded inputs. The labels are PatchSize()*Scale() wide.
func (ds *Dataset) PatchSize() int { return ds.patchSize }

// BatchSize of the yielded batches.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// NumSamples in the dataset.
func (ds *Dataset) NumSamples() int { return ds.fields.NumSamples }

// NumBatches yielded per epoch.
func (ds *Dataset) NumBatches() int {
	if ds.mode == Train {
		return ds.fields.NumSamples / ds.batchSize
	}
	return (ds.fields.NumSamples + ds.batchSize - 1) / ds.batchSize
}

// Statistics used to normalize the data.
func (ds *Dataset) Statistics() Statistics { return ds.stats }

// DatasetType of the target transformation.
func (ds *Dataset) DatasetType() DatasetType { return ds.datasetType }

// TargetName is the name of the target variable.
func (ds *Dataset) TargetName() string { return ds.fields.TargetName }

// DenormalizeTarget converts normalized target values back to physical units, in place.
func (ds *Dataset) DenormalizeTarget(values []float32) {
	ds.stats.Denormalize(ds.fields.TargetName, values)
	for ii, v := range values {
		values[ii] = ds.datasetType.Inverse(v)
	}
}

// Reset implements train.Dataset. In train mode the samples are reshuffled.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.order == nil {
		ds.order = make([]int, ds.fields.NumSamples)
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	if ds.mode == Train {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
	ds.next = 0
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	remaining := len(ds.order) - ds.next
	batchSize := ds.batchSize
	if remaining < batchSize {
		if ds.mode == Train || remaining == 0 {
			return nil, nil, nil, io.EOF
		}
		batchSize = remaining
	}
	samples := ds.order[ds.next : ds.next+batchSize]
	ds.next += batchSize
	coarse, fine := ds.buildBatch(samples)
	inputs = []*tensors.Tensor{coarse}
	labels = []*tensors.Tensor{fine}
	return
}

// buildBatch gathers the patches of the given samples.
func (ds *Dataset) buildBatch(samples []int) (coarse, fine *tensors.Tensor) {
	f := ds.fields
	p, s, numChannels := ds.patchSize, f.Scale(), f.NumChannels()
	fp := p * s
	coarseData := make([]float32, len(samples)*p*p*numChannels)
	fineData := make([]float32, len(samples)*fp*fp)
	for batchIdx, sample := range samples {
		row, col := ds.patchOffset()
		for y := 0; y < p; y++ {
			for x := 0; x < p; x++ {
				src := sample*f.CoarseSize() + (row+y)*f.CoarseWidth + (col + x)
				dst := ((batchIdx*p+y)*p + x) * numChannels
				for c := 0; c < numChannels; c++ {
					coarseData[dst+c] = f.Inputs[c][src]
				}
			}
		}
		fineRow, fineCol := row*s, col*s
		for y := 0; y < fp; y++ {
			src := sample*f.FineSize() + (fineRow+y)*f.FineWidth + fineCol
			dst := (batchIdx*fp + y) * fp
			copy(fineData[dst:dst+fp], f.Target[src:src+fp])
		}
	}
	coarse = tensors.FromFlatDataAndDimensions(coarseData, len(samples), p, p, numChannels)
	fine = tensors.FromFlatDataAndDimensions(fineData, len(samples), fp, fp, 1)
	return
}

// patchOffset returns the top-left corner of the next patch, in coarse grid coordinates.
func (ds *Dataset) patchOffset() (row, col int) {
	f := ds.fields
	maxRow, maxCol := f.CoarseHeight-ds.patchSize, f.CoarseWidth-ds.patchSize
	if ds.mode == Train {
		return ds.rng.IntN(maxRow + 1), ds.rng.IntN(maxCol + 1)
	}
	return maxRow / 2, maxCol / 2
}
