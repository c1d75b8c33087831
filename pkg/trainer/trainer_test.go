// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/downscaling/internal/runlog"
	"github.com/gomlx/downscaling/pkg/models"
	"github.com/gomlx/downscaling/pkg/ncdata"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backend backends.Backend

func TestMain(m *testing.M) {
	if os.Getenv(backends.ConfigEnvVar) == "" {
		must.M(os.Setenv(backends.ConfigEnvVar, "go"))
	}
	backend = backends.MustNew()
	code := m.Run()
	backend.Finalize()
	os.Exit(code)
}

const (
	testCoarse     = 4
	testScale      = 2
	testNumSamples = 8
)

// smoothFields creates fields with 2 smooth input channels, and a target that is a smooth function of them.
func smoothFields(numSamples int, offset float64) *ncdata.Fields {
	fine := testCoarse * testScale
	f := &ncdata.Fields{
		InputNames:   []string{"t2m_in", "z_in"},
		TargetName:   "t2m_tar",
		Inputs:       make([][]float32, 2),
		NumSamples:   numSamples,
		CoarseHeight: testCoarse,
		CoarseWidth:  testCoarse,
		FineHeight:   fine,
		FineWidth:    fine,
	}
	for s := range numSamples {
		phase := offset + float64(s)
		for c := range f.Inputs {
			for row := range testCoarse {
				for col := range testCoarse {
					f.Inputs[c] = append(f.Inputs[c],
						float32(280+10*math.Sin(phase+float64(row+c)/3)*math.Cos(float64(col)/4)))
				}
			}
		}
		for row := range fine {
			for col := range fine {
				value := 280 + 10*math.Sin(phase+float64(row)/(3*testScale))*math.Cos(float64(col)/(4*testScale))
				f.Target = append(f.Target, float32(value))
			}
		}
	}
	return f
}

func testDatasets(t *testing.T, datasetType ncdata.DatasetType) (trainDS, valDS *ncdata.Dataset) {
	statsDir := t.TempDir()
	var err error
	trainDS, err = ncdata.FromFields("train", smoothFields(testNumSamples, 0),
		ncdata.WithMode(ncdata.Train), ncdata.WithStatPath(statsDir), ncdata.WithPatchSize(testCoarse),
		ncdata.WithBatchSize(2), ncdata.WithDatasetType(datasetType), ncdata.WithSeed(1))
	require.NoError(t, err)
	valDS, err = ncdata.FromFields("validation", smoothFields(5, 0.5),
		ncdata.WithMode(ncdata.Test), ncdata.WithStatPath(statsDir), ncdata.WithPatchSize(testCoarse),
		ncdata.WithBatchSize(3), ncdata.WithDatasetType(datasetType))
	require.NoError(t, err)
	return
}

func testContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(models.DefaultParams())
	ctx.SetParams(DefaultParams())
	ctx.SetParams(map[string]any{
		models.ParamUNetChannels:       []int{4, 8},
		models.ParamUNetResidualBlocks: 1,
		models.ParamDiffusionChannels:  []int{4, 8},
		models.ParamSinusoidalEmbedDim: 8,
		models.ParamCriticChannels:     []int{4, 8},
		ParamLearningRate:              1e-2,
	})
	return ctx
}

func testSelection(t *testing.T, modelType models.Type) *models.Selection {
	sel, err := models.Select(modelType, models.Config{
		NumChannels:     2,
		Scale:           testScale,
		InputSize:       testCoarse,
		PatchSize:       1,
		WindowSize:      2,
		UpscaleSwinIR:   testScale,
		UpsamplerSwinIR: models.UpsamplerPixelShuffle,
		Timesteps:       4,
		Conditional:     true,
	})
	require.NoError(t, err)
	return sel
}

// requireTraining skips the test if the backend can't compute the gradients of the networks.
func requireTraining(t *testing.T) {
	t.Helper()
	if err := models.CheckTrainingSupport(backend); err != nil {
		require.ErrorIs(t, err, models.ErrTrainingNotSupported)
		t.Skipf("skipping: %v", err)
	}
}

func TestDefaultParams(t *testing.T) {
	assert.Equal(t, "learning_rate", ParamLearningRate)
	assert.Equal(t, optimizers.ParamLearningRate, ParamLearningRate)
	params := DefaultParams()
	assert.Equal(t, optimizers.AdamDefaultLearningRate, params[ParamLearningRate])
	assert.Equal(t, 5, params[ParamNumCritic])

	ctx := context.New()
	ctx.SetParams(params)
	assert.Equal(t, optimizers.AdamDefaultLearningRate, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
}

func TestDenormalizeGraph(t *testing.T) {
	moments := ncdata.Moments{Mean: 2, Std: 3}
	x := []float32{-1, 0, 1}
	got := MustExecOnce(backend, func(x *Node) *Node {
		return DenormalizeGraph(x, moments, ncdata.Temperature)
	}, x)
	assert.InDeltaSlice(t, []float32{-1, 2, 5}, tensors.MustCopyFlatData[float32](got), 1e-5)

	got = MustExecOnce(backend, func(x *Node) *Node {
		return DenormalizeGraph(x, moments, ncdata.Precipitation)
	}, x)
	want := make([]float32, len(x))
	for ii, v := range x {
		want[ii] = float32(math.Expm1(float64(v)*3 + 2))
	}
	assert.InDeltaSlice(t, want, tensors.MustCopyFlatData[float32](got), 1e-2)
}

func TestFrozenOptimizer(t *testing.T) {
	ctx := context.New()
	genVar := ctx.In(models.GeneratorScope).VariableWithValue("w", []float32{1, 2})
	criticVar := ctx.In(models.CriticScope).VariableWithValue("w", []float32{3, 4})
	opt := &frozenOptimizer{
		Interface: optimizers.Adam().LearningRate(0.1).Done(),
		scope:     models.GeneratorScope,
	}
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		loss := Add(ReduceAllSum(Square(genVar.ValueGraph(g))), ReduceAllSum(Square(criticVar.ValueGraph(g))))
		opt.UpdateGraph(ctx.In(models.GeneratorScope), g, loss)
		return loss
	})
	for range 3 {
		exec.MustExec1()
	}
	assert.Equal(t, []float32{3, 4}, tensors.MustCopyFlatData[float32](criticVar.MustValue()))
	genValues := tensors.MustCopyFlatData[float32](genVar.MustValue())
	assert.Less(t, genValues[0], float32(1))
	assert.Less(t, genValues[1], float32(2))
	assert.True(t, criticVar.Trainable, "frozen variables must be restored as trainable")
	assert.True(t, genVar.Trainable)
}

func TestBuildModelErrors(t *testing.T) {
	trainDS, valDS := testDatasets(t, ncdata.Temperature)
	sel := testSelection(t, models.UNet)
	_, err := BuildModel(backend, testContext(), sel, trainDS, valDS, Config{Epochs: 0})
	require.Error(t, err)
	_, err = BuildModel(backend, testContext(), sel, trainDS, nil, Config{Epochs: 1})
	require.Error(t, err)
	_, err = BuildWGANModel(backend, testContext(), sel, trainDS, valDS, Config{Epochs: 1})
	require.Error(t, err, "UNet selection has no critic")

	ctx := testContext()
	ctx.SetParam(ParamNumCritic, 0)
	_, err = BuildWGANModel(backend, ctx, testSelection(t, models.WGAN), trainDS, valDS, Config{Epochs: 1})
	require.Error(t, err)
}

func TestBuildModelFit(t *testing.T) {
	requireTraining(t)
	trainDS, valDS := testDatasets(t, ncdata.Temperature)
	saveDir := t.TempDir()
	run, err := runlog.New(saveDir, "unet")
	require.NoError(t, err)
	ctx := testContext()
	m, err := BuildModel(backend, ctx, testSelection(t, models.UNet), trainDS, valDS, Config{
		SaveDir:        saveDir,
		Epochs:         2,
		CheckpointSave: 3,
		RunLog:         run,
		Snapshots:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1e-2, m.LearningRate())
	require.NoError(t, m.Fit())
	assert.Equal(t, 2*trainDS.NumBatches(), m.GlobalStep())

	steps, maes := run.History(MetricValMAE)
	require.Len(t, maes, 2)
	assert.Equal(t, m.GlobalStep(), steps[1])
	for _, mae := range maes {
		assert.False(t, math.IsNaN(mae))
		assert.Greater(t, mae, 0.0)
	}
	_, rmses := run.History(MetricValRMSE)
	require.Len(t, rmses, 2)
	assert.GreaterOrEqual(t, rmses[1], maes[1])
	_, losses := run.History(MetricLoss)
	assert.Len(t, losses, m.GlobalStep())

	entries, err := os.ReadDir(filepath.Join(saveDir, CheckpointsDirName))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.FileExists(t, filepath.Join(run.Dir, runlog.SnapshotsDirName, "epoch_002_prediction.png"))
	assert.FileExists(t, filepath.Join(run.Dir, runlog.SnapshotsDirName, "epoch_002_target.png"))
	require.NoError(t, run.Close())

	// Training continues from the checkpoint.
	trainDS.Reset()
	valDS.Reset()
	m2, err := BuildModel(backend, testContext(), testSelection(t, models.UNet), trainDS, valDS, Config{
		SaveDir: saveDir,
		Epochs:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, m.GlobalStep(), m2.GlobalStep())
}

func TestBuildModelDiffusion(t *testing.T) {
	requireTraining(t)
	trainDS, valDS := testDatasets(t, ncdata.Precipitation)
	sel := testSelection(t, models.Diffusion)
	m, err := BuildModel(backend, testContext(), sel, trainDS, valDS, Config{Epochs: 1})
	require.NoError(t, err)
	require.NoError(t, m.Fit())
	assert.Equal(t, trainDS.NumBatches(), m.GlobalStep())

	values, err := m.Validate()
	require.NoError(t, err)
	assert.False(t, math.IsNaN(values[MetricValMAE]))

	_, inputs, _, err := valDS.Yield()
	require.NoError(t, err)
	prediction, err := m.Predict(inputs[0])
	require.NoError(t, err)
	assert.Equal(t, []int{3, testCoarse * testScale, testCoarse * testScale, 1}, prediction.Shape().Dimensions)
}

func TestBuildWGANModelFit(t *testing.T) {
	requireTraining(t)
	trainDS, valDS := testDatasets(t, ncdata.Temperature)
	saveDir := t.TempDir()
	run, err := runlog.New(saveDir, "wgan")
	require.NoError(t, err)
	ctx := testContext()
	ctx.SetParams(map[string]any{
		ParamNumCritic: 2,
		ParamGPWeight:  0.0,
	})
	m, err := BuildWGANModel(backend, ctx, testSelection(t, models.WGAN), trainDS, valDS, Config{
		SaveDir: saveDir,
		Epochs:  1,
		RunLog:  run,
	})
	require.NoError(t, err)
	assert.Equal(t, 1e-2, m.LearningRate())
	assert.Equal(t, 1e-4, m.CriticLearningRate())
	require.NoError(t, m.Fit())
	numBatches := trainDS.NumBatches()
	assert.Equal(t, numBatches, m.GlobalStep())

	_, criticLosses := run.History(MetricCriticLoss)
	assert.Len(t, criticLosses, numBatches)
	_, generatorLosses := run.History(MetricGeneratorLoss)
	assert.Len(t, generatorLosses, numBatches/2)
	_, maes := run.History(MetricValMAE)
	require.Len(t, maes, 1)
	assert.False(t, math.IsNaN(maes[0]))

	// The generator and the critic have separate global steps.
	assert.Equal(t, int64(numBatches), optimizers.GetGlobalStep(ctx.In(models.CriticScope)))
	assert.Equal(t, int64(numBatches/2), optimizers.GetGlobalStep(ctx.In(models.GeneratorScope)))
}
