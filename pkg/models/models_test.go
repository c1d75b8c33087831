// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
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

// tinyContext returns a context with small architectures, to keep the tests fast.
func tinyContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(DefaultParams())
	ctx.SetParams(map[string]any{
		ParamUNetChannels:       []int{4, 8},
		ParamUNetResidualBlocks: 1,
		ParamSwinEmbedDim:       8,
		ParamSwinDepths:         []int{2, 2},
		ParamSwinNumHeads:       2,
		ParamViTEmbedDim:        8,
		ParamViTNumLayers:       1,
		ParamViTNumHeads:        2,
		ParamDiffusionChannels:  []int{4, 8},
		ParamSinusoidalEmbedDim: 8,
		ParamCriticChannels:     []int{4, 8},
	})
	return ctx
}

func tinyConfig() Config {
	return Config{
		NumChannels:     3,
		Scale:           2,
		InputSize:       4,
		PatchSize:       1,
		WindowSize:      2,
		UpscaleSwinIR:   2,
		UpsamplerSwinIR: UpsamplerPixelShuffle,
		Timesteps:       3,
		Conditional:     true,
	}
}

func randomInputs(batchSize, size, channels int) *tensors.Tensor {
	values := make([]float32, batchSize*size*size*channels)
	for ii := range values {
		values[ii] = float32(math.Sin(float64(ii)))
	}
	return tensors.FromFlatDataAndDimensions(values, batchSize, size, size, channels)
}

func TestParseType(t *testing.T) {
	for _, modelType := range Types {
		parsed, err := ParseType(string(modelType))
		require.NoError(t, err)
		assert.Equal(t, modelType, parsed)
	}
	_, err := ParseType("srgan")
	require.ErrorIs(t, err, ErrNotImplemented)
}

func TestSelectErrors(t *testing.T) {
	cfg := tinyConfig()
	_, err := Select("srgan", cfg)
	require.ErrorIs(t, err, ErrNotImplemented)

	bad := cfg
	bad.UpscaleSwinIR = 4
	_, err = Select(SwinIR, bad)
	require.ErrorContains(t, err, "upscale")

	bad = cfg
	bad.UpsamplerSwinIR = "bicubic"
	_, err = Select(SwinIR, bad)
	require.ErrorContains(t, err, "upsampler")

	bad = cfg
	bad.Scale, bad.UpscaleSwinIR, bad.UpsamplerSwinIR = 3, 3, UpsamplerNearestConv
	_, err = Select(SwinIR, bad)
	require.ErrorContains(t, err, "power of 2")

	bad = cfg
	bad.PatchSize = 3
	_, err = Select(ViTSR, bad)
	require.ErrorContains(t, err, "patch size")

	bad = cfg
	bad.WindowSize = 3
	_, err = Select(SwinUNet, bad)
	require.ErrorContains(t, err, "window size")

	bad = cfg
	bad.Timesteps = 0
	_, err = Select(Diffusion, bad)
	require.ErrorContains(t, err, "timesteps")

	bad = cfg
	bad.NumChannels = 0
	_, err = Select(UNet, bad)
	require.Error(t, err)

	sel, err := Select(WGAN, cfg)
	require.NoError(t, err)
	assert.NotNil(t, sel.Generator)
	assert.NotNil(t, sel.Critic)
	assert.Nil(t, sel.Diffusion)
}

func TestPixelShuffle(t *testing.T) {
	shuffled := MustExecOnce(backend, func(g *Graph) *Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, 1, 4))
		return PixelShuffle(x, 2)
	})
	assert.Equal(t, []int{1, 2, 2, 1}, shuffled.Shape().Dimensions)
	assert.Equal(t, []float32{0, 1, 2, 3}, tensors.MustCopyFlatData[float32](shuffled))

	results := MustExecOnceN(backend, func(g *Graph) []*Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 6, 3))
		unshuffled := PixelUnshuffle(x, 2)
		return []*Node{unshuffled, PixelShuffle(unshuffled, 2), x}
	})
	assert.Equal(t, []int{2, 2, 3, 12}, results[0].Shape().Dimensions)
	assert.Equal(t, tensors.MustCopyFlatData[float32](results[2]), tensors.MustCopyFlatData[float32](results[1]))
}

func TestUpsampleNearest(t *testing.T) {
	upsampled := MustExecOnce(backend, func(g *Graph) *Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 2, 1))
		return UpsampleNearest(x, 2)
	})
	assert.Equal(t, []float32{
		0, 0, 1, 1,
		0, 0, 1, 1,
		2, 2, 3, 3,
		2, 2, 3, 3,
	}, tensors.MustCopyFlatData[float32](upsampled))
}

func TestWindows(t *testing.T) {
	results := MustExecOnceN(backend, func(g *Graph) []*Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 4, 4, 1))
		windows := windowPartition(x, 2)
		return []*Node{windows, windowReverse(windows, 2, 4, 4), x}
	})
	assert.Equal(t, []int{1, 4, 4, 1}, results[0].Shape().Dimensions)
	windows := tensors.MustCopyFlatData[float32](results[0])
	assert.Equal(t, []float32{0, 1, 4, 5}, windows[:4])
	assert.Equal(t, []float32{10, 11, 14, 15}, windows[12:])
	assert.Equal(t, tensors.MustCopyFlatData[float32](results[2]), tensors.MustCopyFlatData[float32](results[1]))

	rolled := MustExecOnceN(backend, func(g *Graph) []*Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 5))
		return []*Node{roll(x, 1, 2), roll(x, -1, -1), roll(x, 1, 5)}
	})
	assert.Equal(t, []float32{3, 4, 0, 1, 2}, tensors.MustCopyFlatData[float32](rolled[0]))
	assert.Equal(t, []float32{1, 2, 3, 4, 0}, tensors.MustCopyFlatData[float32](rolled[1]))
	assert.Equal(t, []float32{0, 1, 2, 3, 4}, tensors.MustCopyFlatData[float32](rolled[2]))
}

func TestShiftedWindowMask(t *testing.T) {
	mask := shiftedWindowMask(4, 4, 2, 1)
	require.Len(t, mask, 4)
	for _, row := range mask[0] {
		for _, v := range row {
			assert.True(t, v)
		}
	}
	// Last window holds tokens (2,2), (2,3), (3,2) and (3,3), each from a different region.
	for q := range 4 {
		for k := range 4 {
			assert.Equal(t, q == k, mask[3][q][k], "q=%d, k=%d", q, k)
		}
	}
	// Second window (rows 0-1, cols 2-3): columns 2 and 3 are in different regions.
	assert.True(t, mask[1][0][2])
	assert.False(t, mask[1][0][1])
}

func TestGeneratorShapes(t *testing.T) {
	inputs := randomInputs(2, 4, 3)
	testCases := []struct {
		modelType Type
		modify    func(cfg *Config)
	}{
		{UNet, nil},
		{SwinIR, nil},
		{SwinIR, func(cfg *Config) { cfg.UpsamplerSwinIR = UpsamplerNearestConv }},
		{ViTSR, func(cfg *Config) { cfg.PatchSize = 2 }},
		{SwinUNet, nil},
		{WGAN, nil},
	}
	for _, tc := range testCases {
		cfg := tinyConfig()
		if tc.modify != nil {
			tc.modify(&cfg)
		}
		t.Run(fmt.Sprintf("%s-%s", tc.modelType, cfg.UpsamplerSwinIR), func(t *testing.T) {
			sel, err := Select(tc.modelType, cfg)
			require.NoError(t, err)
			ctx := tinyContext()
			output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
				return sel.Generator(ctx.In(GeneratorScope), x)
			}, inputs)
			assert.Equal(t, []int{2, 8, 8, 1}, output.Shape().Dimensions)
			for _, v := range tensors.MustCopyFlatData[float32](output) {
				require.False(t, math.IsNaN(float64(v)))
			}
		})
	}
}

func TestCritic(t *testing.T) {
	ctx := tinyContext().Checked(false)
	scores := context.MustExecOnce(backend, ctx, func(ctx *context.Context, coarse, fine *Node) *Node {
		return CriticGraph(ctx.In(CriticScope), coarse, fine)
	}, randomInputs(3, 4, 2), randomInputs(3, 8, 1))
	assert.Equal(t, []int{3}, scores.Shape().Dimensions)
}

func TestGradientPenalty(t *testing.T) {
	// A linear critic with gradient 2 everywhere: for 4 values the norm of the gradient is 4.
	linearCritic := func(_ *context.Context, _, fine *Node) *Node {
		return ReduceSum(MulScalar(fine, 2.0), 1, 2, 3)
	}
	ctx := context.New()
	penalty := context.MustExecOnce(backend, ctx, func(ctx *context.Context, real, generated *Node) *Node {
		return GradientPenalty(ctx, linearCritic, nil, real, generated)
	}, randomInputs(2, 2, 1), randomInputs(2, 2, 1))
	assert.InDelta(t, 9.0, tensors.ToScalar[float32](penalty), 1e-3)
}

func TestDiffusionSchedule(t *testing.T) {
	cfg := tinyConfig()
	cfg.Timesteps = 200
	d := NewGaussianDiffusion(cfg)
	require.Len(t, d.Betas, 200)
	assert.InDelta(t, BetaStart, d.Betas[0], 1e-12)
	assert.InDelta(t, BetaEnd, d.Betas[199], 1e-12)
	assert.Equal(t, 0.0, d.PosteriorVariance[0])
	for step := 1; step < 200; step++ {
		assert.Less(t, d.AlphasCumprod[step], d.AlphasCumprod[step-1])
		assert.Greater(t, d.PosteriorVariance[step], 0.0)
		assert.LessOrEqual(t, d.PosteriorVariance[step], d.Betas[step])
	}

	// A single timestep still gives a valid schedule.
	cfg.Timesteps = 1
	d = NewGaussianDiffusion(cfg)
	assert.Equal(t, []float64{BetaStart}, d.Betas)
}

func TestQSample(t *testing.T) {
	cfg := tinyConfig()
	cfg.Timesteps = 10
	d := NewGaussianDiffusion(cfg)
	noisy := MustExecOnce(backend, func(x0, noise *Node) *Node {
		t := Const(x0.Graph(), []int32{0, 9})
		return d.QSample(x0, t, noise)
	}, tensors.FromValue([][][][]float32{{{{1}}}, {{{1}}}}), tensors.FromValue([][][][]float32{{{{2}}}, {{{2}}}}))
	values := tensors.MustCopyFlatData[float32](noisy)
	for ii, step := range []int{0, 9} {
		ab := d.AlphasCumprod[step]
		assert.InDelta(t, math.Sqrt(ab)+2*math.Sqrt(1-ab), float64(values[ii]), 1e-5)
	}
}

func TestDiffusionTrainingAndSampling(t *testing.T) {
	for _, conditional := range []bool{true, false} {
		t.Run(fmt.Sprintf("conditional=%v", conditional), func(t *testing.T) {
			cfg := tinyConfig()
			cfg.Conditional = conditional
			sel, err := Select(Diffusion, cfg)
			require.NoError(t, err)
			d := sel.Diffusion
			ctx := tinyContext()
			coarse := randomInputs(2, 4, 3)
			results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, coarse, target *Node) []*Node {
				predicted, loss := d.TrainingGraph(ctx.In(GeneratorScope), coarse, target)
				return []*Node{predicted, loss}
			}, coarse, randomInputs(2, 8, 1))
			assert.Equal(t, []int{2, 8, 8, 1}, results[0].Shape().Dimensions)
			assert.True(t, results[1].Shape().IsScalar())
			assert.Greater(t, tensors.ToScalar[float32](results[1]), float32(0))

			sample, err := d.Sample(backend, ctx.In(GeneratorScope), coarse)
			require.NoError(t, err)
			assert.Equal(t, []int{2, 8, 8, 1}, sample.Shape().Dimensions)
			for _, v := range tensors.MustCopyFlatData[float32](sample) {
				require.False(t, math.IsNaN(float64(v)))
			}

			_, err = d.Sample(backend, ctx, tensors.FromFlatDataAndDimensions(make([]float32, 48), 4, 4, 3))
			require.Error(t, err)
		})
	}
}

func TestDiffusionConditioning(t *testing.T) {
	inputShape := shapes.Make(dtypes.Float32, 1, 4, 4, 3)
	cfg := tinyConfig()
	sel, err := Select(Diffusion, cfg)
	require.NoError(t, err)
	conditional, err := CountParameters(backend, tinyContext(), sel, inputShape)
	require.NoError(t, err)

	cfg.Conditional = false
	sel, err = Select(Diffusion, cfg)
	require.NoError(t, err)
	unconditional, err := CountParameters(backend, tinyContext(), sel, inputShape)
	require.NoError(t, err)

	// Only the 1x1 stem convolution sees the 3 upsampled coarse channels, with 4 output channels in tinyContext.
	assert.Equal(t, 3*4, conditional.Generator-unconditional.Generator)
}

func TestCountParameters(t *testing.T) {
	inputShape := shapes.Make(dtypes.Float32, 1, 4, 4, 3)
	ctx := tinyContext()

	sel, err := Select(UNet, tinyConfig())
	require.NoError(t, err)
	counts, err := CountParameters(backend, ctx, sel, inputShape)
	require.NoError(t, err)
	assert.Greater(t, counts.Generator, 0)
	assert.Zero(t, counts.Critic)
	// The context of the caller is not changed.
	assert.Zero(t, ctx.NumParameters())

	sel, err = Select(WGAN, tinyConfig())
	require.NoError(t, err)
	wganCounts, err := CountParameters(backend, ctx, sel, inputShape)
	require.NoError(t, err)
	assert.Equal(t, counts.Generator, wganCounts.Generator)
	assert.Greater(t, wganCounts.Critic, 0)

	sel, err = Select(Diffusion, tinyConfig())
	require.NoError(t, err)
	counts, err = CountParameters(backend, ctx, sel, inputShape)
	require.NoError(t, err)
	assert.Greater(t, counts.Generator, 0)
}

func TestCheckTrainingSupport(t *testing.T) {
	err := CheckTrainingSupport(backend)
	if err != nil {
		require.ErrorIs(t, err, ErrTrainingNotSupported)
		assert.Contains(t, err.Error(), backend.Name())
	}
}
