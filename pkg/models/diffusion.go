// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Linear beta schedule limits.
const (
	BetaStart = 1e-4
	BetaEnd   = 0.02
)

// GaussianDiffusion implements a denoising diffusion probabilistic model of the target field, with
// a linear beta schedule over Timesteps steps. The noise is predicted by DiffusionUNetGraph.
type GaussianDiffusion struct {
	Config Config

	// Betas, Alphas and AlphasCumprod of the schedule, indexed by timestep.
	Betas, Alphas, AlphasCumprod []float64

	// PosteriorVariance of q(x_{t-1} | x_t, x_0), 0 for t=0.
	PosteriorVariance []float64
}

// NewGaussianDiffusion creates the schedule for cfg.Timesteps steps.
func NewGaussianDiffusion(cfg Config) *GaussianDiffusion {
	numSteps := cfg.Timesteps
	d := &GaussianDiffusion{
		Config:            cfg,
		Betas:             make([]float64, numSteps),
		Alphas:            make([]float64, numSteps),
		AlphasCumprod:     make([]float64, numSteps),
		PosteriorVariance: make([]float64, numSteps),
	}
	cumprod := 1.0
	for t := range numSteps {
		beta := BetaStart
		if numSteps > 1 {
			beta += (BetaEnd - BetaStart) * float64(t) / float64(numSteps-1)
		}
		d.Betas[t] = beta
		d.Alphas[t] = 1 - beta
		prevCumprod := cumprod
		cumprod *= 1 - beta
		d.AlphasCumprod[t] = cumprod
		if t > 0 {
			d.PosteriorVariance[t] = beta * (1 - prevCumprod) / (1 - cumprod)
		}
	}
	return d
}

// schedule returns the per-example coefficients gathered at timesteps t (shaped `[batch]`),
// shaped `[batch, 1, 1, 1]` to broadcast over the fields.
func (d *GaussianDiffusion) schedule(values []float64, t *Node, dtype dtypes.DType) *Node {
	g := t.Graph()
	coefs := ConvertDType(Const(g, values), dtype)
	gathered := Gather(coefs, InsertAxes(t, -1))
	return Reshape(gathered, t.Shape().Dimensions[0], 1, 1, 1)
}

// QSample diffuses the clean target x0 to timestep t (shaped `[batch]`, int32) with the given noise:
// `sqrt(alphas_cumprod[t]) * x0 + sqrt(1 - alphas_cumprod[t]) * noise`.
func (d *GaussianDiffusion) QSample(x0, t, noise *Node) *Node {
	alphasCumprod := d.schedule(d.AlphasCumprod, t, x0.DType())
	return Add(Mul(Sqrt(alphasCumprod), x0), Mul(Sqrt(OneMinus(alphasCumprod)), noise))
}

// PredictX0 estimates the clean target from the noisy xt and the predicted noise.
func (d *GaussianDiffusion) PredictX0(xt, t, predictedNoise *Node) *Node {
	alphasCumprod := d.schedule(d.AlphasCumprod, t, xt.DType())
	x0 := Sub(xt, Mul(Sqrt(OneMinus(alphasCumprod)), predictedNoise))
	return Div(x0, Sqrt(alphasCumprod))
}

// TrainingGraph samples a random timestep and noise per example, diffuses the target and predicts the
// noise. It returns the estimate of the clean target and the mean squared error of the predicted noise.
func (d *GaussianDiffusion) TrainingGraph(ctx *context.Context, coarse, target *Node) (predictedTarget, loss *Node) {
	g := target.Graph()
	batchSize := target.Shape().Dimensions[0]
	t := ctx.RandomIntN(g, int32(d.Config.Timesteps), shapes.Make(dtypes.Int32, batchSize))
	noise := ctx.RandomNormal(g, target.Shape())
	noisy := StopGradient(d.QSample(target, t, noise))
	predictedNoise := DiffusionUNetGraph(ctx, d.Config, coarse, noisy, t)
	loss = ReduceAllMean(Square(Sub(predictedNoise, noise)))
	predictedTarget = d.PredictX0(noisy, t, predictedNoise)
	return
}

// SampleStepGraph performs one ancestral sampling step, from xt at timestep t (a scalar) to x_{t-1}.
func (d *GaussianDiffusion) SampleStepGraph(ctx *context.Context, coarse, xt, t *Node) *Node {
	batchSize := xt.Shape().Dimensions[0]
	timesteps := BroadcastToDims(ConvertDType(t, dtypes.Int32), batchSize)
	predictedNoise := DiffusionUNetGraph(ctx, d.Config, coarse, xt, timesteps)

	dtype := xt.DType()
	betas := d.schedule(d.Betas, timesteps, dtype)
	alphas := d.schedule(d.Alphas, timesteps, dtype)
	alphasCumprod := d.schedule(d.AlphasCumprod, timesteps, dtype)
	posteriorVariance := d.schedule(d.PosteriorVariance, timesteps, dtype)

	mean := Sub(xt, Mul(Div(betas, Sqrt(OneMinus(alphasCumprod))), predictedNoise))
	mean = Div(mean, Sqrt(alphas))
	noise := ctx.RandomNormal(xt.Graph(), xt.Shape())
	return Add(mean, Mul(Sqrt(posteriorVariance), noise))
}

// Sample generates targets for the coarse inputs (normalized, shaped `[batch, height, width, channels]`)
// by running the reverse diffusion from pure noise, for all the timesteps.
func (d *GaussianDiffusion) Sample(backend backends.Backend, ctx *context.Context, coarse *tensors.Tensor) (
	*tensors.Tensor, error) {
	dims := coarse.Shape().Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("diffusion sampling requires coarse inputs shaped [batch, height, width, channels], got %s",
			coarse.Shape())
	}
	scale := d.Config.Scale
	ctx = ctx.Checked(false)
	var sample *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		noiseExec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return ctx.RandomNormal(g, shapes.Make(coarse.DType(), dims[0], dims[1]*scale, dims[2]*scale, 1))
		})
		stepExec := context.MustNewExec(backend, ctx, d.SampleStepGraph)
		sample = noiseExec.MustExec1()
		for step := d.Config.Timesteps - 1; step >= 0; step-- {
			next := stepExec.MustExec1(coarse, sample, int32(step))
			sample.FinalizeAll()
			sample = next
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "diffusion sampling")
	}
	return sample, nil
}

// DiffusionUNetGraph predicts the noise added to the target.
//
// The inputs to the UNet are the noisy target on the fine grid, the sinusoidal embedding of the timestep t
// (shaped `[batch]`) broadcast over the grid and, if cfg.Conditional, the coarse inputs upsampled to the
// fine grid with bilinear interpolation.
func DiffusionUNetGraph(ctx *context.Context, cfg Config, coarse, noisy, t *Node) *Node {
	noisy.AssertRank(4)
	ctx = ctx.In("diffusion_unet")
	channelsList := context.GetParamOr(ctx, ParamDiffusionChannels, []int{32, 64})
	numBlocks := context.GetParamOr(ctx, ParamUNetResidualBlocks, 2)
	embedDim := context.GetParamOr(ctx, ParamSinusoidalEmbedDim, 32)

	dims := noisy.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	if cfg.Timesteps <= 0 {
		exceptions.Panicf("DiffusionUNetGraph requires Timesteps > 0, got %d", cfg.Timesteps)
	}
	times := DivScalar(ConvertDType(t, noisy.DType()), float64(cfg.Timesteps))
	embed := SinusoidalEmbedding(times, embedDim)
	embed = layers.Dense(ctx.In("time_embedding"), embed, true, embedDim)
	embed = Reshape(embed, batchSize, 1, 1, embedDim)
	embed = BroadcastToDims(embed, batchSize, height, width, embedDim)

	parts := []*Node{noisy, embed}
	if cfg.Conditional {
		upsampled := Interpolate(coarse, -1, height, width, -1).Bilinear().Done()
		parts = append(parts, upsampled)
	}
	x := Concatenate(parts, -1)
	x = unetBody(ctx, x, channelsList, numBlocks)
	return conv3x3(ctx.In("readout").WithInitializer(initializers.Zero), x, 1)
}
