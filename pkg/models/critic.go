// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// CriticGraph is the convolutional WGAN critic: it scores fine fields (shaped `[batch, height, width, 1]`)
// conditioned on the coarse inputs, which are upsampled to the fine grid and concatenated.
// It returns one unbounded score per example, shaped `[batch]`.
//
// The critic is usually called more than once per graph (real, generated and interpolated fields),
// so ctx should not be in checked mode (see context.Context.Checked).
func CriticGraph(ctx *context.Context, coarse, fine *Node) *Node {
	fine.AssertRank(4)
	channelsList := context.GetParamOr(ctx, ParamCriticChannels, []int{32, 64, 128})
	dims := fine.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]

	x := fine
	if coarse != nil {
		upsampled := Interpolate(coarse, -1, height, width, -1).Bilinear().Done()
		x = Concatenate([]*Node{fine, upsampled}, -1)
	}
	nextCtx := newLayerCounter(ctx)
	for ii, channels := range channelsList {
		x = conv3x3(nextCtx("conv"), x, channels)
		x = activations.LeakyRelu(x)
		if ii < len(channelsList)-1 && x.Shape().Dimensions[1] >= 2 && x.Shape().Dimensions[2] >= 2 {
			x = layers.Convolution(nextCtx("conv_stride"), x).Channels(channels).KernelSize(2).Strides(2).
				NoPadding().Done()
			x = activations.LeakyRelu(x)
		}
	}
	x = ReduceMean(x, 1, 2)
	x = layers.Dense(nextCtx("readout"), x, true, 1)
	return Reshape(x, batchSize)
}

// GradientPenalty of WGAN-GP: the mean of `(||∇critic(interpolated)|| - 1)^2`, where the interpolated fields
// are random convex combinations of real and generated fields, per example.
func GradientPenalty(ctx *context.Context, critic CriticFn, coarse, real, generated *Node) *Node {
	g := real.Graph()
	batchSize := real.Shape().Dimensions[0]
	epsilon := ctx.RandomUniform(g, shapes.Make(real.DType(), batchSize, 1, 1, 1))
	interpolated := Add(Mul(epsilon, StopGradient(real)), Mul(OneMinus(epsilon), StopGradient(generated)))
	scores := critic(ctx, coarse, interpolated)
	grad := Gradient(ReduceAllSum(scores), interpolated)[0]
	norms := Sqrt(AddScalar(ReduceSum(Square(grad), 1, 2, 3), 1e-12))
	return ReduceAllMean(Square(AddScalar(norms, -1)))
}
