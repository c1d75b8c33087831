// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// SwinIRGraph builds the SwinIR network:
//
//  1. Shallow features: a 3x3 convolution to the embedding dimension.
//  2. Deep features: residual groups of Swin blocks (one group per entry of ParamSwinDepths),
//     computed on tokens of PatchSize x PatchSize pixels, each group closed by a convolution.
//  3. Reconstruction: convolution plus the long skip from the shallow features, followed by the upsampler.
func SwinIRGraph(ctx *context.Context, cfg Config, x *Node) *Node {
	x.AssertRank(4)
	embedDim := context.GetParamOr(ctx, ParamSwinEmbedDim, 48)
	depths := context.GetParamOr(ctx, ParamSwinDepths, []int{2, 2})
	numHeads := context.GetParamOr(ctx, ParamSwinNumHeads, 4)

	ctx = ctx.In("swinir")
	nextCtx := newLayerCounter(ctx)
	shallow := conv3x3(nextCtx("shallow"), x, embedDim)

	tokens := patchEmbed(nextCtx("patch_embed"), shallow, cfg.PatchSize, embedDim)
	for _, depth := range depths {
		groupCtx := nextCtx("residual_group")
		residual := tokens
		tokens = swinStage(groupCtx, tokens, depth, numHeads, cfg.WindowSize)
		tokens = conv3x3(groupCtx.In("conv"), tokens, embedDim)
		tokens = Add(tokens, residual)
	}
	tokens = layers.LayerNormalization(nextCtx("norm"), tokens, -1).Done()
	deep := patchUnembed(nextCtx("patch_unembed"), tokens, cfg.PatchSize, embedDim)
	x = Add(conv3x3(nextCtx("conv_after_body"), deep, embedDim), shallow)

	switch cfg.UpsamplerSwinIR {
	case UpsamplerNearestConv:
		return nearestConvUpsampler(nextCtx("upsampler"), x, cfg.Scale)
	default:
		return UpsamplingHead(nextCtx("upsampler"), x, cfg.Scale)
	}
}

// nearestConvUpsampler doubles the grid with nearest neighbor interpolation followed by a convolution,
// until the scale is reached. scale must be a power of 2.
func nearestConvUpsampler(ctx *context.Context, x *Node, scale int) *Node {
	channels := x.Shape().Dimensions[3]
	nextCtx := newLayerCounter(ctx)
	for factor := 1; factor < scale; factor *= 2 {
		x = UpsampleNearest(x, 2)
		x = conv3x3(nextCtx("conv_up"), x, channels)
		x = activations.LeakyRelu(x)
	}
	x = conv3x3(nextCtx("conv_hr"), x, channels)
	x = activations.LeakyRelu(x)
	return conv3x3(nextCtx("readout"), x, 1)
}

// patchEmbed groups patchSize x patchSize pixels into tokens projected to embedDim.
func patchEmbed(ctx *context.Context, x *Node, patchSize, embedDim int) *Node {
	if patchSize > 1 {
		x = PixelUnshuffle(x, patchSize)
	}
	x = layers.Dense(ctx, x, true, embedDim)
	return layers.LayerNormalization(ctx.In("norm"), x, -1).Done()
}

// patchUnembed is the inverse of patchEmbed: each token is projected back to patchSize x patchSize pixels
// with channels features.
func patchUnembed(ctx *context.Context, tokens *Node, patchSize, channels int) *Node {
	if patchSize == 1 {
		return tokens
	}
	x := layers.Dense(ctx, tokens, true, channels*patchSize*patchSize)
	return PixelShuffle(x, patchSize)
}
