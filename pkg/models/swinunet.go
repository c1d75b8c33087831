// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// SwinUNetGraph is a UNet made of Swin stages: the encoder halves the token grid and doubles the
// embedding dimension between stages (patch merging), and the decoder reverses it (patch expanding),
// concatenating the encoder features of the same level.
//
// There is one stage per entry of ParamSwinDepths, and the token grid (InputSize/PatchSize) must be
// divisible by 2^(stages-1).
func SwinUNetGraph(ctx *context.Context, cfg Config, x *Node) *Node {
	x.AssertRank(4)
	embedDim := context.GetParamOr(ctx, ParamSwinEmbedDim, 48)
	depths := context.GetParamOr(ctx, ParamSwinDepths, []int{2, 2})
	numHeads := context.GetParamOr(ctx, ParamSwinNumHeads, 4)
	if len(depths) == 0 {
		exceptions.Panicf("SwinUNet requires at least one stage in %q", ParamSwinDepths)
	}

	ctx = ctx.In("swinunet")
	nextCtx := newLayerCounter(ctx)
	shallow := conv3x3(nextCtx("shallow"), x, embedDim)
	tokens := patchEmbed(nextCtx("patch_embed"), shallow, cfg.PatchSize, embedDim)
	factor := 1 << (len(depths) - 1)
	if dims := tokens.Shape().Dimensions; dims[1]%factor != 0 || dims[2]%factor != 0 {
		exceptions.Panicf("SwinUNet with %d stages requires a token grid divisible by %d, got %dx%d",
			len(depths), factor, dims[1], dims[2])
	}

	// Encoder.
	var skips []*Node
	last := len(depths) - 1
	for stage, depth := range depths {
		tokens = swinStage(nextCtx("encoder_stage_%d", stage), tokens, depth, numHeads, cfg.WindowSize)
		if stage < last {
			skips = append(skips, tokens)
			tokens = patchMerging(nextCtx("patch_merging_%d", stage), tokens)
		}
	}

	// Decoder.
	for stage := last - 1; stage >= 0; stage-- {
		tokens = patchExpanding(nextCtx("patch_expanding_%d", stage), tokens)
		skip := skips[stage]
		tokens = Concatenate([]*Node{tokens, skip}, -1)
		tokens = layers.Dense(nextCtx("concat_projection_%d", stage), tokens, true, skip.Shape().Dimensions[3])
		tokens = swinStage(nextCtx("decoder_stage_%d", stage), tokens, depths[stage], numHeads, cfg.WindowSize)
	}
	tokens = layers.LayerNormalization(nextCtx("norm"), tokens, -1).Done()
	deep := patchUnembed(nextCtx("patch_unembed"), tokens, cfg.PatchSize, embedDim)
	x = Add(deep, shallow)
	return UpsamplingHead(nextCtx("upsampling"), x, cfg.Scale)
}

// patchMerging halves the token grid, concatenating each 2x2 group of tokens and projecting them to
// twice the embedding dimension.
func patchMerging(ctx *context.Context, tokens *Node) *Node {
	dim := tokens.Shape().Dimensions[3]
	tokens = PixelUnshuffle(tokens, 2)
	tokens = layers.LayerNormalization(ctx.In("norm"), tokens, -1).Done()
	return layers.Dense(ctx.In("reduction"), tokens, false, 2*dim)
}

// patchExpanding doubles the token grid and halves the embedding dimension.
func patchExpanding(ctx *context.Context, tokens *Node) *Node {
	dim := tokens.Shape().Dimensions[3]
	outDim := max(1, dim/2)
	tokens = layers.Dense(ctx.In("expand"), tokens, false, 4*outDim)
	tokens = PixelShuffle(tokens, 2)
	return layers.LayerNormalization(ctx.In("norm"), tokens, -1).Done()
}
