// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
)

// ViTSRGraph is a vision transformer for super-resolution: the coarse grid is split in patches
// (PatchSize x PatchSize pixels), embedded with a learned positional embedding, processed by a stack of
// global self-attention layers and projected back to pixels before the pixel-shuffle head.
func ViTSRGraph(ctx *context.Context, cfg Config, x *Node) *Node {
	x.AssertRank(4)
	embedDim := context.GetParamOr(ctx, ParamViTEmbedDim, 96)
	numLayers := context.GetParamOr(ctx, ParamViTNumLayers, 4)
	numHeads := context.GetParamOr(ctx, ParamViTNumHeads, 4)
	mlpRatio := context.GetParamOr(ctx, ParamMLPRatio, 2.0)

	ctx = ctx.In("vitsr")
	nextCtx := newLayerCounter(ctx)
	batchSize := x.Shape().Dimensions[0]
	shallow := conv3x3(nextCtx("shallow"), x, embedDim)
	tokens := patchEmbed(nextCtx("patch_embed"), shallow, cfg.PatchSize, embedDim)
	gridH, gridW := tokens.Shape().Dimensions[1], tokens.Shape().Dimensions[2]
	numTokens := gridH * gridW
	tokens = Reshape(tokens, batchSize, numTokens, embedDim)

	posCtx := nextCtx("positional_embedding").WithInitializer(initializers.Zero)
	posEmbed := posCtx.VariableWithShape("embeddings", shapes.Make(x.DType(), numTokens, embedDim))
	tokens = Add(tokens, ExpandLeftToRank(posEmbed.ValueGraph(x.Graph()), 3))

	headDim := max(1, embedDim/numHeads)
	for range numLayers {
		layerCtx := nextCtx("transformer_layer")
		residual := tokens
		tokens = layers.LayerNormalization(layerCtx.In("norm_attention"), tokens, -1).Done()
		tokens = attention.MultiHeadAttention(layerCtx.In("attention"), tokens, tokens, tokens, numHeads, headDim).
			WithOutputDim(embedDim).
			Done()
		tokens = Add(residual, tokens)

		residual = tokens
		tokens = layers.LayerNormalization(layerCtx.In("norm_mlp"), tokens, -1).Done()
		tokens = mlp(layerCtx.In("mlp"), tokens, max(1, int(float64(embedDim)*mlpRatio)))
		tokens = Add(residual, tokens)
	}
	tokens = layers.LayerNormalization(nextCtx("norm"), tokens, -1).Done()
	tokens = Reshape(tokens, batchSize, gridH, gridW, embedDim)
	deep := patchUnembed(nextCtx("patch_unembed"), tokens, cfg.PatchSize, embedDim)
	x = Add(deep, shallow)
	return UpsamplingHead(nextCtx("upsampling"), x, cfg.Scale)
}
