// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Hyperparameters read from the context, with their default values in DefaultParams.
const (
	ParamUNetChannels       = "unet_channels_list"
	ParamUNetResidualBlocks = "unet_num_residual_blocks"

	ParamSwinEmbedDim = "swin_embed_dim"
	ParamSwinDepths   = "swin_depths"
	ParamSwinNumHeads = "swin_num_heads"
	ParamMLPRatio     = "mlp_ratio"

	ParamViTEmbedDim  = "vit_embed_dim"
	ParamViTNumLayers = "vit_num_layers"
	ParamViTNumHeads  = "vit_num_heads"

	ParamDiffusionChannels  = "diffusion_channels_list"
	ParamSinusoidalEmbedDim = "sinusoidal_embed_size"

	ParamCriticChannels = "critic_channels_list"
)

// DefaultParams returns the default architecture hyperparameters, to be set in the context before parsing `--set`.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamUNetChannels:       []int{32, 64},
		ParamUNetResidualBlocks: 2,

		ParamSwinEmbedDim: 48,
		ParamSwinDepths:   []int{2, 2},
		ParamSwinNumHeads: 4,
		ParamMLPRatio:     2.0,

		ParamViTEmbedDim:  96,
		ParamViTNumLayers: 4,
		ParamViTNumHeads:  4,

		ParamDiffusionChannels:  []int{32, 64},
		ParamSinusoidalEmbedDim: 32,

		ParamCriticChannels: []int{32, 64, 128},

		activations.ParamActivation: "swish",
	}
}

// newLayerCounter returns a function that scopes ctx with an increasing counter prefix, which gives a nice
// ordering to the variables.
func newLayerCounter(ctx *context.Context) func(format string, args ...any) *context.Context {
	layerNum := 0
	return func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}
}

// conv3x3 is a "same" padded convolution with kernel size 3.
func conv3x3(ctx *context.Context, x *Node, channels int) *Node {
	return layers.Convolution(ctx, x).Channels(channels).KernelSize(3).PadSame().Done()
}

// ResidualBlock on x shaped `[batch_size, height, width, channels]` with `outputChannels` in the output.
func ResidualBlock(ctx *context.Context, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	nextCtx := newLayerCounter(ctx)
	residual := x
	if x.Shape().Dimensions[3] != outputChannels {
		residual = layers.Dense(nextCtx("residual_projection"), x, true, outputChannels)
	}
	x = layers.LayerNormalization(nextCtx("norm"), x, -1).Done()
	x = conv3x3(nextCtx("conv"), x, outputChannels)
	x = activations.ApplyFromContext(ctx, x)
	x = conv3x3(nextCtx("conv"), x, outputChannels)
	return Add(x, residual)
}

// DownBlock applies numBlocks residual blocks followed by a mean pooling of size 2, halving the spatial size.
// The output of each residual block is pushed to skips, to be connected later by UpBlock.
func DownBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := range numBlocks {
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
		skips = append(skips, x)
	}
	x = MeanPool(x).Window(2).NoPadding().Done()
	return x, skips
}

// UpBlock is the counterpart of DownBlock: it doubles the spatial size and applies numBlocks residual blocks,
// each concatenated with a skip connection popped from skips.
func UpBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	x = UpsampleNearest(x, 2)
	for ii := range numBlocks {
		skip := skips[len(skips)-1]
		skips = skips[:len(skips)-1]
		x = Concatenate([]*Node{x, skip}, -1)
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
	}
	return x, skips
}

// UpsampleNearest repeats each pixel of x (shaped `[batch, height, width, channels]`) factor times along
// both spatial axes.
func UpsampleNearest(x *Node, factor int) *Node {
	if factor == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = InsertAxes(x, 2, 3) // [batch, height, 1, width, 1, channels]
	x = BroadcastToDims(x, batchSize, height, factor, width, factor, channels)
	return Reshape(x, batchSize, height*factor, width*factor, channels)
}

// PixelShuffle rearranges x shaped `[batch, height, width, channels*factor*factor]` into
// `[batch, height*factor, width*factor, channels]`.
func PixelShuffle(x *Node, factor int) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	if dims[3]%(factor*factor) != 0 {
		exceptions.Panicf("PixelShuffle(factor=%d) requires the number of channels to be divisible by %d, got x.shape=%s",
			factor, factor*factor, x.Shape())
	}
	channels := dims[3] / (factor * factor)
	x = Reshape(x, batchSize, height, width, factor, factor, channels)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize, height*factor, width*factor, channels)
}

// PixelUnshuffle is the inverse of PixelShuffle.
func PixelUnshuffle(x *Node, factor int) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batchSize, height/factor, factor, width/factor, factor, channels)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize, height/factor, width/factor, factor*factor*channels)
}

// UpsamplingHead maps features to the single channel target on a grid scale times larger:
// a convolution to channels*scale^2 features followed by a PixelShuffle and a final convolution.
func UpsamplingHead(ctx *context.Context, x *Node, scale int) *Node {
	channels := x.Shape().Dimensions[3]
	if scale > 1 {
		x = conv3x3(ctx.In("expand"), x, channels*scale*scale)
		x = PixelShuffle(x, scale)
		x = activations.ApplyFromContext(ctx, x)
	}
	return conv3x3(ctx.In("readout"), x, 1)
}

// SinusoidalEmbedding of x for geometrically spaced frequencies, half sine and half cosine, concatenated
// in a new last axis of size embedDim.
func SinusoidalEmbedding(x *Node, embedDim int) *Node {
	g := x.Graph()
	halfEmbed := embedDim / 2
	if halfEmbed < 2 {
		exceptions.Panicf("SinusoidalEmbedding requires embedDim >= 4, got %d", embedDim)
	}
	logMinFreq, logMaxFreq := math.Log(1.0), math.Log(1000.0)
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1)), logMinFreq)
	frequencies = Exp(frequencies)
	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	angles := Mul(InsertAxes(x, -1), ExpandLeftToRank(angularSpeeds, x.Rank()+1))
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// mlp is the transformer feed-forward block.
func mlp(ctx *context.Context, x *Node, hiddenDim int) *Node {
	dim := x.Shape().Dimensions[x.Rank()-1]
	x = layers.Dense(ctx.In("ffn_1"), x, true, hiddenDim)
	x = activations.Gelu(x)
	return layers.Dense(ctx.In("ffn_2"), x, true, dim)
}
