// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// UNetGraph is a residual UNet on the coarse grid, followed by an upsampling head to the fine grid.
//
// The number of channels per level is read from ParamUNetChannels, and the spatial size of x must be
// divisible by 2^(levels-1).
func UNetGraph(ctx *context.Context, cfg Config, x *Node) *Node {
	x.AssertRank(4)
	channelsList := context.GetParamOr(ctx, ParamUNetChannels, []int{32, 64})
	numBlocks := context.GetParamOr(ctx, ParamUNetResidualBlocks, 2)
	x = unetBody(ctx.In("unet"), x, channelsList, numBlocks)
	return UpsamplingHead(ctx.In("upsampling"), x, cfg.Scale)
}

// unetBody is the encoder/decoder, it returns features on the same grid as x with channelsList[0] channels.
func unetBody(ctx *context.Context, x *Node, channelsList []int, numBlocks int) *Node {
	if len(channelsList) == 0 {
		exceptions.Panicf("UNet requires at least one level of channels")
	}
	levels := len(channelsList)
	factor := 1 << (levels - 1)
	height, width := x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	if height%factor != 0 || width%factor != 0 {
		exceptions.Panicf("UNet with %d levels requires spatial dimensions divisible by %d, got x.shape=%s",
			levels, factor, x.Shape())
	}

	nextCtx := newLayerCounter(ctx)
	x = layers.Convolution(nextCtx("stem"), x).Channels(channelsList[0]).KernelSize(1).Done()

	var skips []*Node
	for _, channels := range channelsList[:levels-1] {
		x, skips = DownBlock(nextCtx("down"), x, skips, numBlocks, channels)
	}
	for ii := range numBlocks {
		x = ResidualBlock(nextCtx("middle_%d", ii), x, channelsList[levels-1])
	}
	for level := levels - 2; level >= 0; level-- {
		x, skips = UpBlock(nextCtx("up"), x, skips, numBlocks, channelsList[level])
	}
	return x
}
