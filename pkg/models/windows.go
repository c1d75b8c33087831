// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// windowPartition splits x shaped `[batch, height, width, dim]` into non-overlapping windows of
// windowSize x windowSize tokens, returning `[batch, numWindows, windowSize*windowSize, dim]`.
// Windows are ordered row-major.
func windowPartition(x *Node, windowSize int) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, dim := dims[0], dims[1], dims[2], dims[3]
	if height%windowSize != 0 || width%windowSize != 0 {
		exceptions.Panicf("windowPartition(windowSize=%d) requires the spatial dimensions to be divisible by it, got x.shape=%s",
			windowSize, x.Shape())
	}
	rows, cols := height/windowSize, width/windowSize
	x = Reshape(x, batchSize, rows, windowSize, cols, windowSize, dim)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize, rows*cols, windowSize*windowSize, dim)
}

// windowReverse is the inverse of windowPartition.
func windowReverse(windows *Node, windowSize, height, width int) *Node {
	dims := windows.Shape().Dimensions
	batchSize, dim := dims[0], dims[3]
	rows, cols := height/windowSize, width/windowSize
	x := Reshape(windows, batchSize, rows, cols, windowSize, windowSize, dim)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, batchSize, height, width, dim)
}

// roll shifts the elements of x along axis by shift positions, wrapping around (like numpy.roll).
// A negative shift rolls towards the start.
func roll(x *Node, axis, shift int) *Node {
	axis = adjustAxis(x, axis)
	n := x.Shape().Dimensions[axis]
	shift = ((shift % n) + n) % n
	if shift == 0 {
		return x
	}
	tail := SliceAxis(x, axis, AxisRange(n-shift))
	head := SliceAxis(x, axis, AxisRange(0, n-shift))
	return Concatenate([]*Node{tail, head}, axis)
}

func adjustAxis(x *Node, axis int) int {
	if axis < 0 {
		axis += x.Rank()
	}
	return axis
}

// shiftedWindowMask returns which pairs of tokens within each window can attend to each other after
// the grid has been rolled by -shift: tokens that come from different regions of the original grid
// are masked out. The result is indexed [window][query][key].
func shiftedWindowMask(height, width, windowSize, shift int) [][][]bool {
	regionOf := func(pos, size int) int {
		switch {
		case pos < size-windowSize:
			return 0
		case pos < size-shift:
			return 1
		default:
			return 2
		}
	}
	rows, cols := height/windowSize, width/windowSize
	windowArea := windowSize * windowSize
	mask := make([][][]bool, rows*cols)
	labels := make([]int, windowArea)
	for row := range rows {
		for col := range cols {
			for idx := range windowArea {
				y, x := row*windowSize+idx/windowSize, col*windowSize+idx%windowSize
				labels[idx] = regionOf(y, height)*3 + regionOf(x, width)
			}
			windowMask := make([][]bool, windowArea)
			for q := range windowArea {
				windowMask[q] = make([]bool, windowArea)
				for k := range windowArea {
					windowMask[q][k] = labels[q] == labels[k]
				}
			}
			mask[row*cols+col] = windowMask
		}
	}
	return mask
}

// windowAttention is a multi-head self-attention within each window, for x shaped
// `[batch, numWindows, windowArea, dim]`. It includes a learned relative bias per head and pair
// of positions. The optional mask, shaped `[numWindows, windowArea, windowArea]`, excludes pairs of tokens.
func windowAttention(ctx *context.Context, x *Node, numHeads int, mask *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, numWindows, windowArea, dim := dims[0], dims[1], dims[2], dims[3]
	if dim%numHeads != 0 {
		exceptions.Panicf("window attention: embedding dimension %d is not divisible by the number of heads %d", dim, numHeads)
	}
	headDim := dim / numHeads
	query := layers.Dense(ctx.In("query"), x, true, numHeads, headDim)
	key := layers.Dense(ctx.In("key"), x, true, numHeads, headDim)
	value := layers.Dense(ctx.In("value"), x, true, numHeads, headDim)

	logits := Einsum("bwqhd,bwkhd->bwhqk", query, key)
	logits = MulScalar(logits, 1.0/math.Sqrt(float64(headDim)))
	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("position_bias", shapes.Make(x.DType(), numHeads, windowArea, windowArea))
	logits = Add(logits, ExpandLeftToRank(biasVar.ValueGraph(x.Graph()), 5))

	var attention *Node
	if mask == nil {
		attention = Softmax(logits, -1)
	} else {
		mask = Reshape(mask, 1, numWindows, 1, windowArea, windowArea)
		mask = BroadcastToDims(mask, batchSize, numWindows, numHeads, windowArea, windowArea)
		attention = MaskedSoftmax(logits, mask, -1)
	}
	output := Einsum("bwhqk,bwkhd->bwqhd", attention, value)
	output = Reshape(output, batchSize, numWindows, windowArea, dim)
	return layers.Dense(ctx.In("projection"), output, true, dim)
}

// swinBlock is a Swin transformer block on tokens x shaped `[batch, height, width, dim]`:
// (shifted) window attention followed by a feed-forward layer, both with pre-normalization and residuals.
//
// The window is clipped to the largest size that tiles the grid, and no shift is applied if the grid fits
// in one window.
func swinBlock(ctx *context.Context, x *Node, numHeads, windowSize, shift int) *Node {
	dims := x.Shape().Dimensions
	height, width, dim := dims[1], dims[2], dims[3]
	windowSize = min(windowSize, height, width)
	for height%windowSize != 0 || width%windowSize != 0 {
		windowSize--
	}
	shift = min(shift, windowSize/2)
	if height <= windowSize && width <= windowSize {
		shift = 0
	}

	residual := x
	x = layers.LayerNormalization(ctx.In("norm_attention"), x, -1).Done()
	var mask *Node
	if shift > 0 {
		x = roll(roll(x, 1, -shift), 2, -shift)
		mask = Const(x.Graph(), shiftedWindowMask(height, width, windowSize, shift))
	}
	windows := windowPartition(x, windowSize)
	windows = windowAttention(ctx.In("attention"), windows, numHeads, mask)
	x = windowReverse(windows, windowSize, height, width)
	if shift > 0 {
		x = roll(roll(x, 1, shift), 2, shift)
	}
	x = Add(residual, x)

	mlpRatio := context.GetParamOr(ctx, ParamMLPRatio, 2.0)
	residual = x
	x = layers.LayerNormalization(ctx.In("norm_mlp"), x, -1).Done()
	x = mlp(ctx.In("mlp"), x, max(1, int(float64(dim)*mlpRatio)))
	return Add(residual, x)
}

// swinStage applies depth Swin blocks, alternating regular and shifted windows.
func swinStage(ctx *context.Context, x *Node, depth, numHeads, windowSize int) *Node {
	for ii := range depth {
		shift := 0
		if ii%2 == 1 {
			shift = windowSize / 2
		}
		x = swinBlock(ctx.Inf("%03d-swin_block", ii), x, numHeads, windowSize, shift)
	}
	return x
}
