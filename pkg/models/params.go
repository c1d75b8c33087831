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
	"github.com/pkg/errors"
)

// ParameterCounts reported by CountParameters.
type ParameterCounts struct {
	Generator, Critic int
}

// CountParameters builds the selected networks once, on a copy of the hyperparameters of ctx, and counts
// their trainable parameters. inputShape is the shape of the coarse inputs, `[batch, height, width, channels]`.
//
// The critic count is 0 for all models but WGAN.
func CountParameters(backend backends.Backend, ctx *context.Context, sel *Selection, inputShape shapes.Shape) (
	counts ParameterCounts, err error) {
	if inputShape.Rank() != 4 {
		return counts, errors.Errorf("CountParameters requires inputs shaped [batch, height, width, channels], got %s",
			inputShape)
	}
	countCtx := context.New()
	ctx.EnumerateParams(func(scope, key string, value any) {
		countCtx.InAbsPath(scope).SetParam(key, value)
	})
	countCtx = countCtx.Checked(false)
	dims := inputShape.Dimensions
	scale := sel.Config.Scale
	coarse := tensors.FromShape(inputShape)
	fine := tensors.FromShape(shapes.Make(inputShape.DType, dims[0], dims[1]*scale, dims[2]*scale, 1))

	err = exceptions.TryCatch[error](func() {
		genCtx := countCtx.In(GeneratorScope)
		if sel.Diffusion != nil {
			_ = context.MustExecOnce(backend, genCtx, func(ctx *context.Context, coarse, noisy *Node) *Node {
				t := Zeros(coarse.Graph(), shapes.Make(dtypes.Int32, coarse.Shape().Dimensions[0]))
				return DiffusionUNetGraph(ctx, sel.Config, coarse, noisy, t)
			}, coarse, fine)
		} else {
			_ = context.MustExecOnce(backend, genCtx, func(ctx *context.Context, coarse *Node) *Node {
				return sel.Generator(ctx, coarse)
			}, coarse)
		}
		counts.Generator = countTrainable(genCtx)

		if sel.Critic != nil {
			criticCtx := countCtx.In(CriticScope)
			_ = context.MustExecOnce(backend, criticCtx, func(ctx *context.Context, coarse, fine *Node) *Node {
				return sel.Critic(ctx, coarse, fine)
			}, coarse, fine)
			counts.Critic = countTrainable(criticCtx)
		}
	})
	if err != nil {
		return ParameterCounts{}, errors.WithMessagef(err, "counting parameters of %s", sel)
	}
	return counts, nil
}

// countTrainable returns the number of trainable scalar parameters under the current scope of ctx.
func countTrainable(ctx *context.Context) int {
	var total int
	for v := range ctx.IterVariablesInScope() {
		if v.Trainable {
			total += v.Shape().Size()
		}
	}
	return total
}
