// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ErrTrainingNotSupported is returned by CheckTrainingSupport when the backend can't differentiate the networks.
var ErrTrainingNotSupported = errors.New("backend cannot train convolutional networks")

// CheckTrainingSupport compiles and runs the gradient of a small convolution with respect to its input, which
// all networks with stacked convolutions need to train.
//
// It returns an error wrapping ErrTrainingNotSupported if the backend fails to do so.
func CheckTrainingSupport(backend backends.Backend) error {
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 4, 4, 2))
	grad, err := context.ExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
		y := conv3x3(ctx.In("check"), x, 2)
		return Gradient(ReduceAllSum(Square(y)), x)[0]
	}, x)
	if err != nil {
		return errors.Wrapf(ErrTrainingNotSupported, "backend %s: %v", backend.Name(), err)
	}
	grad.MustFinalizeAll()
	return nil
}
