// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models holds the downscaling networks and the selection of a network by name.
//
// All networks take the coarse inputs shaped `[batch_size, height, width, num_channels]` (channels last) and
// return the target on the fine grid, shaped `[batch_size, height*scale, width*scale, 1]`.
//
// Architecture hyperparameters (number of channels, depths, heads, etc.) are read from the context
// (see context.GetParamOr), so they can be changed from the command line with `--set`. The defaults are
// listed in DefaultParams.
package models

import (
	"fmt"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Type of model.
type Type string

const (
	UNet     Type = "unet"
	SwinIR   Type = "swinIR"
	ViTSR    Type = "vitSR"
	SwinUNet Type = "swinUnet"

	// Diffusion is a conditional denoising diffusion model (DiffusionUNet + GaussianDiffusion).
	Diffusion Type = "diffusion"

	// WGAN uses a UNet generator trained adversarially against a Critic.
	WGAN Type = "wgan"
)

// Types lists all supported model types.
var Types = []Type{UNet, SwinIR, ViTSR, SwinUNet, Diffusion, WGAN}

// ErrNotImplemented is returned (wrapped) when selecting an unknown model type.
var ErrNotImplemented = errors.New("model type not implemented")

// ParseType converts the command line name of a model. Unknown names return an error wrapping ErrNotImplemented.
func ParseType(name string) (Type, error) {
	if slices.Contains(Types, Type(name)) {
		return Type(name), nil
	}
	return "", errors.Wrapf(ErrNotImplemented, "model type %q (valid types are %q)", name, Types)
}

// Upsampler names accepted by SwinIR.
const (
	UpsamplerPixelShuffle = "pixelshuffle"
	UpsamplerNearestConv  = "nearest+conv"
)

// Scopes where the variables of each network are created.
const (
	GeneratorScope = "generator"
	CriticScope    = "critic"
)

// Config of the selected network, taken from the command line and the data.
type Config struct {
	// NumChannels is the number of input variables.
	NumChannels int

	// Scale between the target and input grids.
	Scale int

	// InputSize is the (square) size of the coarse patches fed to the network.
	InputSize int

	// PatchSize of the tokens of the transformer models (SwinIR, ViT-SR, SwinUNet).
	PatchSize int

	// WindowSize of the Swin attention windows, in tokens.
	WindowSize int

	// UpscaleSwinIR and UpsamplerSwinIR configure the SwinIR reconstruction head.
	UpscaleSwinIR   int
	UpsamplerSwinIR string

	// Timesteps and Conditional configure the diffusion model.
	Timesteps   int
	Conditional bool
}

// GeneratorFn maps the coarse inputs to the fine target.
type GeneratorFn func(ctx *context.Context, coarse *Node) *Node

// CriticFn scores fine fields, returning one value per example, shaped `[batch_size]`.
// Conditional critics also see the coarse inputs.
type CriticFn func(ctx *context.Context, coarse, fine *Node) *Node

// Selection is the result of Select.
type Selection struct {
	Type   Type
	Config Config

	// Generator is set for all types but Diffusion.
	Generator GeneratorFn

	// Diffusion is set only for Diffusion.
	Diffusion *GaussianDiffusion

	// Critic is set only for WGAN.
	Critic CriticFn
}

// String implements fmt.Stringer.
func (s *Selection) String() string {
	return fmt.Sprintf("%s (%d channels, x%d)", s.Type, s.Config.NumChannels, s.Config.Scale)
}

// Select the networks for the given model type, after validating that the configuration fits it.
func Select(modelType Type, cfg Config) (*Selection, error) {
	if cfg.NumChannels <= 0 {
		return nil, errors.Errorf("number of input channels must be > 0, got %d", cfg.NumChannels)
	}
	if cfg.Scale <= 0 {
		return nil, errors.Errorf("scale must be > 0, got %d", cfg.Scale)
	}
	if cfg.InputSize <= 0 {
		return nil, errors.Errorf("input size must be > 0, got %d", cfg.InputSize)
	}
	s := &Selection{Type: modelType, Config: cfg}
	switch modelType {
	case UNet:
		s.Generator = func(ctx *context.Context, coarse *Node) *Node { return UNetGraph(ctx, cfg, coarse) }
	case SwinIR:
		if cfg.UpscaleSwinIR != cfg.Scale {
			return nil, errors.Errorf("SwinIR upscale (%d) must match the scale between target and input grids (%d)",
				cfg.UpscaleSwinIR, cfg.Scale)
		}
		if cfg.UpsamplerSwinIR != UpsamplerPixelShuffle && cfg.UpsamplerSwinIR != UpsamplerNearestConv {
			return nil, errors.Errorf("SwinIR upsampler %q not supported, use %q or %q",
				cfg.UpsamplerSwinIR, UpsamplerPixelShuffle, UpsamplerNearestConv)
		}
		if cfg.UpsamplerSwinIR == UpsamplerNearestConv && !isPowerOf2(cfg.Scale) {
			return nil, errors.Errorf("SwinIR upsampler %q requires a power of 2 upscale, got %d",
				UpsamplerNearestConv, cfg.Scale)
		}
		if err := checkWindows(cfg); err != nil {
			return nil, err
		}
		s.Generator = func(ctx *context.Context, coarse *Node) *Node { return SwinIRGraph(ctx, cfg, coarse) }
	case ViTSR:
		if err := checkPatches(cfg); err != nil {
			return nil, err
		}
		s.Generator = func(ctx *context.Context, coarse *Node) *Node { return ViTSRGraph(ctx, cfg, coarse) }
	case SwinUNet:
		if err := checkWindows(cfg); err != nil {
			return nil, err
		}
		s.Generator = func(ctx *context.Context, coarse *Node) *Node { return SwinUNetGraph(ctx, cfg, coarse) }
	case Diffusion:
		if cfg.Timesteps <= 0 {
			return nil, errors.Errorf("number of diffusion timesteps must be > 0, got %d", cfg.Timesteps)
		}
		s.Diffusion = NewGaussianDiffusion(cfg)
	case WGAN:
		s.Generator = func(ctx *context.Context, coarse *Node) *Node { return UNetGraph(ctx, cfg, coarse) }
		s.Critic = CriticGraph
	default:
		return nil, errors.Wrapf(ErrNotImplemented, "model type %q", modelType)
	}
	return s, nil
}

func checkPatches(cfg Config) error {
	if cfg.PatchSize <= 0 {
		return errors.Errorf("patch size must be > 0, got %d", cfg.PatchSize)
	}
	if cfg.InputSize%cfg.PatchSize != 0 {
		return errors.Errorf("input size %d must be divisible by the patch size %d", cfg.InputSize, cfg.PatchSize)
	}
	return nil
}

func checkWindows(cfg Config) error {
	if err := checkPatches(cfg); err != nil {
		return err
	}
	if cfg.WindowSize <= 0 {
		return errors.Errorf("window size must be > 0, got %d", cfg.WindowSize)
	}
	tokens := cfg.InputSize / cfg.PatchSize
	if tokens%cfg.WindowSize != 0 {
		return errors.Errorf("input size %d with patch size %d gives a %dx%d token grid, not divisible by the window size %d",
			cfg.InputSize, cfg.PatchSize, tokens, tokens, cfg.WindowSize)
	}
	return nil
}

func isPowerOf2(n int) bool { return n > 0 && n&(n-1) == 0 }
