// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"math"

	"github.com/gomlx/downscaling/pkg/models"
	"github.com/gomlx/downscaling/pkg/ncdata"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StandardModel trains a generator with a direct loss: the mean squared error to the target or, for the
// diffusion model, the mean squared error of the predicted noise.
type StandardModel struct {
	backend    backends.Backend
	ctx        *context.Context
	sel        *models.Selection
	cfg        Config
	trainDS    train.Dataset
	valDS      train.Dataset
	valData    *ncdata.Dataset
	trainer    *train.Trainer
	loop       *train.Loop
	checkpoint *checkpoints.Handler
	lr         float64
	numBatches int
}

var _ Model = (*StandardModel)(nil)

// BuildModel creates the training of the selected generator with an Adam optimizer.
//
// The variables of the generator are created under models.GeneratorScope in ctx. If cfg.SaveDir has
// checkpoints, they are loaded and training continues from there.
func BuildModel(backend backends.Backend, ctx *context.Context, sel *models.Selection,
	trainDS, valDS *ncdata.Dataset, cfg Config) (*StandardModel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := checkDatasets(trainDS, valDS); err != nil {
		return nil, err
	}
	if sel.Generator == nil && sel.Diffusion == nil {
		return nil, errors.Errorf("model %s has no generator to train", sel)
	}
	checkpoint, err := buildCheckpoint(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := &StandardModel{
		backend:    backend,
		ctx:        ctx,
		sel:        sel,
		cfg:        cfg,
		trainDS:    trainDS,
		valDS:      valDS,
		valData:    valDS,
		checkpoint: checkpoint,
		lr:         context.GetParamOr(ctx, ParamLearningRate, optimizers.AdamDefaultLearningRate),
		numBatches: trainDS.NumBatches(),
	}

	var modelFn train.ModelFn
	var lossFn func(labels, predictions []*Node) *Node
	if sel.Diffusion != nil {
		m.trainDS = &targetAsInput{trainDS}
		m.valDS = &targetAsInput{valDS}
		modelFn = func(ctx *context.Context, _ any, inputs []*Node) []*Node {
			predicted, loss := sel.Diffusion.TrainingGraph(ctx, inputs[0], inputs[1])
			return []*Node{predicted, loss}
		}
		lossFn = func(_, predictions []*Node) *Node { return predictions[1] }
	} else {
		modelFn = func(ctx *context.Context, _ any, inputs []*Node) []*Node {
			return []*Node{sel.Generator(ctx, inputs[0])}
		}
		lossFn = losses.MeanSquaredError
	}

	errMetrics := newErrorMetrics(valDS)
	movingMAE := metrics.NewExponentialMovingAverageMetric(
		"Moving MAE", "~mae", "mae", errMetrics.MAEGraph, pprintMetric, 0.05)
	meanMAE := metrics.NewMeanMetric("Mean Absolute Error", "mae", "mae", errMetrics.MAEGraph, pprintMetric)
	meanMSE := metrics.NewMeanMetric("Mean Squared Error", "mse", "mse", errMetrics.MSEGraph, pprintMetric)

	genCtx := ctx.In(models.GeneratorScope)
	optimizer := optimizers.Adam().LearningRate(m.lr).FromContext(ctx).Done()
	err = exceptions.TryCatch[error](func() {
		m.trainer = train.NewTrainer(backend, genCtx, modelFn, lossFn, optimizer,
			[]metrics.Interface{movingMAE},
			[]metrics.Interface{meanMAE, meanMSE})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "building trainer for %s", sel)
	}
	if optimizers.GetGlobalStep(genCtx) > 0 {
		m.trainer.SetContext(genCtx.Reuse())
	}
	m.loop = train.NewLoop(m.trainer)
	if cfg.ProgressBar {
		commandline.AttachProgressBar(m.loop)
	}
	if cfg.CheckpointSave > 0 && checkpoint != nil {
		train.EveryNSteps(m.loop, cfg.CheckpointSave, "saving checkpoint", 100,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				return saveCheckpoint(checkpoint, loop.LoopStep)
			})
	}
	if cfg.RunLog != nil {
		m.loop.OnStep("run log", 200, func(loop *train.Loop, values []*tensors.Tensor) error {
			logged := make(map[string]float64, len(values))
			for ii, metric := range loop.Trainer.TrainMetrics() {
				if ii < len(values) {
					logged[metric.ShortName()] = scalarValue(values[ii])
				}
			}
			if len(values) > 0 {
				logged[MetricLoss] = scalarValue(values[0])
			}
			logMetrics(cfg.RunLog, loop.LoopStep, logged)
			return nil
		})
	}
	return m, nil
}

// LearningRate of the optimizer.
func (m *StandardModel) LearningRate() float64 { return m.lr }

// GlobalStep is the number of training steps run so far, including the ones restored from a checkpoint.
func (m *StandardModel) GlobalStep() int { return int(m.trainer.GlobalStep()) }

// Fit implements Model: each epoch is one pass over the training data, followed by a validation and a
// checkpoint.
func (m *StandardModel) Fit() error {
	fmt.Printf("Training %s for %d epochs (%d steps per epoch)\n", m.sel, m.cfg.Epochs, m.numBatches)
	for epoch := range m.cfg.Epochs {
		if _, err := m.loop.RunEpochs(m.trainDS, 1); err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch+1)
		}
		values, err := m.Validate()
		if err != nil {
			return errors.WithMessagef(err, "validating epoch %d", epoch+1)
		}
		step := m.loop.LoopStep
		reportValidation(epoch, values)
		logMetrics(m.cfg.RunLog, step, values)
		if m.cfg.Snapshots && m.cfg.RunLog != nil {
			if err = m.snapshot(epoch); err != nil {
				klog.Warningf("failed to save snapshots of epoch %d: %+v", epoch+1, err)
			}
		}
		if err = saveCheckpoint(m.checkpoint, step); err != nil {
			return err
		}
	}
	fmt.Printf("\tMedian train step duration: %d ms\n", m.loop.MedianTrainStepDuration().Milliseconds())
	return nil
}

// Validate evaluates the model on the validation dataset, returning the metrics in physical units.
func (m *StandardModel) Validate() (map[string]float64, error) {
	values, err := m.trainer.Eval(m.valDS)
	m.valDS.Reset()
	if err != nil {
		return nil, err
	}
	results := make(map[string]float64, len(values)+1)
	for ii, metric := range m.trainer.EvalMetrics() {
		value := scalarValue(values[ii])
		switch metric.ShortName() {
		case "mae":
			results[MetricValMAE] = value
		case "mse":
			results[MetricValRMSE] = math.Sqrt(value)
		default:
			results["val_"+metric.ShortName()] = value
		}
	}
	for _, v := range values {
		v.MustFinalizeAll()
	}
	return results, nil
}

// Predict generates the normalized target for the coarse inputs. The diffusion model samples it with
// the reverse diffusion.
func (m *StandardModel) Predict(coarse *tensors.Tensor) (*tensors.Tensor, error) {
	genCtx := m.ctx.In(models.GeneratorScope)
	if m.sel.Diffusion != nil {
		return m.sel.Diffusion.Sample(m.backend, genCtx, coarse)
	}
	var prediction *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		prediction = context.MustExecOnce(m.backend, genCtx.Reuse(), func(ctx *context.Context, coarse *Node) *Node {
			return m.sel.Generator(ctx, coarse)
		}, coarse)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "predicting with %s", m.sel)
	}
	return prediction, nil
}

// snapshot saves the prediction and target of the first validation example.
func (m *StandardModel) snapshot(epoch int) error {
	m.valData.Reset()
	defer m.valData.Reset()
	_, inputs, labels, err := m.valData.Yield()
	if err != nil {
		return err
	}
	prediction, err := m.Predict(inputs[0])
	if err != nil {
		return err
	}
	return saveSnapshots(m.cfg.RunLog, m.valData, epoch, prediction, labels[0])
}

// targetAsInput yields the target also as the second input, for the diffusion model, which needs it to
// build the noisy samples.
type targetAsInput struct {
	*ncdata.Dataset
}

// Yield implements train.Dataset.
func (ds *targetAsInput) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.Dataset.Yield()
	if err != nil {
		return
	}
	target := labels[0]
	// The loop finalizes inputs and labels separately, so the target is copied.
	targetCopy := tensors.FromFlatDataAndDimensions(tensors.MustCopyFlatData[float32](target),
		target.Shape().Dimensions...)
	inputs = append(inputs, targetCopy)
	return
}
