// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/downscaling/pkg/models"
	"github.com/gomlx/downscaling/pkg/ncdata"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// WGANModel trains a generator against a critic, with the Wasserstein loss and gradient penalty (WGAN-GP).
//
// For every batch the critic is updated; every ParamNumCritic batches the generator is also updated, with
// the mean squared error to the target plus ParamAdvWeight times the adversarial loss.
type WGANModel struct {
	backend    backends.Backend
	ctx        *context.Context
	sel        *models.Selection
	cfg        Config
	trainDS    *ncdata.Dataset
	valDS      *ncdata.Dataset
	checkpoint *checkpoints.Handler

	generatorLR, criticLR       float64
	numCritic                   int
	gpWeight, advWeight         float64
	criticExec, generatorExec   *context.Exec
	validationExec, predictExec *context.Exec

	step int
}

var _ Model = (*WGANModel)(nil)

// BuildWGANModel creates the adversarial training of the selected generator and critic.
//
// The generator variables are created under models.GeneratorScope and the critic ones under
// models.CriticScope, each with its own Adam optimizer.
func BuildWGANModel(backend backends.Backend, ctx *context.Context, sel *models.Selection,
	trainDS, valDS *ncdata.Dataset, cfg Config) (*WGANModel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := checkDatasets(trainDS, valDS); err != nil {
		return nil, err
	}
	if sel.Generator == nil || sel.Critic == nil {
		return nil, errors.Errorf("model %s requires both a generator and a critic", sel)
	}
	checkpoint, err := buildCheckpoint(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m := &WGANModel{
		backend:     backend,
		ctx:         ctx,
		sel:         sel,
		cfg:         cfg,
		trainDS:     trainDS,
		valDS:       valDS,
		checkpoint:  checkpoint,
		generatorLR: context.GetParamOr(ctx, ParamLearningRate, optimizers.AdamDefaultLearningRate),
		criticLR:    context.GetParamOr(ctx, ParamCriticLearningRate, 1e-4),
		numCritic:   context.GetParamOr(ctx, ParamNumCritic, 5),
		gpWeight:    context.GetParamOr(ctx, ParamGPWeight, 10.0),
		advWeight:   context.GetParamOr(ctx, ParamAdvWeight, 1e-3),
	}
	if m.numCritic <= 0 {
		return nil, errors.Errorf("%s must be > 0, got %d", ParamNumCritic, m.numCritic)
	}
	if m.gpWeight < 0 || m.advWeight < 0 {
		return nil, errors.Errorf("%s and %s must be >= 0, got %g and %g", ParamGPWeight, ParamAdvWeight,
			m.gpWeight, m.advWeight)
	}
	m.step = int(optimizers.GetGlobalStep(ctx.In(models.CriticScope)))

	generatorOptimizer := &frozenOptimizer{
		Interface: optimizers.Adam().LearningRate(m.generatorLR).FromContext(ctx).Done(),
		scope:     models.GeneratorScope,
	}
	criticOptimizer := &frozenOptimizer{
		Interface: optimizers.Adam().LearningRate(m.criticLR).FromContext(ctx).Done(),
		scope:     models.CriticScope,
	}
	errMetrics := newErrorMetrics(valDS)

	err = exceptions.TryCatch[error](func() {
		m.criticExec = context.MustNewExec(backend, ctx, func(ctx *context.Context, coarse, fine *Node) []*Node {
			g := fine.Graph()
			genCtx, criticCtx := m.scopes(ctx)
			generated := StopGradient(sel.Generator(genCtx, coarse))
			realScores := sel.Critic(criticCtx, coarse, fine)
			fakeScores := sel.Critic(criticCtx, coarse, generated)
			wasserstein := Sub(ReduceAllMean(realScores), ReduceAllMean(fakeScores))
			loss := Neg(wasserstein)
			if m.gpWeight > 0 {
				penalty := models.GradientPenalty(criticCtx, sel.Critic, coarse, fine, generated)
				loss = Add(loss, MulScalar(penalty, m.gpWeight))
			}
			criticOptimizer.UpdateGraph(criticCtx, g, loss)
			return []*Node{loss, wasserstein}
		})
		m.generatorExec = context.MustNewExec(backend, ctx, func(ctx *context.Context, coarse, fine *Node) []*Node {
			g := fine.Graph()
			genCtx, criticCtx := m.scopes(ctx)
			generated := sel.Generator(genCtx, coarse)
			content := ReduceAllMean(Square(Sub(generated, fine)))
			adversarial := Neg(ReduceAllMean(sel.Critic(criticCtx, coarse, generated)))
			loss := Add(content, MulScalar(adversarial, m.advWeight))
			generatorOptimizer.UpdateGraph(genCtx, g, loss)
			return []*Node{loss, content}
		})
		m.validationExec = context.MustNewExec(backend, ctx, func(ctx *context.Context, coarse, fine *Node) []*Node {
			genCtx, _ := m.scopes(ctx)
			generated := sel.Generator(genCtx, coarse)
			labels, predictions := []*Node{fine}, []*Node{generated}
			return []*Node{errMetrics.MAEGraph(ctx, labels, predictions), errMetrics.MSEGraph(ctx, labels, predictions)}
		})
		m.predictExec = context.MustNewExec(backend, ctx, func(ctx *context.Context, coarse *Node) *Node {
			genCtx, _ := m.scopes(ctx)
			return sel.Generator(genCtx, coarse)
		})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "building WGAN training for %s", sel)
	}
	return m, nil
}

// scopes returns the unchecked contexts of the generator and the critic: the networks are built more than
// once per graph, and by more than one graph.
func (m *WGANModel) scopes(ctx *context.Context) (genCtx, criticCtx *context.Context) {
	ctx = ctx.Checked(false)
	return ctx.In(models.GeneratorScope), ctx.In(models.CriticScope)
}

// LearningRate of the generator optimizer.
func (m *WGANModel) LearningRate() float64 { return m.generatorLR }

// CriticLearningRate of the critic optimizer.
func (m *WGANModel) CriticLearningRate() float64 { return m.criticLR }

// GlobalStep is the number of critic updates run so far, including the ones restored from a checkpoint.
func (m *WGANModel) GlobalStep() int { return m.step }

// Fit implements Model.
func (m *WGANModel) Fit() error {
	numBatches := m.trainDS.NumBatches()
	fmt.Printf("Training %s for %d epochs (%d steps per epoch, generator updated every %d steps)\n",
		m.sel, m.cfg.Epochs, numBatches, m.numCritic)
	var stepDurations []time.Duration
	for epoch := range m.cfg.Epochs {
		var bar *progressbar.ProgressBar
		if m.cfg.ProgressBar {
			bar = progressbar.NewOptions(numBatches,
				progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", epoch+1, m.cfg.Epochs)),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("steps"),
				progressbar.OptionClearOnFinish())
		}
		m.trainDS.Reset()
		for {
			_, inputs, labels, err := m.trainDS.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "reading training data at step %d", m.step)
			}
			start := time.Now()
			values, err := m.trainStep(inputs[0], labels[0])
			finalizeAll(inputs, labels)
			if err != nil {
				return errors.WithMessagef(err, "training step %d", m.step)
			}
			stepDurations = append(stepDurations, time.Since(start))
			logMetrics(m.cfg.RunLog, m.step, values)
			if bar != nil {
				bar.Describe(fmt.Sprintf("Epoch %d/%d %s", epoch+1, m.cfg.Epochs, formatValues(values)))
				_ = bar.Add(1)
			}
			if m.cfg.CheckpointSave > 0 && m.step%m.cfg.CheckpointSave == 0 {
				if err = saveCheckpoint(m.checkpoint, m.step); err != nil {
					return err
				}
			}
		}
		if bar != nil {
			_ = bar.Finish()
		}

		values, err := m.Validate()
		if err != nil {
			return errors.WithMessagef(err, "validating epoch %d", epoch+1)
		}
		reportValidation(epoch, values)
		logMetrics(m.cfg.RunLog, m.step, values)
		if m.cfg.Snapshots && m.cfg.RunLog != nil {
			if err = m.snapshot(epoch); err != nil {
				klog.Warningf("failed to save snapshots of epoch %d: %+v", epoch+1, err)
			}
		}
		if err = saveCheckpoint(m.checkpoint, m.step); err != nil {
			return err
		}
	}
	fmt.Printf("\tMedian train step duration: %d ms\n", medianDuration(stepDurations).Milliseconds())
	return nil
}

// trainStep updates the critic and, every numCritic steps, the generator.
func (m *WGANModel) trainStep(coarse, fine *tensors.Tensor) (map[string]float64, error) {
	values := make(map[string]float64, 4)
	err := exceptions.TryCatch[error](func() {
		outputs := m.criticExec.MustExec(coarse, fine)
		values[MetricCriticLoss] = scalarValue(outputs[0])
		values[MetricWasserstein] = scalarValue(outputs[1])
		finalizeAll(outputs)
		m.step++
		if m.step%m.numCritic == 0 {
			outputs = m.generatorExec.MustExec(coarse, fine)
			values[MetricGeneratorLoss] = scalarValue(outputs[0])
			values[MetricLoss] = scalarValue(outputs[1])
			finalizeAll(outputs)
		}
	})
	return values, err
}

// Validate runs the generator over the validation dataset, returning the metrics in physical units.
func (m *WGANModel) Validate() (map[string]float64, error) {
	m.valDS.Reset()
	defer m.valDS.Reset()
	var sumMAE, sumMSE float64
	var count int
	for {
		_, inputs, labels, err := m.valDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		batchSize := inputs[0].Shape().Dimensions[0]
		err = exceptions.TryCatch[error](func() {
			outputs := m.validationExec.MustExec(inputs[0], labels[0])
			sumMAE += scalarValue(outputs[0]) * float64(batchSize)
			sumMSE += scalarValue(outputs[1]) * float64(batchSize)
			finalizeAll(outputs)
		})
		finalizeAll(inputs, labels)
		if err != nil {
			return nil, err
		}
		count += batchSize
	}
	if count == 0 {
		return nil, errors.Errorf("validation dataset %q is empty", m.valDS.Name())
	}
	return map[string]float64{
		MetricValMAE:  sumMAE / float64(count),
		MetricValRMSE: math.Sqrt(sumMSE / float64(count)),
	}, nil
}

// Predict generates the normalized target for the coarse inputs.
func (m *WGANModel) Predict(coarse *tensors.Tensor) (prediction *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		prediction = m.predictExec.MustExec1(coarse)
	})
	return
}

func (m *WGANModel) snapshot(epoch int) error {
	m.valDS.Reset()
	defer m.valDS.Reset()
	_, inputs, labels, err := m.valDS.Yield()
	if err != nil {
		return err
	}
	prediction, err := m.Predict(inputs[0])
	if err != nil {
		return err
	}
	return saveSnapshots(m.cfg.RunLog, m.valDS, epoch, prediction, labels[0])
}

// frozenOptimizer only updates the variables under scope: the trainable variables of the other networks
// used in the graph are frozen while the update is built.
type frozenOptimizer struct {
	optimizers.Interface
	scope string
}

// UpdateGraph implements optimizers.Interface.
func (o *frozenOptimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	prefix := context.ScopeSeparator + o.scope
	var frozen []*context.Variable
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		if scope := v.Scope(); scope == prefix || strings.HasPrefix(scope, prefix+context.ScopeSeparator) {
			continue
		}
		v.Trainable = false
		frozen = append(frozen, v)
	}
	defer func() {
		for _, v := range frozen {
			v.Trainable = true
		}
	}()
	o.Interface.UpdateGraph(ctx, g, loss)
}

func finalizeAll(groups ...[]*tensors.Tensor) {
	for _, group := range groups {
		for _, t := range group {
			if t != nil {
				_ = t.FinalizeAll()
			}
		}
	}
}

func formatValues(values map[string]float64) string {
	parts := make([]string, 0, len(values))
	for _, name := range []string{MetricCriticLoss, MetricWasserstein, MetricGeneratorLoss, MetricLoss} {
		if v, found := values[name]; found {
			parts = append(parts, fmt.Sprintf("%s=%.3g", name, v))
		}
	}
	return strings.Join(parts, " ")
}

func medianDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return time.Millisecond
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
