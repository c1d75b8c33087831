// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer builds the training of the downscaling models: BuildModel for the models trained
// with a direct loss (UNet, SwinIR, ViT-SR, SwinUNet and the diffusion model) and BuildWGANModel for the
// adversarial training of a generator against a critic.
//
// Both return a Model, whose Fit method runs the training for the configured number of epochs,
// validating, checkpointing and logging metrics on the way.
package trainer

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/gomlx/downscaling/internal/runlog"
	"github.com/gomlx/downscaling/pkg/ncdata"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a trainable model, ready to Fit.
type Model interface {
	// Fit trains the model for the configured number of epochs.
	Fit() error
}

// ParamLearningRate of the generator (or the only network) optimizer.
var ParamLearningRate = optimizers.ParamLearningRate

// Hyperparameters read from the context, see DefaultParams.
const (
	// ParamCriticLearningRate of the WGAN critic optimizer.
	ParamCriticLearningRate = "critic_learning_rate"

	// ParamNumCritic is the number of critic updates per generator update.
	ParamNumCritic = "n_critic"

	// ParamGPWeight is the weight of the gradient penalty in the critic loss. 0 disables the penalty.
	ParamGPWeight = "gp_weight"

	// ParamAdvWeight is the weight of the adversarial loss in the generator loss.
	ParamAdvWeight = "adv_weight"
)

// DefaultParams returns the default training hyperparameters, to be set in the context before parsing `--set`.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamLearningRate:       optimizers.AdamDefaultLearningRate,
		ParamCriticLearningRate: 1e-4,
		ParamNumCritic:          5,
		ParamGPWeight:           10.0,
		ParamAdvWeight:          1e-3,
	}
}

// CheckpointsDirName is the subdirectory of Config.SaveDir where checkpoints are saved.
const CheckpointsDirName = "checkpoints"

// Config of the training.
type Config struct {
	// SaveDir where checkpoints are saved (under CheckpointsDirName). If empty, no checkpoints are saved.
	SaveDir string

	// Epochs to train.
	Epochs int

	// CheckpointSave is the number of training steps between checkpoints. Checkpoints are also saved at the
	// end of every epoch. If 0, only the end-of-epoch checkpoints are saved.
	CheckpointSave int

	// KeepCheckpoints is the number of checkpoints to keep, -1 keeps all of them.
	KeepCheckpoints int

	// ExcludeParams are hyperparameters not restored from an existing checkpoint, usually the ones set
	// in the command line.
	ExcludeParams []string

	// RunLog receives the metrics, if set.
	RunLog *runlog.Run

	// ProgressBar enables a progress bar on the terminal during training.
	ProgressBar bool

	// Snapshots saves images of the first validation prediction and target at the end of every epoch, in
	// the RunLog directory.
	Snapshots bool
}

// DefaultKeepCheckpoints is used when Config.KeepCheckpoints is 0.
const DefaultKeepCheckpoints = 5

func (c Config) validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("number of epochs must be > 0, got %d", c.Epochs)
	}
	if c.CheckpointSave < 0 {
		return errors.Errorf("checkpoint_save must be >= 0, got %d", c.CheckpointSave)
	}
	return nil
}

// checkDatasets verifies the train and validation datasets are compatible.
func checkDatasets(trainDS, valDS *ncdata.Dataset) error {
	if trainDS == nil || valDS == nil {
		return errors.New("both train and validation datasets are required")
	}
	if trainDS.NumChannels() != valDS.NumChannels() {
		return errors.Errorf("train dataset has %d input channels, validation dataset has %d",
			trainDS.NumChannels(), valDS.NumChannels())
	}
	if trainDS.Scale() != valDS.Scale() {
		return errors.Errorf("train dataset has scale %d, validation dataset has scale %d",
			trainDS.Scale(), valDS.Scale())
	}
	if trainDS.TargetName() != valDS.TargetName() {
		return errors.Errorf("train dataset target is %q, validation dataset target is %q",
			trainDS.TargetName(), valDS.TargetName())
	}
	return nil
}

// buildCheckpoint creates the checkpoint handler under cfg.SaveDir. Existing checkpoints are loaded into ctx.
// It returns nil if no SaveDir is configured.
func buildCheckpoint(ctx *context.Context, cfg Config) (*checkpoints.Handler, error) {
	if cfg.SaveDir == "" {
		return nil, nil
	}
	keep := cfg.KeepCheckpoints
	if keep == 0 {
		keep = DefaultKeepCheckpoints
	}
	dir := filepath.Join(cfg.SaveDir, CheckpointsDirName)
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Keep(keep).ExcludeParams(cfg.ExcludeParams...).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating checkpoints in %q", dir)
	}
	if hasCheckpoints, _ := checkpoint.HasCheckpoints(); hasCheckpoints {
		klog.Infof("restored checkpoint from %q", checkpoint.Dir())
	}
	return checkpoint, nil
}

// saveCheckpoint is a no-op if checkpoint is nil.
func saveCheckpoint(checkpoint *checkpoints.Handler, step int) error {
	if checkpoint == nil {
		return nil
	}
	klog.V(1).Infof("saving checkpoint at step %d", step)
	if err := checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint at step %d", step)
	}
	return nil
}

// DenormalizeGraph converts normalized target values back to physical units, see ncdata.Dataset.DenormalizeTarget.
func DenormalizeGraph(x *Node, moments ncdata.Moments, datasetType ncdata.DatasetType) *Node {
	x = AddScalar(MulScalar(x, moments.Std), moments.Mean)
	if datasetType == ncdata.Precipitation {
		x = AddScalar(Exp(x), -1)
	}
	return x
}

// errorMetrics holds the graph functions of the physical-unit errors between predicted and target fields.
type errorMetrics struct {
	moments     ncdata.Moments
	datasetType ncdata.DatasetType
}

func newErrorMetrics(ds *ncdata.Dataset) errorMetrics {
	return errorMetrics{
		moments:     ds.Statistics()[ds.TargetName()],
		datasetType: ds.DatasetType(),
	}
}

func (m errorMetrics) diff(labels, predictions []*Node) *Node {
	return Sub(DenormalizeGraph(predictions[0], m.moments, m.datasetType),
		DenormalizeGraph(labels[0], m.moments, m.datasetType))
}

// MAEGraph implements metrics.BaseMetricGraph.
func (m errorMetrics) MAEGraph(_ *context.Context, labels, predictions []*Node) *Node {
	return ReduceAllMean(Abs(m.diff(labels, predictions)))
}

// MSEGraph implements metrics.BaseMetricGraph.
func (m errorMetrics) MSEGraph(_ *context.Context, labels, predictions []*Node) *Node {
	return ReduceAllMean(Square(m.diff(labels, predictions)))
}

// scalarValue converts a scalar metric tensor to float64.
func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	}
	return math.NaN()
}

func pprintMetric(t *tensors.Tensor) string {
	return fmt.Sprintf("%.4g", scalarValue(t))
}

// logMetrics to the run log, if any.
func logMetrics(runLog *runlog.Run, step int, values map[string]float64) {
	if runLog == nil {
		return
	}
	runLog.Log(step, values)
}

// reportValidation prints the validation metrics of an epoch.
func reportValidation(epoch int, values map[string]float64) {
	fmt.Printf("Epoch %d validation: MAE=%.4g, RMSE=%.4g\n", epoch+1, values[MetricValMAE], values[MetricValRMSE])
}

// Names of the metrics sent to the run log.
const (
	MetricLoss          = "loss"
	MetricValMAE        = "val_mae"
	MetricValRMSE       = "val_rmse"
	MetricCriticLoss    = "critic_loss"
	MetricWasserstein   = "wasserstein"
	MetricGeneratorLoss = "generator_loss"
)

// saveSnapshots saves the first example of the prediction and of the target to the run log.
func saveSnapshots(runLog *runlog.Run, ds *ncdata.Dataset, epoch int, prediction, target *tensors.Tensor) error {
	dims := target.Shape().Dimensions
	height, width := dims[1], dims[2]
	size := height * width
	for _, item := range []struct {
		name   string
		tensor *tensors.Tensor
	}{{"prediction", prediction}, {"target", target}} {
		values := tensors.MustCopyFlatData[float32](item.tensor)[:size]
		ds.DenormalizeTarget(values)
		name := fmt.Sprintf("epoch_%03d_%s", epoch+1, item.name)
		if _, err := runLog.SaveSnapshot(name, values, height, width); err != nil {
			return err
		}
	}
	return nil
}
