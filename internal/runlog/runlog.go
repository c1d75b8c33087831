// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runlog keeps an offline record of a training run: its configuration, the metrics logged during
// training, a plot of the metrics and snapshots of predicted fields.
//
// Each run gets its own directory `run-<uuid>` under the save directory:
//
//	config.json   configuration set with Run.SetConfig.
//	metrics.csv   one row per logged step, one column per metric.
//	metrics.png   one line per metric, over the steps.
//	snapshots/    field images saved with Run.SaveSnapshot.
package runlog

import (
	"encoding/json"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// File names inside a run directory.
const (
	ConfigFileName   = "config.json"
	MetricsFileName  = "metrics.csv"
	PlotFileName     = "metrics.png"
	SnapshotsDirName = "snapshots"
)

// Run is an offline record of one training run. It is safe for concurrent use.
type Run struct {
	ID   string
	Name string
	Dir  string

	mu      sync.Mutex
	config  map[string]any
	steps   []int
	records []map[string]float64
	names   map[string]bool
	closed  bool
}

// New creates the directory of a new run under parentDir.
func New(parentDir, name string) (*Run, error) {
	id := uuid.NewString()
	dir := filepath.Join(parentDir, "run-"+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating run directory %q", dir)
	}
	klog.V(1).Infof("run %q logged to %q", name, dir)
	return &Run{
		ID:     id,
		Name:   name,
		Dir:    dir,
		config: make(map[string]any),
		names:  make(map[string]bool),
	}, nil
}

// SetConfig merges values into the configuration of the run and writes it to config.json.
func (r *Run) SetConfig(values map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, value := range values {
		r.config[key] = value
	}
	contents, err := json.MarshalIndent(map[string]any{
		"id":     r.ID,
		"name":   r.Name,
		"config": r.config,
	}, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "encoding configuration of run %q", r.Name)
	}
	path := filepath.Join(r.Dir, ConfigFileName)
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}

// Config returns a copy of the configuration set so far.
func (r *Run) Config() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	config := make(map[string]any, len(r.config))
	for key, value := range r.config {
		config[key] = value
	}
	return config
}

// Log records metric values at the given step. Logging the same step again merges the values.
func (r *Run) Log(step int, metrics map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var record map[string]float64
	if n := len(r.steps); n > 0 && r.steps[n-1] == step {
		record = r.records[n-1]
	} else {
		record = make(map[string]float64, len(metrics))
		r.steps = append(r.steps, step)
		r.records = append(r.records, record)
	}
	for name, value := range metrics {
		record[name] = value
		r.names[name] = true
	}
}

// MetricNames logged so far, sorted.
func (r *Run) MetricNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metricNamesLocked()
}

func (r *Run) metricNamesLocked() []string {
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// History returns the steps where the metric was logged and its values.
func (r *Run) History(metric string) (steps []int, values []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ii, record := range r.records {
		if v, found := record[metric]; found {
			steps = append(steps, r.steps[ii])
			values = append(values, v)
		}
	}
	return
}

// DataFrame with one row per logged step: column "step" and one column per metric, NaN where a metric
// was not logged.
func (r *Run) DataFrame() dataframe.DataFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dataFrameLocked()
}

func (r *Run) dataFrameLocked() dataframe.DataFrame {
	columns := []series.Series{series.New(slices.Clone(r.steps), series.Int, "step")}
	for _, name := range r.metricNamesLocked() {
		values := make([]float64, len(r.records))
		for ii, record := range r.records {
			if v, found := record[name]; found {
				values[ii] = v
			} else {
				values[ii] = math.NaN()
			}
		}
		columns = append(columns, series.New(values, series.Float, name))
	}
	return dataframe.New(columns...)
}

// Close writes metrics.csv and metrics.png. Calling Close more than once is a no-op.
func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if len(r.steps) == 0 {
		return nil
	}

	path := filepath.Join(r.Dir, MetricsFileName)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	df := r.dataFrameLocked()
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", path)
	}
	return r.plotLocked(filepath.Join(r.Dir, PlotFileName))
}

// Discard the run: its directory and everything in it are removed, and nothing else is written.
func (r *Run) Discard() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if err := os.RemoveAll(r.Dir); err != nil {
		return errors.Wrapf(err, "removing run directory %q", r.Dir)
	}
	return nil
}

// plotLocked draws one line per metric, skipping the steps where it was not logged.
func (r *Run) plotLocked(path string) error {
	p := plot.New()
	p.Title.Text = r.Name
	p.X.Label.Text = "step"
	p.Y.Label.Text = "value"
	p.Legend.Top = true
	for ii, name := range r.metricNamesLocked() {
		var xys plotter.XYs
		for recordIdx, record := range r.records {
			if v, found := record[name]; found && !math.IsNaN(v) && !math.IsInf(v, 0) {
				xys = append(xys, plotter.XY{X: float64(r.steps[recordIdx]), Y: v})
			}
		}
		if len(xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting metric %q", name)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot to %q", path)
	}
	return nil
}

// SaveSnapshot saves a field image under the snapshots directory of the run, see SaveFieldSnapshot.
// It returns the path of the image.
func (r *Run) SaveSnapshot(name string, field []float32, height, width int) (string, error) {
	dir := filepath.Join(r.Dir, SnapshotsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating %q", dir)
	}
	path := filepath.Join(dir, name+".png")
	return path, SaveFieldSnapshot(path, field, height, width)
}

// SnapshotMinSize is the minimum size of the longest side of the images saved by SaveFieldSnapshot:
// smaller fields are upsized with nearest-neighbor interpolation.
const SnapshotMinSize = 256

// SaveFieldSnapshot saves a 2D field (row-major, height x width) as a grayscale image, scaling its values
// from its minimum (black) to its maximum (white). The image format is taken from the path extension.
func SaveFieldSnapshot(path string, field []float32, height, width int) error {
	if height <= 0 || width <= 0 || len(field) != height*width {
		return errors.Errorf("field snapshot %q: %d values don't match a %dx%d grid", path, len(field), height, width)
	}
	low, high := math.Inf(1), math.Inf(-1)
	for _, v := range field {
		value := float64(v)
		if math.IsNaN(value) {
			continue
		}
		low = min(low, value)
		high = max(high, value)
	}
	valueRange := high - low
	if valueRange <= 0 || math.IsInf(valueRange, 0) {
		valueRange = 1
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	for row := range height {
		for col := range width {
			value := float64(field[row*width+col])
			var level uint8
			if !math.IsNaN(value) {
				level = uint8(math.Round(255 * math.Max(0, math.Min(1, (value-low)/valueRange))))
			}
			img.SetGray(col, row, color.Gray{Y: level})
		}
	}

	var out image.Image = img
	if factor := SnapshotMinSize / max(height, width); factor > 1 {
		out = imaging.Resize(img, width*factor, height*factor, imaging.NearestNeighbor)
	}
	if err := imaging.Save(out, path); err != nil {
		return errors.Wrapf(err, "saving field snapshot %q", path)
	}
	return nil
}
