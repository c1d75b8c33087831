// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
)

// Summary of a run, as saved in its config.json.
type Summary struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`

	// Dir of the run, not saved.
	Dir string `json:"-"`
}

// List the runs saved under parentDir, sorted by directory modification time (oldest first).
// Directories without a config.json are skipped.
func List(parentDir string) ([]Summary, error) {
	dirs, err := filepath.Glob(filepath.Join(parentDir, "run-*"))
	if err != nil {
		return nil, errors.Wrapf(err, "listing runs in %q", parentDir)
	}
	type dated struct {
		summary Summary
		modTime int64
	}
	var runs []dated
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, errors.Wrapf(err, "reading configuration of run in %q", dir)
		}
		var s Summary
		if err = json.Unmarshal(contents, &s); err != nil {
			return nil, errors.Wrapf(err, "parsing %q", filepath.Join(dir, ConfigFileName))
		}
		s.Dir = dir
		runs = append(runs, dated{s, info.ModTime().UnixNano()})
	}
	slices.SortStableFunc(runs, func(a, b dated) int {
		switch {
		case a.modTime < b.modTime:
			return -1
		case a.modTime > b.modTime:
			return 1
		}
		return 0
	})
	summaries := make([]Summary, len(runs))
	for ii, r := range runs {
		summaries[ii] = r.summary
	}
	return summaries, nil
}

// LoadMetrics reads back the metrics.csv written by Run.Close. Missing values are NaN.
func LoadMetrics(runDir string) (dataframe.DataFrame, error) {
	path := filepath.Join(runDir, MetricsFileName)
	f, err := os.Open(path)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "opening metrics of run in %q", runDir)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(df.Err, "parsing %q", path)
	}
	return df, nil
}
