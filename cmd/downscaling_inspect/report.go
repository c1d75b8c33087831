// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/downscaling/internal/runlog"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

func report(w io.Writer, saveDir string) error {
	in, err := load(saveDir)
	if err != nil {
		return err
	}
	if *flagSummary {
		if err = in.summary(w, *flagScope); err != nil {
			return err
		}
	}
	if *flagParams {
		in.params(w)
	}
	if *flagVars {
		if err = in.variables(w, backends.MustNew(), *flagScope); err != nil {
			return err
		}
	}
	if *flagRuns {
		in.listRuns(w)
	}
	if *flagMetrics {
		var names []string
		if *flagMetricsNames != "" {
			names = strings.Split(*flagMetricsNames, ",")
		}
		if err = in.metrics(w, names); err != nil {
			return err
		}
	}
	return nil
}

func scopedVariables(ctx *context.Context, scope string) []*context.Variable {
	var vars []*context.Variable
	if scope == "" || scope == context.RootScope {
		for v := range ctx.IterVariables() {
			vars = append(vars, v)
		}
	} else {
		for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
			vars = append(vars, v)
		}
	}
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		if c := strings.Compare(a.Scope(), b.Scope()); c != 0 {
			return c
		}
		return strings.Compare(a.Name(), b.Name())
	})
	return vars
}

// summary of the options, the global steps of each optimizer and the size of the variables under scope.
func (in *inspection) summary(w io.Writer, scope string) error {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("save_dir", in.saveDir)
	if in.opts != nil {
		var values map[string]any
		contents, err := json.Marshal(in.opts)
		if err != nil {
			return errors.Wrap(err, "encoding options")
		}
		if err = json.Unmarshal(contents, &values); err != nil {
			return errors.Wrap(err, "decoding options")
		}
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			table.Row(key, fmt.Sprintf("%v", values[key]))
		}
	}
	table.Row("# runs", humanize.Comma(int64(len(in.runs))))
	if in.ctx == nil {
		table.Row("checkpoint", "<none>")
		_, _ = fmt.Fprintln(w, table.Render())
		return nil
	}

	for _, v := range scopedVariables(in.ctx, context.RootScope) {
		if v.Name() != optimizers.GlobalStepVariableName {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading %s/%s", v.Scope(), v.Name())
		}
		table.Row("global_step "+v.Scope(), fmt.Sprintf("%v", value.Value()))
	}

	var numVars, totalSize int
	var totalMemory uintptr
	for _, v := range scopedVariables(in.ctx, scope) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	}
	table.Row("scope", scope)
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	_, _ = fmt.Fprintln(w, table.Render())
	return nil
}

// params lists the hyperparameters saved in the checkpoint.
func (in *inspection) params(w io.Writer) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	if in.ctx == nil {
		_, _ = fmt.Fprintln(w, "  no checkpoint found")
		return
	}
	table := newPlainTable()
	table.Headers("Scope", "Name", "Type", "Value")
	var rows [][]string
	in.ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// variables lists the variables under scope, with their mean absolute value (or the value itself for
// scalars), root-mean-square and maximum absolute value.
func (in *inspection) variables(w io.Writer, backend backends.Backend, scope string) error {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables in scope %q", scope)))
	if in.ctx == nil {
		_, _ = fmt.Fprintln(w, "  no checkpoint found")
		return nil
	}
	statsExec := context.MustNewExec(backend, context.New(), func(_ *context.Context, x *Node) []*Node {
		x = ConvertDType(x, dtypes.Float64)
		return []*Node{
			ReduceAllMean(Abs(x)),
			Sqrt(ReduceAllMean(Square(x))),
			ReduceAllMax(Abs(x)),
		}
	})
	statsExec.SetMaxCache(-1)
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, v := range scopedVariables(in.ctx, scope) {
		shape := v.Shape()
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading %s/%s", v.Scope(), v.Name())
		}
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%v", value.Value())
		} else if shape.DType.IsFloat() {
			stats := statsExec.MustExec(value)
			mav = fmt.Sprintf("%.3g", stats[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", stats[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", stats[2].Value().(float64))
			for _, t := range stats {
				t.MustFinalizeAll()
			}
		}
		table.Row(v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())), humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV)
	}
	_, _ = fmt.Fprintln(w, table.Render())
	return nil
}

// listRuns logged in the directory, oldest first.
func (in *inspection) listRuns(w io.Writer) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Runs"))
	table := newPlainTable()
	table.Headers("Run", "Model", "lr", "epochs", "--set")
	for _, r := range in.runs {
		table.Row(r.ID, r.Name, configString(r.Config, "lr"), configString(r.Config, "epochs"),
			configString(r.Config, "set"))
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

func configString(config map[string]any, key string) string {
	value, found := config[key]
	if !found {
		return ""
	}
	return fmt.Sprintf("%v", value)
}

// metrics of the latest run. If names is given, only those metrics are listed, in the given order.
func (in *inspection) metrics(w io.Writer, names []string) error {
	if len(in.runs) == 0 {
		return errors.Errorf("no runs found in %q", in.saveDir)
	}
	latest := in.runs[len(in.runs)-1]
	df, err := runlog.LoadMetrics(latest.Dir)
	if err != nil {
		return err
	}
	columns := df.Names()[1:]
	if len(names) > 0 {
		columns = columns[:0:0]
		for _, name := range names {
			if slices.Contains(df.Names()[1:], name) {
				columns = append(columns, name)
			}
		}
	}

	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Metrics of run %s (%s)", latest.ID, latest.Name)))
	table := newPlainTable(lipgloss.Right)
	table.Headers(append([]string{"Global Step"}, columns...)...)
	steps := df.Col("step").Float()
	values := make([][]float64, len(columns))
	for ii, name := range columns {
		values[ii] = df.Col(name).Float()
	}
	for row := range df.Nrow() {
		cells := make([]string, 1+len(columns))
		cells[0] = humanize.Comma(int64(steps[row]))
		for ii := range columns {
			if v := values[ii][row]; !math.IsNaN(v) {
				cells[1+ii] = fmt.Sprintf("%.5g", v)
			}
		}
		table.Row(cells...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
	return nil
}
