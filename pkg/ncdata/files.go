// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ncdata

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FileExtension of the NetCDF files read from the data directories.
const FileExtension = ".nc"

// ListFiles returns the sorted list of NetCDF files in dir.
// It returns an error if there are none.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing data directory %q", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), FileExtension) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no %s files found in %q", FileExtension, dir)
	}
	slices.Sort(files)
	return files, nil
}

// datePattern matches one supported way of writing a date in a file name.
type datePattern struct {
	re     *regexp.Regexp
	layout string
}

// datePatterns are tried in order: more specific ones first.
var datePatterns = []datePattern{
	{regexp.MustCompile(`(\d{4}-\d{2}-\d{2}T\d{2})`), "2006-01-02T15"},
	{regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`), "2006-01-02"},
	{regexp.MustCompile(`(\d{4}_\d{2}_\d{2}_\d{2})`), "2006_01_02_15"},
	{regexp.MustCompile(`(\d{4}_\d{2}_\d{2})`), "2006_01_02"},
	{regexp.MustCompile(`(?:^|\D)(\d{10})(?:\D|$)`), "2006010215"},
	{regexp.MustCompile(`(?:^|\D)(\d{8})(?:\D|$)`), "20060102"},
	{regexp.MustCompile(`(\d{4}-\d{2})`), "2006-01"},
	{regexp.MustCompile(`(\d{4}_\d{2})`), "2006_01"},
	{regexp.MustCompile(`(?:^|\D)(\d{6})(?:\D|$)`), "200601"},
}

// ExtractDate finds a date written in name, e.g. `preproc_2016-01.nc` or `era5_2017010212.nc`.
// Only the base name is considered.
func ExtractDate(name string) (time.Time, error) {
	t, _, err := extractDate(name)
	return t, err
}

// extractDate also returns the layout that matched.
func extractDate(name string) (time.Time, string, error) {
	base := filepath.Base(name)
	for _, p := range datePatterns {
		for _, match := range p.re.FindAllStringSubmatch(base, -1) {
			t, err := time.Parse(p.layout, match[1])
			if err == nil {
				return t, p.layout, nil
			}
		}
	}
	return time.Time{}, "", errors.Errorf("could not extract a date from %q", name)
}

// DateRange returns the first and last dates covered by files.
// Files named after a month only (e.g. `preproc_2016-01.nc`) cover it up to its last day.
func DateRange(files []string) (start, end time.Time, err error) {
	for ii, file := range files {
		first, layout, err := extractDate(file)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		last := first
		if !strings.Contains(layout, "02") {
			last = LastDayOfMonth(first)
		}
		if ii == 0 || first.Before(start) {
			start = first
		}
		if ii == 0 || last.After(end) {
			end = last
		}
	}
	if len(files) == 0 {
		err = errors.New("no files to extract a date range from")
	}
	return
}

// SubsetFilesOnDate keeps the files whose date carries the given hour of the day.
// If filterBaseDir is set, the date is extracted from the name of the directory holding the
// file instead.
//
// It returns an error if no file matches.
func SubsetFilesOnDate(files []string, hour int, filterBaseDir bool) ([]string, error) {
	var selected []string
	for _, file := range files {
		name := file
		if filterBaseDir {
			name = filepath.Dir(file)
		}
		date, err := ExtractDate(name)
		if err != nil {
			return nil, err
		}
		if date.Hour() == hour {
			selected = append(selected, file)
		}
	}
	if len(selected) == 0 {
		return nil, errors.Errorf("could not find any file carrying the hour %s", fmt.Sprintf("%02d", hour))
	}
	return selected, nil
}

// LastDayOfMonth returns the last day of the month of t, preserving the time of the day.
func LastDayOfMonth(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	return firstOfNext.AddDate(0, 0, -1)
}
