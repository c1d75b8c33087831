// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New().SetMaxParallelism(parallelism)
		results, err := Map(pool, 10, func(ii int) (int, error) {
			time.Sleep(time.Duration(10-ii) * time.Millisecond)
			return ii * ii, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 4, 9, 16, 25, 36, 49, 64, 81}, results, "parallelism=%d", parallelism)
	}
}

func TestMapLimit(t *testing.T) {
	pool := New().SetMaxParallelism(2)
	var running, maxRunning atomic.Int32
	_, err := Map(pool, 8, func(ii int) (struct{}, error) {
		n := running.Add(1)
		for {
			current := maxRunning.Load()
			if n <= current || maxRunning.CompareAndSwap(current, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func TestMapError(t *testing.T) {
	for _, parallelism := range []int{0, 2} {
		pool := New().SetMaxParallelism(parallelism)
		var count atomic.Int32
		results, err := Map(pool, 20, func(ii int) (int, error) {
			count.Add(1)
			if ii == 1 {
				return 0, errors.New("bad file")
			}
			time.Sleep(time.Millisecond)
			return ii, nil
		})
		require.ErrorContains(t, err, "bad file")
		assert.Nil(t, results)
		assert.Less(t, count.Load(), int32(20), "parallelism=%d", parallelism)
	}
	assert.True(t, New().IsEnabled())
	assert.False(t, New().SetMaxParallelism(0).IsEnabled())
}
