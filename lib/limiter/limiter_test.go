/*
 * Hotpool
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package limiter

import (
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New(2)
	require.NoError(t, l.Acquire(1))
	require.NoError(t, l.Acquire(1))
	require.Equal(t, 2, l.InUse())

	err := l.Acquire(1)
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))
	require.Contains(t, err.Error(), "limit of 2")
	// A rejected acquire reserves nothing.
	require.Equal(t, 2, l.InUse())

	l.Release(1)
	require.Equal(t, 1, l.InUse())
	require.NoError(t, l.Acquire(1))
}

func TestAcquireBatch(t *testing.T) {
	l := New(4)
	require.NoError(t, l.Acquire(3))
	err := l.Acquire(2)
	require.True(t, trace.IsLimitExceeded(err))
	require.Equal(t, 3, l.InUse())
	require.NoError(t, l.Acquire(1))
}

func TestUnlimited(t *testing.T) {
	for _, limit := range []int{0, -1} {
		l := New(limit)
		for range 100 {
			require.NoError(t, l.Acquire(1))
		}
		require.Equal(t, 100, l.InUse())
		require.Equal(t, 0, l.Limit())
	}
}

func TestReleaseClamps(t *testing.T) {
	l := New(2)
	require.NoError(t, l.Acquire(1))
	l.Release(5)
	require.Equal(t, 0, l.InUse())
	require.NoError(t, l.Acquire(2))
}

func TestConcurrentAcquire(t *testing.T) {
	const limit = 8
	l := New(limit)

	admitted := make(chan struct{}, 64)
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(1) == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	var n int
	for range admitted {
		n++
	}
	require.Equal(t, limit, n)
	require.Equal(t, limit, l.InUse())
}
