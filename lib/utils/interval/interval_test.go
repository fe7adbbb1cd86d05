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

package interval

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestIntervalTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ivl := New(Config{
		Duration: time.Minute,
		Clock:    clock,
	})
	defer ivl.Stop()

	// No tick before the first period elapses.
	select {
	case <-ivl.Next():
		t.Fatal("unexpected tick before the first period")
	default:
	}

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	select {
	case <-ivl.Next():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first tick")
	}

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	select {
	case <-ivl.Next():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second tick")
	}
}

func TestIntervalFirstDuration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ivl := New(Config{
		Duration:      time.Hour,
		FirstDuration: time.Second,
		Clock:         clock,
	})
	defer ivl.Stop()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	select {
	case <-ivl.Next():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for early first tick")
	}
}

func TestIntervalDropsUnconsumedTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ivl := New(Config{
		Duration: time.Minute,
		Clock:    clock,
	})
	defer ivl.Stop()

	// Fire several periods without consuming; only the latest tick
	// should remain buffered.
	for range 3 {
		clock.BlockUntil(1)
		clock.Advance(time.Minute)
	}

	clock.BlockUntil(1)
	<-ivl.Next()
	select {
	case <-ivl.Next():
		t.Fatal("stale tick was not dropped")
	default:
	}
}

func TestIntervalStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ivl := New(Config{
		Duration: time.Minute,
		Clock:    clock,
	})
	ivl.Stop()
	// Stop is idempotent.
	ivl.Stop()
}

func TestJitterRanges(t *testing.T) {
	for range 100 {
		d := FullJitter(time.Minute)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, time.Minute)

		d = SeventhJitter(time.Minute)
		require.GreaterOrEqual(t, d, 6*time.Minute/7)
		require.LessOrEqual(t, d, time.Minute)
	}
}
