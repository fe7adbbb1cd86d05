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

// Package interval provides a clock-aware periodic ticker with optional
// per-tick jitter, used by background loops that must be testable with a
// fake clock.
package interval

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config configures an Interval.
type Config struct {
	// Duration is the base tick period. Required.
	Duration time.Duration
	// FirstDuration, if set, overrides the delay before the first tick.
	FirstDuration time.Duration
	// Jitter, if set, is applied to each period before arming the timer.
	Jitter func(time.Duration) time.Duration
	// Clock is the time source. A real clock is used if unset.
	Clock clockwork.Clock
}

// Interval fires on a channel every jittered period. Unlike time.Ticker it
// drops the pending tick when the consumer lags, so a slow consumer never
// observes a backlog of stale ticks.
type Interval struct {
	ch        chan time.Time
	closeOnce sync.Once
	done      chan struct{}
}

// New starts a new interval. Duration must be positive. Stop must be called
// to release the ticking goroutine.
func New(cfg Config) *Interval {
	if cfg.Duration <= 0 {
		panic("non-positive duration for interval.New")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	firstDuration := cfg.FirstDuration
	if firstDuration <= 0 {
		firstDuration = cfg.apply(cfg.Duration)
	}

	// ch is never closed, mirroring time.Ticker, so a racing reader can
	// never observe a spurious zero-value tick.
	i := &Interval{
		ch:   make(chan time.Time, 1),
		done: make(chan struct{}),
	}

	go func() {
		timer := cfg.Clock.NewTimer(firstDuration)
		defer timer.Stop()

		for {
			nextDuration := cfg.apply(cfg.Duration)
			select {
			case t := <-timer.Chan():
				timer.Reset(nextDuration)
				// Drop the previous tick if it was never consumed
				// so the send below cannot block.
				select {
				case <-i.ch:
				default:
				}
				i.ch <- t
			case <-i.done:
				return
			}
		}
	}()

	return i
}

func (cfg *Config) apply(d time.Duration) time.Duration {
	if cfg.Jitter == nil {
		return d
	}
	return cfg.Jitter(d)
}

// Next returns the channel ticks are delivered on.
func (i *Interval) Next() <-chan time.Time {
	return i.ch
}

// Stop permanently halts the interval. It does not close the tick channel.
func (i *Interval) Stop() {
	i.closeOnce.Do(func() {
		close(i.done)
	})
}

// FullJitter returns a duration in the half-open range [0, d).
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d)
}

// SeventhJitter returns a duration in the range [6d/7, d), enough spread to
// desynchronize periodic loops that started together without materially
// changing their period.
func SeventhJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return 6*d/7 + rand.N(d/7+1)
}
