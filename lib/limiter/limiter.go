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

// Package limiter enforces the global ceiling on concurrently admitted
// kernels. Admission is reserved before a launch is issued, so two launches
// in flight at the same time can never both slip past the limit.
package limiter

import (
	"sync"

	"github.com/gravitational/trace"
)

// Limiter is a counting admission gate. Pooled kernels, active kernels and
// launches still in flight all hold one admission each.
type Limiter struct {
	limit int

	mu   sync.Mutex
	used int
}

// New creates a limiter. A limit of zero or less means admission is
// unbounded.
func New(limit int) *Limiter {
	if limit < 0 {
		limit = 0
	}
	return &Limiter{limit: limit}
}

// Acquire reserves n admissions. The check and the increment happen under
// one lock; on rejection nothing is reserved and the returned error is a
// trace.LimitExceededError naming the configured limit. The caller decides
// whether to retry.
func (l *Limiter) Acquire(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.used+n > l.limit {
		return trace.LimitExceeded("kernel limit of %d reached, refusing to launch", l.limit)
	}
	l.used += n
	return nil
}

// Release returns n admissions. The counter never goes below zero: every
// release must pair with exactly one successful acquire.
func (l *Limiter) Release(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used -= n
	if l.used < 0 {
		l.used = 0
	}
}

// InUse returns the number of currently held admissions.
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Limit returns the configured ceiling, zero meaning unbounded.
func (l *Limiter) Limit() int {
	return l.limit
}
