// Copyright (c) 2026 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package dispatch

import (
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// jitterFraction is the upper bound of the random delay added to each wait,
// relative to the wait itself.
const jitterFraction = 0.1

// cappedBackOff doubles the wait after each attempt up to max and adds up to
// 10% of random jitter on top.
type cappedBackOff struct {
	jitter  func() float64
	base    time.Duration
	max     time.Duration
	attempt int
}

var _ backoff.BackOff = (*cappedBackOff)(nil)

func (b *cappedBackOff) NextBackOff() time.Duration {
	wait := b.base
	for i := 0; i < b.attempt && wait < b.max; i++ {
		wait *= 2
	}

	wait = min(wait, b.max)

	b.attempt++

	return wait + time.Duration(b.jitter()*jitterFraction*float64(wait))
}

func (b *cappedBackOff) Reset() {
	b.attempt = 0
}
