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

package analysis

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// WithMetricMeter exposes capture counters through meter.
func WithMetricMeter(meter metric.Meter) CollectorOption {
	return func(c *Collector) {
		captured := attribute.String("type", "captured")
		recovered := attribute.String("type", "recovered")
		compatibility := attribute.String("type", "compatibility")

		must(meter.Int64ObservableCounter("hnap.errors",
			metric.WithUnit("{count}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(c.stats.captured.Load(), metric.WithAttributes(captured))
				o.Observe(c.stats.recovered.Load(), metric.WithAttributes(recovered))
				o.Observe(c.stats.compatibility.Load(), metric.WithAttributes(compatibility))

				return nil
			})))
	}
}
