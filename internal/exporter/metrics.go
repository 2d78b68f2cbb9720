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
package exporter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"modemstatus.dev/hnap/internal/status"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

func channelAttributes(ch status.Channel) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("direction", string(ch.Direction)),
		attribute.String("channel", ch.ID),
		attribute.String("modulation", ch.Modulation),
	)
}

// channels observes fn for every channel of the last status that has a value.
func (e *Exporter) channels(fn func(ch status.Channel) (float64, bool)) metric.Float64Callback {
	return func(_ context.Context, o metric.Float64Observer) error {
		s, _ := e.snapshot()
		if s == nil {
			return nil
		}

		for _, list := range [][]status.Channel{s.Downstream, s.Upstream} {
			for _, ch := range list {
				if v, ok := fn(ch); ok {
					o.Observe(v, channelAttributes(ch))
				}
			}
		}

		return nil
	}
}

func (e *Exporter) errorCounts(fn func(ch status.Channel) (uint64, bool)) metric.Int64Callback {
	return func(_ context.Context, o metric.Int64Observer) error {
		s, _ := e.snapshot()
		if s == nil {
			return nil
		}

		for _, ch := range s.Downstream {
			if v, ok := fn(ch); ok {
				//nolint:gosec // device counters fit in int64
				o.Observe(int64(v), channelAttributes(ch))
			}
		}

		return nil
	}
}

// WithMetrics publishes the last status through meter.
func WithMetrics(meter metric.Meter) Option {
	return func(e *Exporter) {
		must(meter.Float64ObservableGauge("modem.channel.power",
			metric.WithUnit("dBmV"),
			metric.WithFloat64Callback(e.channels(status.Channel.PowerDBmV))))

		must(meter.Float64ObservableGauge("modem.channel.snr",
			metric.WithUnit("dB"),
			metric.WithFloat64Callback(e.channels(status.Channel.SNRDB))))

		must(meter.Float64ObservableGauge("modem.channel.frequency",
			metric.WithUnit("Hz"),
			metric.WithFloat64Callback(e.channels(status.Channel.FrequencyHz))))

		must(meter.Int64ObservableCounter("modem.channel.corrected",
			metric.WithUnit("{codeword}"),
			metric.WithInt64Callback(e.errorCounts(status.Channel.Corrected))))

		must(meter.Int64ObservableCounter("modem.channel.uncorrected",
			metric.WithUnit("{codeword}"),
			metric.WithInt64Callback(e.errorCounts(status.Channel.Uncorrected))))

		must(meter.Int64ObservableGauge("modem.up",
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				var up int64
				if e.stats.up.Load() {
					up = 1
				}

				o.Observe(up)

				return nil
			})))

		must(meter.Float64ObservableGauge("modem.uptime",
			metric.WithUnit("s"),
			metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
				s, _ := e.snapshot()
				if s == nil {
					return nil
				}

				if uptime, ok := s.Uptime(); ok {
					o.Observe(uptime.Seconds())
				}

				return nil
			})))

		must(meter.Float64ObservableGauge("modem.poll.duration",
			metric.WithUnit("s"),
			metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
				_, elapsed := e.snapshot()
				o.Observe(elapsed.Seconds())

				return nil
			})))

		success := attribute.String("result", "success")
		failure := attribute.String("result", "failure")

		must(meter.Int64ObservableCounter("modem.polls",
			metric.WithUnit("{count}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(e.stats.successes.Load(), metric.WithAttributes(success))
				o.Observe(e.stats.failures.Load(), metric.WithAttributes(failure))

				return nil
			})))
	}
}
