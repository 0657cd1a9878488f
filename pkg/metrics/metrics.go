/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "drs_orchestrator"

// Registry is the process-wide registry served on the metrics endpoint; the
// AWS SDK clients are instrumented against it as well.
var Registry = prometheus.NewRegistry()

var (
	ExecutionsActive = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "executions_active",
		Help:      "Number of executions with a running supervisor.",
	})
	ExecutionsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "executions_total",
		Help:      "Executions reaching a terminal status.",
	}, []string{"status"})
	ExecutionDuration = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall time from start to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(30, 2, 12),
	})
	WaveDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "wave_duration_seconds",
		Help:      "Wall time for one wave to reach a terminal status.",
		Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
	}, []string{"status"})
	ServerLaunchesTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "server_launches_total",
		Help:      "Server launches by terminal status.",
	}, []string{"status"})
	CommandsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "commands_total",
		Help:      "Commands by kind and gateway decision.",
	}, []string{"kind", "decision"})
	DRSAPIRequests = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "drs_api_requests_total",
		Help:      "DRS API requests by operation and result.",
	}, []string{"operation", "result"})
	PollTicks = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "poll_ticks_total",
		Help:      "Job poller ticks across all tracked jobs.",
	})
	JobsInFlight = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "jobs_in_flight",
		Help:      "DRS jobs currently tracked by the poller.",
	})
)
