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

// Package metrics owns the broker's prometheus registry and collectors. Collectors
// are package level and registered once at init, mirroring how other components
// observe cloud calls without threading a registry around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	Namespace = "resource_broker"

	LabelService   = "service"
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelType      = "type"
	LabelProvider  = "provider_api"
)

// Registry backs the /metrics endpoint. The default registerer stays untouched so
// the broker can run inside test binaries without collector collisions.
var Registry = prometheus.NewRegistry()

var (
	CloudAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "cloud",
			Name:      "api_duration_seconds",
			Help:      "Latency of cloud provider API calls, labeled by service, operation and terminal status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelService, LabelOperation, LabelStatus},
	)
	CloudAPIRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cloud",
			Name:      "api_retries_total",
			Help:      "Number of retried cloud provider API attempts.",
		},
		[]string{LabelService, LabelOperation},
	)
	CloudAPIErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cloud",
			Name:      "api_errors_total",
			Help:      "Cloud provider API failures after retry policy was exhausted, labeled by error kind.",
		},
		[]string{LabelService, LabelOperation, LabelType},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "cloud",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per service operation (0 closed, 1 half-open, 2 open).",
		},
		[]string{LabelService, LabelOperation},
	)
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Requests processed by the broker, labeled by request type and terminal status.",
		},
		[]string{LabelType, LabelStatus},
	)
	MachinesProvisioned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "machines",
			Name:      "provisioned_total",
			Help:      "Machines discovered from successful provisioning, labeled by provider API.",
		},
		[]string{LabelProvider},
	)
	MachinesReturned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "machines",
			Name:      "returned_total",
			Help:      "Machines released back to the cloud provider, labeled by provider API.",
		},
		[]string{LabelProvider},
	)
)

func init() {
	Registry.MustRegister(
		CloudAPIDuration,
		CloudAPIRetries,
		CloudAPIErrors,
		BreakerState,
		RequestsTotal,
		MachinesProvisioned,
		MachinesReturned,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
