// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package metrics provides Prometheus metrics for the client-state engine.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClientStates tracks registered client states by durability.
	ClientStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emqx_engine_client_states",
		Help: "The number of client states currently in the registry.",
	},
		[]string{"durability"},
	)

	// Zombies tracks durable client states with no live connection.
	Zombies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emqx_engine_zombies",
		Help: "The number of zombie client states retained for resumption.",
	})

	// StealsTotal counts successful takeovers by the kind of victim (zombie or live).
	StealsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_engine_steals_total",
		Help: "The total number of client identity takeovers.",
	},
		[]string{"victim"},
	)

	// ZombiesExpiredTotal counts zombies removed by the expiry reaper.
	ZombiesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emqx_engine_zombies_expired_total",
		Help: "The total number of zombie client states removed on expiry.",
	})

	// DeliveryIDsExhaustedTotal counts assign calls that hit the inflight limit.
	DeliveryIDsExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emqx_engine_delivery_ids_exhausted_total",
		Help: "The total number of delivery id assignments refused because the inflight window was full.",
	})

	// GenerationFullRetriesTotal counts store operations replayed after a generation-full rollback.
	GenerationFullRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emqx_engine_generation_full_retries_total",
		Help: "The total number of store operations retried because the store generation was full.",
	})

	// FFDCTotal counts invariant violations by probe id.
	FFDCTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_engine_ffdc_total",
		Help: "The total number of first-failure data captures.",
	},
		[]string{"probe"},
	)

	// ClientTableResizesTotal counts registry growth events.
	ClientTableResizesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emqx_engine_client_table_resizes_total",
		Help: "The total number of times the client state table was resized.",
	})
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("[INFO] Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
