// Copyright 2025 Kadir Pekel
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

package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kadirpekel/nudge/pkg/onboarding"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nudge_http_requests_total",
		Help: "HTTP requests handled, by route and status.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nudge_http_request_duration_seconds",
		Help:    "HTTP request latency, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	inboundMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nudge_inbound_messages_total",
		Help: "Inbound conversation turns, by channel.",
	}, []string{"channel"})

	nudgesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nudge_proactive_messages_total",
		Help: "Proactive nudge messages created through the API.",
	})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nudge_completions_total",
		Help: "Completed onboarding conversations, by channel.",
	}, []string{"channel"})
)

// responseWriter captures the status code for metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// CompletionMetricsSink counts completions and forwards to an optional next
// sink, so prometheus and the AMQP mirror share one hook on the engine.
type CompletionMetricsSink struct {
	Next onboarding.EventSink
}

// PublishCompleted implements onboarding.EventSink.
func (s *CompletionMetricsSink) PublishCompleted(ctx context.Context, event onboarding.CompletionEvent) error {
	completionsTotal.WithLabelValues(event.Channel).Inc()
	if s.Next != nil {
		return s.Next.PublishCompleted(ctx, event)
	}
	return nil
}
