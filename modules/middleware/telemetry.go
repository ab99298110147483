// Copyright 2025 Nhat-Nguyen Nguyen
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

package middleware

import (
	"net/http"
	"time"

	"diarygate/modules/telemetry"
)

// Telemetry records every request that reaches the mux, including the ones
// answered by a protection layer (403, 429, 500).
func Telemetry(metrics *telemetry.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := NewResponseRecorder(w)

			next.ServeHTTP(recorder, r)

			metrics.RecordRequest(r.Context(), telemetry.RequestSample{
				Method:  r.Method,
				Route:   endpointOf(r),
				Status:  recorder.Status(),
				Elapsed: time.Since(start),
				Bytes:   recorder.BytesWritten(),
			})
		})
	}
}

// endpointOf prefers the mux pattern to keep the endpoint label low-cardinality.
func endpointOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}
