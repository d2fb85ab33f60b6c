// Copyright 2025 The Dossier Authors
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

package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RetryableError reports that a request kept failing after retries.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// ParseRetryAfterHeader reads the standard Retry-After header (seconds form).
func ParseRetryAfterHeader(h http.Header) RateLimitInfo {
	info := RateLimitInfo{}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			info.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return info
}

// ParseOpenAIRateLimitHeaders reads the x-ratelimit-* headers emitted by
// OpenAI-compatible endpoints.
func ParseOpenAIRateLimitHeaders(h http.Header) RateLimitInfo {
	info := ParseRetryAfterHeader(h)
	if v := h.Get("x-ratelimit-reset-requests"); v != "" && info.RetryAfter == 0 {
		if d, err := time.ParseDuration(v); err == nil {
			info.RetryAfter = d
		}
	}
	return info
}
