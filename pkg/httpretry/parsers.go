// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpretry

import (
	"net/http"
	"strconv"
	"time"
)

// The two providers routed through this client report rate limit state
// differently: Anthropic in anthropic-ratelimit-* headers with RFC3339
// reset stamps, OpenAI in x-ratelimit-* headers with unix reset stamps.
// Both honor Retry-After in seconds.

// ParseAnthropicHeaders reads rate limit state from Anthropic response
// headers.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: retryAfterSeconds(headers)}

	for _, name := range []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		if v := headers.Get(name); v != "" {
			if reset, err := time.Parse(time.RFC3339, v); err == nil {
				info.ResetTime = reset.Unix()
				break
			}
		}
	}

	info.RequestsRemaining = intHeader(headers, "anthropic-ratelimit-requests-remaining")
	info.InputTokensRemaining = intHeader(headers, "anthropic-ratelimit-input-tokens-remaining")
	info.OutputTokensRemaining = intHeader(headers, "anthropic-ratelimit-output-tokens-remaining")
	return info
}

// ParseOpenAIHeaders reads rate limit state from OpenAI response
// headers. Gateways reached through the openai provider's host override
// reuse the same header set.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: retryAfterSeconds(headers)}

	for _, name := range []string{
		"x-ratelimit-reset-tokens",
		"x-ratelimit-reset-requests",
	} {
		if v := headers.Get(name); v != "" {
			if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.ResetTime = reset
				break
			}
		}
	}

	info.RequestsRemaining = intHeader(headers, "x-ratelimit-remaining-requests")
	info.TokensRemaining = intHeader(headers, "x-ratelimit-remaining-tokens")
	return info
}

func retryAfterSeconds(headers http.Header) time.Duration {
	seconds, err := strconv.Atoi(headers.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func intHeader(headers http.Header, name string) int {
	n, _ := strconv.Atoi(headers.Get(name))
	return n
}
