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

package observability

import (
	"context"
	"time"
)

// NoopManager returns a Manager that hands out noop tracers and metrics.
// Use this when observability is completely disabled.
func NoopManager() *Manager {
	return &Manager{}
}

// NoopMetrics is a metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordTransition(_ context.Context, _, _ string, _ time.Duration) {}

func (NoopMetrics) RecordToolInvocation(_ context.Context, _ string, _ time.Duration, _ int, _ error) {
}

func (NoopMetrics) RecordModelCall(_ context.Context, _ string, _ time.Duration, _, _ int, _ error) {
}

func (NoopMetrics) RecordEventDropped(_ context.Context, _ string) {}

func (NoopMetrics) RecordCheckpointSave(_ context.Context, _ string, _ error) {}

// Ensure implementations satisfy the interface.
var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
