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

package config

import "fmt"

// MaintenanceConfig schedules the background sweeps: idle session
// destruction, checkpoint pruning, and cache eviction. Schedules are cron
// expressions, "@every 5m" forms included.
//
// Example:
//
//	maintenance:
//	  enabled: true
//	  session_sweep: "@every 5m"
//	  checkpoint_sweep: "@every 1h"
type MaintenanceConfig struct {
	// Enabled turns the janitor on.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Run background maintenance sweeps,default=true"`

	// SessionSweep schedules the idle session TTL sweep.
	SessionSweep string `yaml:"session_sweep,omitempty" json:"session_sweep,omitempty" jsonschema:"title=Session Sweep,description=Cron schedule for the idle session sweep,default=@every 5m"`

	// CheckpointSweep schedules checkpoint retention pruning.
	CheckpointSweep string `yaml:"checkpoint_sweep,omitempty" json:"checkpoint_sweep,omitempty" jsonschema:"title=Checkpoint Sweep,description=Cron schedule for checkpoint pruning,default=@every 1h"`

	// CacheSweep schedules expired memory-cache eviction.
	CacheSweep string `yaml:"cache_sweep,omitempty" json:"cache_sweep,omitempty" jsonschema:"title=Cache Sweep,description=Cron schedule for cache eviction,default=@every 10m"`
}

// SetDefaults applies default values to the maintenance config.
func (c *MaintenanceConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.SessionSweep == "" {
		c.SessionSweep = "@every 5m"
	}
	if c.CheckpointSweep == "" {
		c.CheckpointSweep = "@every 1h"
	}
	if c.CacheSweep == "" {
		c.CacheSweep = "@every 10m"
	}
}

// Validate checks the maintenance configuration. Schedule expressions are
// parsed by the janitor at startup; here only presence is checked.
func (c *MaintenanceConfig) Validate() error {
	if BoolValue(c.Enabled, true) {
		if c.SessionSweep == "" || c.CheckpointSweep == "" || c.CacheSweep == "" {
			return fmt.Errorf("sweep schedules must not be empty when enabled")
		}
	}
	return nil
}

// IsEnabled reports whether the janitor should run.
func (c *MaintenanceConfig) IsEnabled() bool {
	return c == nil || BoolValue(c.Enabled, true)
}
