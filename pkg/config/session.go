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

import (
	"fmt"
	"time"
)

// SessionConfig configures per-session runtime behavior.
//
// Example:
//
//	session:
//	  ttl: 24h
//	  bus_buffer: 256
//	  checkpoint:
//	    backend: sql
//	    keep_last: 20
type SessionConfig struct {
	// TTL destroys sessions idle past this age. The maintenance sweep
	// enforces it.
	TTL Duration `yaml:"ttl,omitempty" json:"ttl,omitempty" jsonschema:"title=TTL,description=Idle session lifetime,default=24h"`

	// BusBuffer bounds the per-session event backlog held for absent
	// subscribers. Overflow drops the oldest progress events.
	BusBuffer int `yaml:"bus_buffer,omitempty" json:"bus_buffer,omitempty" jsonschema:"title=Bus Buffer,description=Per-session event backlog bound,minimum=1,default=256"`

	// MailboxBuffer bounds the per-session command queue.
	MailboxBuffer int `yaml:"mailbox_buffer,omitempty" json:"mailbox_buffer,omitempty" jsonschema:"title=Mailbox Buffer,description=Per-session command queue bound,minimum=1,default=64"`

	// Checkpoint configures durable state snapshots.
	Checkpoint *CheckpointConfig `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty" jsonschema:"title=Checkpoint,description=Durable session state snapshots"`
}

// CheckpointConfig configures where session checkpoints are persisted and
// how many versions are retained.
type CheckpointConfig struct {
	// Backend selects the store: "sql" persists through the database
	// section, "inmemory" keeps checkpoints in process (tests and dev).
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"title=Backend,description=Checkpoint store,enum=sql,enum=inmemory,default=inmemory"`

	// KeepLast bounds retained checkpoint versions per session. Older
	// versions are pruned after each save.
	KeepLast int `yaml:"keep_last,omitempty" json:"keep_last,omitempty" jsonschema:"title=Keep Last,description=Checkpoint versions retained per session,minimum=1,default=20"`
}

// SetDefaults applies default values to the checkpoint config.
func (c *CheckpointConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "inmemory"
	}
	if c.KeepLast == 0 {
		c.KeepLast = 20
	}
}

// Validate checks the checkpoint configuration.
func (c *CheckpointConfig) Validate() error {
	switch c.Backend {
	case "sql", "inmemory", "":

	default:
		return fmt.Errorf("invalid backend %q (valid: sql, inmemory)", c.Backend)
	}
	if c.KeepLast < 0 {
		return fmt.Errorf("keep_last must be non-negative")
	}
	return nil
}

// IsSQL reports whether checkpoints persist to the configured database.
func (c *CheckpointConfig) IsSQL() bool {
	return c != nil && c.Backend == "sql"
}

// SetDefaults applies default values to the session config.
func (c *SessionConfig) SetDefaults() {
	if c.TTL == 0 {
		c.TTL = Duration(24 * time.Hour)
	}
	if c.BusBuffer == 0 {
		c.BusBuffer = 256
	}
	if c.MailboxBuffer == 0 {
		c.MailboxBuffer = 64
	}
	if c.Checkpoint == nil {
		c.Checkpoint = &CheckpointConfig{}
	}
	c.Checkpoint.SetDefaults()
}

// Validate checks the session configuration.
func (c *SessionConfig) Validate() error {
	if c.TTL < 0 {
		return fmt.Errorf("ttl must be non-negative")
	}
	if c.BusBuffer < 0 {
		return fmt.Errorf("bus_buffer must be non-negative")
	}
	if c.MailboxBuffer < 0 {
		return fmt.Errorf("mailbox_buffer must be non-negative")
	}
	if c.Checkpoint != nil {
		if err := c.Checkpoint.Validate(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	return nil
}
