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

// ServerConfig configures the WebSocket server.
//
// Example:
//
//	server:
//	  host: 0.0.0.0
//	  port: 8080
//	  allowed_origins: ["https://app.example.com"]
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Bind address,default=0.0.0.0"`

	// Port to listen on.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Listen port,minimum=0,maximum=65535,default=8080"`

	// AllowedOrigins restricts WebSocket upgrades by Origin header. "*"
	// accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty" jsonschema:"title=Allowed Origins,description=Origins accepted for WebSocket upgrade (\"*\" for any)"`

	// PongWait is how long a connection may go without a pong before it
	// is considered dead. Pings are sent at 9/10 of this interval.
	PongWait Duration `yaml:"pong_wait,omitempty" json:"pong_wait,omitempty" jsonschema:"title=Pong Wait,description=Connection liveness window,default=60s"`

	// WriteTimeout bounds one outbound frame write.
	WriteTimeout Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty" jsonschema:"title=Write Timeout,description=Per-frame write deadline,default=10s"`

	// ReadLimit bounds one inbound frame in bytes.
	ReadLimit int64 `yaml:"read_limit,omitempty" json:"read_limit,omitempty" jsonschema:"title=Read Limit,description=Maximum inbound frame size in bytes,default=1048576"`

	// ShutdownGrace is how long in-flight connections get to drain on
	// shutdown.
	ShutdownGrace Duration `yaml:"shutdown_grace,omitempty" json:"shutdown_grace,omitempty" jsonschema:"title=Shutdown Grace,description=Drain window on shutdown,default=10s"`
}

// SetDefaults applies default values to the server config.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.PongWait == 0 {
		c.PongWait = Duration(60 * time.Second)
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = Duration(10 * time.Second)
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = Duration(10 * time.Second)
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PongWait < 0 || c.WriteTimeout < 0 || c.ShutdownGrace < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	if c.ReadLimit < 0 {
		return fmt.Errorf("read_limit must be non-negative")
	}
	return nil
}

// Address returns the listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
