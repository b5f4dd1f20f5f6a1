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

// EmbedderConfig configures one embedding provider.
//
// Example:
//
//	embedders:
//	  default:
//	    type: openai
//	    model: text-embedding-3-small
//	    api_key: ${OPENAI_API_KEY}
type EmbedderConfig struct {
	// Type identifies the embedder implementation.
	// "openai" talks to any OpenAI-compatible embeddings endpoint;
	// "local" is a deterministic in-process embedder for tests and
	// air-gapped runs.
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,description=Embedder implementation,enum=openai,enum=local,default=local"`

	// Model is the embedding model name.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Embedding model name"`

	// APIKey authenticates against the embeddings endpoint. Required
	// for type=openai.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for the embeddings endpoint"`

	// Host overrides the API base URL, for OpenAI-compatible servers.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Base URL override for OpenAI-compatible servers"`

	// Dimension is the embedding dimension. Defaults per model.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty" jsonschema:"title=Dimension,description=Embedding vector dimension,minimum=1"`

	// BatchSize bounds how many texts go into one embeddings request.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty" jsonschema:"title=Batch Size,description=Texts per embeddings request,minimum=1,default=100"`

	// Timeout bounds one embeddings request.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Request timeout,default=30s"`
}

// SetDefaults applies default values to the embedder config.
func (c *EmbedderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "local"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(30 * time.Second)
	}
	if c.Type == "local" && c.Dimension == 0 {
		c.Dimension = 256
	}
}

// Validate checks the embedder configuration.
func (c *EmbedderConfig) Validate() error {
	switch c.Type {
	case "openai":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for the openai embedder")
		}
	case "local", "":

	default:
		return fmt.Errorf("unknown embedder type: %q", c.Type)
	}

	if c.Dimension < 0 {
		return fmt.Errorf("dimension must be non-negative")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must be non-negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}
