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
	"os"
	"time"
)

// ModelType identifies the model provider implementation.
type ModelType string

const (
	ModelTypeAnthropic ModelType = "anthropic"
	ModelTypeOpenAI    ModelType = "openai"
	ModelTypeGemini    ModelType = "gemini"
	ModelTypeMock      ModelType = "mock"
)

// ModelConfig configures one chat model provider. Providers are named at
// the top level and referenced by agents, so a session can be moved to a
// different model by editing one reference.
//
// Example:
//
//	models:
//	  claude:
//	    type: anthropic
//	    model: claude-sonnet-4-20250514
//	    api_key: ${ANTHROPIC_API_KEY}
//	  scripted:
//	    type: mock
type ModelConfig struct {
	// Type selects the provider implementation.
	Type ModelType `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,description=Model provider implementation,enum=anthropic,enum=openai,enum=gemini,enum=mock,default=anthropic"`

	// Model is the model identifier, e.g. "claude-sonnet-4-20250514" or
	// "gpt-4o". Defaults per provider.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	// APIKey authenticates against the provider. Supports ${VAR}
	// expansion; falls back to the provider's conventional environment
	// variable when empty.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key (use ${ENV_VAR})"`

	// Host overrides the API base URL, for OpenAI-compatible gateways
	// and self-hosted endpoints.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Base URL override"`

	// Temperature is the sampling temperature.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Sampling temperature,minimum=0,maximum=2,default=0.7"`

	// MaxTokens bounds the response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Maximum tokens to generate,minimum=1,default=4096"`

	// Timeout bounds a single model call, streaming included.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Model call timeout,default=120s"`

	// MaxRetries bounds retries of rate-limited or transiently failing
	// calls. Retry-After headers are honored when present.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"title=Max Retries,description=Retries on 429/503,minimum=0,default=2"`
}

// SetDefaults applies default values to the model config.
func (c *ModelConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = detectModelTypeFromEnv()
	}

	if c.Model == "" {
		switch c.Type {
		case ModelTypeAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case ModelTypeOpenAI:
			c.Model = "gpt-4o"
		case ModelTypeGemini:
			c.Model = "gemini-2.0-flash"
		case ModelTypeMock:
			c.Model = "mock"
		}
	}

	if c.APIKey == "" {
		c.APIKey = modelAPIKeyFromEnv(c.Type)
	}

	if c.Temperature == nil {
		c.Temperature = Float64Ptr(0.7)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(120 * time.Second)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// Validate checks the model configuration.
func (c *ModelConfig) Validate() error {
	switch c.Type {
	case ModelTypeAnthropic, ModelTypeOpenAI, ModelTypeGemini:
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for provider %q", c.Type)
		}
	case ModelTypeMock, "":

	default:
		return fmt.Errorf("invalid model type %q (valid: anthropic, openai, gemini, mock)", c.Type)
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	return nil
}

// detectModelTypeFromEnv picks a provider based on which API keys are set.
func detectModelTypeFromEnv() ModelType {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return ModelTypeAnthropic
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ModelTypeOpenAI
	}
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return ModelTypeGemini
	}
	return ModelTypeAnthropic
}

// modelAPIKeyFromEnv reads the conventional API key variable for a provider.
func modelAPIKeyFromEnv(t ModelType) string {
	switch t {
	case ModelTypeAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ModelTypeOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ModelTypeGemini:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}
