// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package llms

import (
	"fmt"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/registry"
)

// ModelRegistry holds named model providers for the server lifetime.
type ModelRegistry struct {
	*registry.BaseRegistry[Provider]
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

func (r *ModelRegistry) RegisterModel(name string, provider Provider) error {
	if name == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("model provider cannot be nil")
	}
	return r.Register(name, provider)
}

// CreateModelFromConfig builds a provider from its config and registers it
// under the given name.
func (r *ModelRegistry) CreateModelFromConfig(name string, cfg *config.ModelConfig) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("model config cannot be nil")
	}

	var provider Provider
	var err error

	switch cfg.Type {
	case config.ModelTypeAnthropic:
		provider, err = NewAnthropicProviderFromConfig(cfg)
	case config.ModelTypeOpenAI:
		provider, err = NewOpenAIProviderFromConfig(cfg)
	case config.ModelTypeGemini:
		provider, err = NewGeminiProviderFromConfig(cfg)
	case config.ModelTypeMock:
		provider, err = NewMockProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported model type: %s (supported: anthropic, openai, gemini, mock)", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}

	if err := r.RegisterModel(name, provider); err != nil {
		return nil, fmt.Errorf("failed to register model: %w", err)
	}

	return provider, nil
}

func (r *ModelRegistry) GetModel(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("model '%s' not found", name)
	}
	return provider, nil
}

func (r *ModelRegistry) ListModels() []string {
	return r.Names()
}

// Close closes every registered provider and clears the registry.
func (r *ModelRegistry) Close() error {
	var errs []error
	for _, name := range r.Names() {
		provider, exists := r.Get(name)
		if !exists {
			continue
		}
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", name, err))
		}
	}
	r.Clear()
	if len(errs) > 0 {
		return fmt.Errorf("errors closing models: %v", errs)
	}
	return nil
}
