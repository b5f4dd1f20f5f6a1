package embedders

import (
	"context"
	"fmt"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/registry"
)

type EmbedderProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	GetDimension() int

	GetModelName() string

	Close() error
}

type EmbedderRegistry struct {
	*registry.BaseRegistry[EmbedderProvider]
}

func NewEmbedderRegistry() *EmbedderRegistry {
	return &EmbedderRegistry{
		BaseRegistry: registry.NewBaseRegistry[EmbedderProvider](),
	}
}

func (r *EmbedderRegistry) RegisterEmbedder(name string, provider EmbedderProvider) error {
	if name == "" {
		return fmt.Errorf("embedder name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("embedder provider cannot be nil")
	}
	return r.Register(name, provider)
}

func (r *EmbedderRegistry) CreateEmbedderFromConfig(name string, cfg *config.EmbedderConfig) (EmbedderProvider, error) {
	if name == "" {
		return nil, fmt.Errorf("embedder name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("embedder config cannot be nil")
	}

	var provider EmbedderProvider
	var err error

	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIEmbedderFromConfig(cfg)
	case "local", "":
		provider, err = NewLocalEmbedderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create embedder provider: %w", err)
	}

	if err := r.RegisterEmbedder(name, provider); err != nil {
		return nil, fmt.Errorf("failed to register embedder: %w", err)
	}

	return provider, nil
}

func (r *EmbedderRegistry) GetEmbedder(name string) (EmbedderProvider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("embedder provider '%s' not found", name)
	}
	return provider, nil
}

func (r *EmbedderRegistry) ListEmbedders() []string {
	return r.Names()
}

func (r *EmbedderRegistry) Close() error {
	var errs []error
	for _, name := range r.Names() {
		provider, exists := r.Get(name)
		if !exists {
			continue
		}
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("embedder %s: %w", name, err))
		}
	}
	r.Clear()

	if len(errs) > 0 {
		return fmt.Errorf("errors closing embedders: %v", errs)
	}
	return nil
}
