// Copyright 2025 Kadir Pekel
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

package memory

import (
	"fmt"
	"time"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/embedders"
	"github.com/kadirpekel/priam/pkg/vector"
)

// NewServiceFromConfig creates the memory service based on configuration.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│   TIER 3: VectorStore (cross-session, long-term)            │
//	│   - content-addressed by embedding, cosine top-k            │
//	│   - chromem (embedded) / qdrant / pinecone backends         │
//	│   - disabled unless memory.vector.enabled                   │
//	├─────────────────────────────────────────────────────────────┤
//	│   TIER 2: RuntimeStore (session-scoped working set)         │
//	│   - distilled facts the planner extracted                   │
//	│   - bounded per session, oldest non-pinned evicted          │
//	├─────────────────────────────────────────────────────────────┤
//	│   TIER 1: CacheStore (short-TTL)                            │
//	│   - recently observed tool outputs and prompts              │
//	│   - background janitor evicts expired entries               │
//	└─────────────────────────────────────────────────────────────┘
//
// Example config:
//
//	embedders:
//	  default:
//	    type: openai
//	    model: text-embedding-3-small
//	    api_key: ${OPENAI_API_KEY}
//
//	memory:
//	  vector:
//	    enabled: true
//	    embedder: default
//	    provider:
//	      type: chromem
//	      chromem:
//	        persist_path: .priam/vectors
//	        compress: true
//
// The embedder registry is owned by the caller and must outlive the
// returned service.
func NewServiceFromConfig(cfg *config.MemoryConfig, embedderRegistry *embedders.EmbedderRegistry) (*Service, error) {
	if cfg == nil {
		cfg = &config.MemoryConfig{}
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory config: %w", err)
	}

	var vectorTier TierStore
	if config.BoolValue(cfg.Vector.Enabled, false) {
		if embedderRegistry == nil {
			return nil, fmt.Errorf("vector tier is enabled but no embedder registry was provided")
		}

		emb, err := embedderRegistry.GetEmbedder(cfg.Vector.Embedder)
		if err != nil {
			return nil, fmt.Errorf("embedder %q not found (referenced by memory.vector): %w", cfg.Vector.Embedder, err)
		}

		provider, err := newVectorProviderFromConfig(cfg.Vector.Provider)
		if err != nil {
			return nil, fmt.Errorf("failed to create vector provider: %w", err)
		}

		vectorTier, err = NewVectorStore(VectorStoreConfig{
			Provider:   provider,
			Embedder:   emb,
			Collection: cfg.Vector.Collection,
		})
		if err != nil {
			return nil, err
		}
	}

	cache := NewCacheStore(CacheConfig{
		TTL:           time.Duration(cfg.Cache.TTL),
		Capacity:      cfg.Cache.Capacity,
		SweepInterval: time.Duration(cfg.Cache.SweepInterval),
	})

	runtime := NewRuntimeStore(RuntimeConfig{
		Capacity: cfg.Runtime.Capacity,
	})

	return NewService(cache, runtime, vectorTier, RankingFromConfig(cfg.Ranking)), nil
}

// newVectorProviderFromConfig creates a vector.Provider from configuration.
func newVectorProviderFromConfig(cfg *config.VectorProviderConfig) (vector.Provider, error) {
	if cfg == nil {
		// Default to chromem with defaults
		return vector.NewChromemProvider(vector.ChromemConfig{})
	}

	cfg.SetDefaults()

	switch cfg.Type {
	case "chromem", "":
		chromemCfg := vector.ChromemConfig{}
		if cfg.Chromem != nil {
			chromemCfg.PersistPath = cfg.Chromem.PersistPath
			chromemCfg.Compress = cfg.Chromem.Compress
		}
		return vector.NewChromemProvider(chromemCfg)

	case "qdrant":
		if cfg.Qdrant == nil {
			return nil, fmt.Errorf("qdrant configuration is required")
		}
		return vector.NewQdrantProvider(vector.QdrantConfig{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey,
			UseTLS: cfg.Qdrant.UseTLS,
		})

	case "pinecone":
		if cfg.Pinecone == nil {
			return nil, fmt.Errorf("pinecone configuration is required")
		}
		return vector.NewPineconeProvider(vector.PineconeConfig{
			APIKey:    cfg.Pinecone.APIKey,
			Host:      cfg.Pinecone.Host,
			IndexName: cfg.Pinecone.IndexName,
		})

	default:
		return nil, fmt.Errorf("unknown vector provider type: %q", cfg.Type)
	}
}
