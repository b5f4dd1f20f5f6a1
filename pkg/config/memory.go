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

// MemoryConfig configures the three memory tiers and their relevance
// ranking.
//
// Example:
//
//	memory:
//	  cache:
//	    ttl: 1h
//	    capacity: 1024
//	  runtime:
//	    capacity: 100
//	  vector:
//	    enabled: true
//	    embedder: default
//	    provider:
//	      type: chromem
//	      chromem:
//	        persist_path: .priam/vectors
//	  ranking:
//	    recency_weight: 0.3
//	    similarity_weight: 0.5
//	    pin_bonus: 0.2
//	    half_life: 30m
type MemoryConfig struct {
	// Cache configures the short-TTL tier for recently observed tool
	// outputs and prompts.
	Cache *MemoryCacheConfig `yaml:"cache,omitempty" json:"cache,omitempty" jsonschema:"title=Cache Tier,description=Short-TTL cache for recently observed tool outputs and prompts"`

	// Runtime configures the session-scoped working set.
	Runtime *MemoryRuntimeConfig `yaml:"runtime,omitempty" json:"runtime,omitempty" jsonschema:"title=Runtime Tier,description=Session-scoped working set of distilled facts"`

	// Vector configures the cross-session long-term store.
	Vector *MemoryVectorConfig `yaml:"vector,omitempty" json:"vector,omitempty" jsonschema:"title=Vector Tier,description=Cross-session long-term store with similarity search"`

	// Ranking configures how recency, similarity, and pins are combined.
	Ranking *MemoryRankingConfig `yaml:"ranking,omitempty" json:"ranking,omitempty" jsonschema:"title=Relevance Ranking,description=Weights combining recency decay and similarity and pins"`
}

// SetDefaults applies default values to the memory config.
func (c *MemoryConfig) SetDefaults() {
	if c.Cache == nil {
		c.Cache = &MemoryCacheConfig{}
	}
	c.Cache.SetDefaults()

	if c.Runtime == nil {
		c.Runtime = &MemoryRuntimeConfig{}
	}
	c.Runtime.SetDefaults()

	if c.Vector == nil {
		c.Vector = &MemoryVectorConfig{}
	}
	c.Vector.SetDefaults()

	if c.Ranking == nil {
		c.Ranking = &MemoryRankingConfig{}
	}
	c.Ranking.SetDefaults()
}

// Validate checks the memory configuration.
func (c *MemoryConfig) Validate() error {
	if c.Cache != nil {
		if err := c.Cache.Validate(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if c.Runtime != nil {
		if err := c.Runtime.Validate(); err != nil {
			return fmt.Errorf("runtime: %w", err)
		}
	}
	if c.Vector != nil {
		if err := c.Vector.Validate(); err != nil {
			return fmt.Errorf("vector: %w", err)
		}
	}
	if c.Ranking != nil {
		if err := c.Ranking.Validate(); err != nil {
			return fmt.Errorf("ranking: %w", err)
		}
	}
	return nil
}

// MemoryCacheConfig configures the short-TTL cache tier.
type MemoryCacheConfig struct {
	// TTL is how long an entry stays alive after its last write.
	TTL Duration `yaml:"ttl,omitempty" json:"ttl,omitempty" jsonschema:"title=TTL,description=Entry lifetime after last write,default=1h"`

	// Capacity bounds the total number of cached entries in the process.
	Capacity int `yaml:"capacity,omitempty" json:"capacity,omitempty" jsonschema:"title=Capacity,description=Maximum cached entries process-wide,minimum=1,default=1024"`

	// SweepInterval is how often expired entries are evicted in the
	// background.
	SweepInterval Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty" jsonschema:"title=Sweep Interval,description=Background eviction interval,default=1m"`
}

// SetDefaults applies default values to the cache tier config.
func (c *MemoryCacheConfig) SetDefaults() {
	if c.TTL == 0 {
		c.TTL = Duration(time.Hour)
	}
	if c.Capacity == 0 {
		c.Capacity = 1024
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = Duration(time.Minute)
	}
}

// Validate checks the cache tier configuration.
func (c *MemoryCacheConfig) Validate() error {
	if c.TTL < 0 {
		return fmt.Errorf("ttl must be non-negative")
	}
	if c.Capacity < 0 {
		return fmt.Errorf("capacity must be non-negative")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval must be non-negative")
	}
	return nil
}

// MemoryRuntimeConfig configures the session-scoped working set tier.
type MemoryRuntimeConfig struct {
	// Capacity bounds the number of items per session. The oldest
	// non-pinned item is evicted first when full.
	Capacity int `yaml:"capacity,omitempty" json:"capacity,omitempty" jsonschema:"title=Capacity,description=Maximum items per session,minimum=1,default=100"`
}

// SetDefaults applies default values to the runtime tier config.
func (c *MemoryRuntimeConfig) SetDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 100
	}
}

// Validate checks the runtime tier configuration.
func (c *MemoryRuntimeConfig) Validate() error {
	if c.Capacity < 0 {
		return fmt.Errorf("capacity must be non-negative")
	}
	return nil
}

// MemoryVectorConfig configures the cross-session long-term tier.
type MemoryVectorConfig struct {
	// Enabled turns the vector tier on. Default: false (cache and
	// runtime tiers only).
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Enable the long-term vector tier,default=false"`

	// Collection is the vector collection name.
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty" jsonschema:"title=Collection,description=Vector collection name,default=priam_memory"`

	// Embedder references an embedder from the top-level embedders
	// config. Required when enabled.
	Embedder string `yaml:"embedder,omitempty" json:"embedder,omitempty" jsonschema:"title=Embedder,description=Name of the embedder used for this tier"`

	// Provider configures the vector storage backend. Defaults to
	// chromem (embedded).
	Provider *VectorProviderConfig `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Vector Provider,description=Vector storage backend"`
}

// SetDefaults applies default values to the vector tier config.
func (c *MemoryVectorConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
	if c.Collection == "" {
		c.Collection = "priam_memory"
	}
	if c.Provider == nil {
		c.Provider = &VectorProviderConfig{}
	}
	c.Provider.SetDefaults()
}

// Validate checks the vector tier configuration.
func (c *MemoryVectorConfig) Validate() error {
	if !BoolValue(c.Enabled, false) {
		return nil
	}
	if c.Embedder == "" {
		return fmt.Errorf("embedder is required when the vector tier is enabled")
	}
	if c.Provider != nil {
		if err := c.Provider.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// VectorProviderConfig configures the vector storage backend.
type VectorProviderConfig struct {
	// Type identifies which provider to use.
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Provider Type,description=Vector provider,enum=chromem,enum=qdrant,enum=pinecone,default=chromem"`

	// Chromem configuration (used when Type="chromem").
	Chromem *ChromemProviderConfig `yaml:"chromem,omitempty" json:"chromem,omitempty" jsonschema:"title=Chromem,description=Embedded chromem-go provider settings"`

	// Qdrant configuration (used when Type="qdrant").
	Qdrant *QdrantProviderConfig `yaml:"qdrant,omitempty" json:"qdrant,omitempty" jsonschema:"title=Qdrant,description=Qdrant provider settings"`

	// Pinecone configuration (used when Type="pinecone").
	Pinecone *PineconeProviderConfig `yaml:"pinecone,omitempty" json:"pinecone,omitempty" jsonschema:"title=Pinecone,description=Pinecone provider settings"`
}

// SetDefaults applies default values to the provider config.
func (c *VectorProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "chromem"
	}
	if c.Type == "chromem" && c.Chromem == nil {
		c.Chromem = &ChromemProviderConfig{}
	}
}

// Validate checks the provider configuration.
func (c *VectorProviderConfig) Validate() error {
	switch c.Type {
	case "chromem", "":
		return nil
	case "qdrant":
		if c.Qdrant == nil || c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host is required")
		}
		return nil
	case "pinecone":
		if c.Pinecone == nil || c.Pinecone.APIKey == "" {
			return fmt.Errorf("pinecone api_key is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown vector provider type: %q", c.Type)
	}
}

// ChromemProviderConfig configures the chromem-go embedded vector provider.
type ChromemProviderConfig struct {
	// PersistPath for file persistence. If empty, vectors are stored in
	// memory only.
	PersistPath string `yaml:"persist_path,omitempty" json:"persist_path,omitempty" jsonschema:"title=Persist Path,description=Directory for vector persistence (in-memory when empty)"`

	// Compress enables gzip compression for persistence.
	Compress bool `yaml:"compress,omitempty" json:"compress,omitempty" jsonschema:"title=Compress,description=Gzip-compress the persisted database"`
}

// QdrantProviderConfig configures the Qdrant vector provider.
type QdrantProviderConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host" json:"host" jsonschema:"title=Host,description=Qdrant server hostname"`

	// Port is the Qdrant gRPC port.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Qdrant gRPC port,default=6334"`

	// APIKey for authenticated access.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authenticated access"`

	// UseTLS enables TLS connections.
	UseTLS bool `yaml:"use_tls,omitempty" json:"use_tls,omitempty" jsonschema:"title=Use TLS,description=Enable TLS for the Qdrant connection"`
}

// PineconeProviderConfig configures the Pinecone vector provider.
type PineconeProviderConfig struct {
	// APIKey is required for Pinecone authentication.
	APIKey string `yaml:"api_key" json:"api_key" jsonschema:"title=API Key,description=Pinecone API key"`

	// Host is the Pinecone API host.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Pinecone API host (defaults to the public endpoint)"`

	// IndexName is the Pinecone index backing the collection.
	IndexName string `yaml:"index_name,omitempty" json:"index_name,omitempty" jsonschema:"title=Index Name,description=Pinecone index name"`
}

// MemoryRankingConfig configures how relevance is scored when memory is
// searched. The final score is
//
//	similarity_weight*similarity + recency_weight*decay(age) + pin_bonus
//
// where decay halves every half_life.
type MemoryRankingConfig struct {
	// RecencyWeight scales the exponential recency decay term.
	RecencyWeight *float64 `yaml:"recency_weight,omitempty" json:"recency_weight,omitempty" jsonschema:"title=Recency Weight,description=Weight of the recency decay term,default=0.3"`

	// SimilarityWeight scales the raw similarity term.
	SimilarityWeight *float64 `yaml:"similarity_weight,omitempty" json:"similarity_weight,omitempty" jsonschema:"title=Similarity Weight,description=Weight of the similarity term,default=0.5"`

	// PinBonus is added to the score of explicitly pinned items.
	PinBonus *float64 `yaml:"pin_bonus,omitempty" json:"pin_bonus,omitempty" jsonschema:"title=Pin Bonus,description=Additive bonus for pinned items,default=0.2"`

	// HalfLife is the age at which the recency term halves.
	HalfLife Duration `yaml:"half_life,omitempty" json:"half_life,omitempty" jsonschema:"title=Half Life,description=Age at which the recency term halves,default=30m"`

	// MinScore drops results scoring below the floor.
	MinScore *float64 `yaml:"min_score,omitempty" json:"min_score,omitempty" jsonschema:"title=Minimum Score,description=Results below this score are dropped,default=0.1"`
}

// SetDefaults applies default values to the ranking config.
func (c *MemoryRankingConfig) SetDefaults() {
	if c.RecencyWeight == nil {
		c.RecencyWeight = Float64Ptr(0.3)
	}
	if c.SimilarityWeight == nil {
		c.SimilarityWeight = Float64Ptr(0.5)
	}
	if c.PinBonus == nil {
		c.PinBonus = Float64Ptr(0.2)
	}
	if c.HalfLife == 0 {
		c.HalfLife = Duration(30 * time.Minute)
	}
	if c.MinScore == nil {
		c.MinScore = Float64Ptr(0.1)
	}
}

// Validate checks the ranking configuration.
func (c *MemoryRankingConfig) Validate() error {
	for name, w := range map[string]*float64{
		"recency_weight":    c.RecencyWeight,
		"similarity_weight": c.SimilarityWeight,
		"pin_bonus":         c.PinBonus,
		"min_score":         c.MinScore,
	} {
		if w != nil && *w < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	if c.HalfLife < 0 {
		return fmt.Errorf("half_life must be non-negative")
	}
	return nil
}
