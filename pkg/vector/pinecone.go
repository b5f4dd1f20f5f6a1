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

package vector

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeConfig configures the Pinecone vector provider.
type PineconeConfig struct {
	// APIKey is required for Pinecone authentication.
	APIKey string `yaml:"api_key"`

	// Host is the Pinecone API host (optional).
	Host string `yaml:"host,omitempty"`

	// IndexName is the default index to use.
	IndexName string `yaml:"index_name"`
}

// PineconeProvider implements Provider using the Pinecone managed vector
// database. Indexes must be created out of band; the provider only reads
// and writes vectors.
type PineconeProvider struct {
	client    *pinecone.Client
	config    PineconeConfig
	indexName string
}

// NewPineconeProvider creates a new Pinecone provider.
func NewPineconeProvider(cfg PineconeConfig) (*PineconeProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Pinecone")
	}

	clientParams := pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	}
	if cfg.Host != "" {
		clientParams.Host = cfg.Host
	}

	client, err := pinecone.NewClient(clientParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	indexName := cfg.IndexName
	if indexName == "" {
		indexName = "priam-index"
	}

	return &PineconeProvider{
		client:    client,
		config:    cfg,
		indexName: indexName,
	}, nil
}

// Name returns the provider name.
func (p *PineconeProvider) Name() string {
	return "pinecone"
}

// getIndexConnection gets an IndexConnection for the index.
func (p *PineconeProvider) getIndexConnection(ctx context.Context, indexName string) (*pinecone.IndexConnection, error) {
	index, err := p.client.DescribeIndex(ctx, indexName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %s: %w", indexName, err)
	}

	indexConn, err := p.client.Index(pinecone.NewIndexConnParams{
		Host:      index.Host,
		Namespace: "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection: %w", err)
	}

	return indexConn, nil
}

func (p *PineconeProvider) resolveIndex(collection string) string {
	if collection == "" {
		return p.indexName
	}
	return collection
}

// Upsert adds or replaces a document with its vector.
func (p *PineconeProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	indexConn, err := p.getIndexConnection(ctx, p.resolveIndex(collection))
	if err != nil {
		return err
	}
	defer indexConn.Close()

	pineconeMetadata, err := toPineconeMetadata(metadata)
	if err != nil {
		return err
	}

	pineconeVector := &pinecone.Vector{
		Id:       id,
		Values:   vector,
		Metadata: pineconeMetadata,
	}

	_, err = indexConn.UpsertVectors(ctx, []*pinecone.Vector{pineconeVector})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}

	return nil
}

// Fetch returns a document by ID, or nil when absent.
func (p *PineconeProvider) Fetch(ctx context.Context, collection string, id string) (*Result, error) {
	indexConn, err := p.getIndexConnection(ctx, p.resolveIndex(collection))
	if err != nil {
		return nil, err
	}
	defer indexConn.Close()

	resp, err := indexConn.FetchVectors(ctx, []string{id})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch vector %s: %w", id, err)
	}

	vec, ok := resp.Vectors[id]
	if !ok || vec == nil {
		return nil, nil
	}

	result := convertPineconeVector(vec, 0)
	return &result, nil
}

// Search finds the most similar vectors.
func (p *PineconeProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

// SearchWithFilter combines vector similarity with metadata filtering.
func (p *PineconeProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	indexConn, err := p.getIndexConnection(ctx, p.resolveIndex(collection))
	if err != nil {
		return nil, err
	}
	defer indexConn.Close()

	metadataFilter, err := toPineconeMetadata(filter)
	if err != nil {
		return nil, err
	}

	queryRequest := &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
		IncludeValues:   true,
	}

	queryResponse, err := indexConn.QueryByVectorValues(ctx, queryRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to query Pinecone: %w", err)
	}

	results := make([]Result, 0, len(queryResponse.Matches))
	for _, scoredVector := range queryResponse.Matches {
		if scoredVector.Vector == nil {
			continue
		}
		results = append(results, convertPineconeVector(scoredVector.Vector, scoredVector.Score))
	}

	return results, nil
}

// Delete removes a document by ID.
func (p *PineconeProvider) Delete(ctx context.Context, collection string, id string) error {
	indexConn, err := p.getIndexConnection(ctx, p.resolveIndex(collection))
	if err != nil {
		return err
	}
	defer indexConn.Close()

	if err := indexConn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}

	return nil
}

// DeleteByFilter removes all documents matching the filter.
func (p *PineconeProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	indexConn, err := p.getIndexConnection(ctx, p.resolveIndex(collection))
	if err != nil {
		return err
	}
	defer indexConn.Close()

	metadataFilter, err := toPineconeMetadata(filter)
	if err != nil {
		return err
	}

	if err := indexConn.DeleteVectorsByFilter(ctx, metadataFilter); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}

	return nil
}

// CreateCollection checks that the index exists. Pinecone indexes are
// provisioned out of band.
func (p *PineconeProvider) CreateCollection(ctx context.Context, collection string, vectorDimension int) error {
	indexName := p.resolveIndex(collection)

	indexes, err := p.client.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list indexes: %w", err)
	}

	for _, idx := range indexes {
		if idx.Name == indexName {
			return nil
		}
	}

	return fmt.Errorf("index %s does not exist. Please create it via Pinecone console or API", indexName)
}

// DeleteCollection returns an error. Pinecone index deletion is an
// account-level operation the provider does not perform.
func (p *PineconeProvider) DeleteCollection(ctx context.Context, collection string) error {
	return fmt.Errorf("index deletion not supported. Please delete index %s via Pinecone console or API", p.resolveIndex(collection))
}

// Close closes the Pinecone client.
func (p *PineconeProvider) Close() error {
	// The Pinecone client holds no persistent connection
	return nil
}

func toPineconeMetadata(metadata map[string]any) (*pinecone.Metadata, error) {
	if len(metadata) == 0 {
		return nil, nil
	}

	converted := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		converted[k] = v
	}

	structMetadata, err := structpb.NewStruct(converted)
	if err != nil {
		return nil, fmt.Errorf("failed to convert metadata: %w", err)
	}
	return structMetadata, nil
}

func convertPineconeVector(vec *pinecone.Vector, score float32) Result {
	metadata := make(map[string]any)
	if vec.Metadata != nil {
		for k, v := range vec.Metadata.AsMap() {
			metadata[k] = v
		}
	}

	content := ""
	if contentVal, ok := metadata["content"].(string); ok {
		content = contentVal
	}

	return Result{
		ID:       vec.Id,
		Content:  content,
		Vector:   vec.Values,
		Metadata: metadata,
		Score:    score,
	}
}

// Ensure PineconeProvider implements Provider.
var _ Provider = (*PineconeProvider)(nil)
