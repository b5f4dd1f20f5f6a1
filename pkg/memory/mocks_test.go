package memory

import (
	"context"
	"fmt"

	"github.com/kadirpekel/priam/pkg/embedders"
	"github.com/kadirpekel/priam/pkg/vector"
)

// ============================================================================
// MOCK VECTOR PROVIDER
// ============================================================================

type MockVectorProvider struct {
	storage    map[string]map[string]*vector.Result // collection -> id -> result
	searchFunc func(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]vector.Result, error)
}

func NewMockVectorProvider() *MockVectorProvider {
	return &MockVectorProvider{
		storage: make(map[string]map[string]*vector.Result),
	}
}

func (m *MockVectorProvider) Name() string {
	return "mock"
}

func (m *MockVectorProvider) Upsert(ctx context.Context, collection string, id string, vec []float32, metadata map[string]any) error {
	if m.storage[collection] == nil {
		m.storage[collection] = make(map[string]*vector.Result)
	}

	content := ""
	if c, ok := metadata["content"].(string); ok {
		content = c
	}

	m.storage[collection][id] = &vector.Result{
		ID:       id,
		Vector:   vec,
		Metadata: metadata,
		Content:  content,
		Score:    1.0,
	}
	return nil
}

func (m *MockVectorProvider) Fetch(ctx context.Context, collection string, id string) (*vector.Result, error) {
	items, exists := m.storage[collection]
	if !exists {
		return nil, nil
	}
	item, ok := items[id]
	if !ok {
		return nil, nil
	}
	out := *item
	return &out, nil
}

func (m *MockVectorProvider) Search(ctx context.Context, collection string, vec []float32, topK int) ([]vector.Result, error) {
	return m.SearchWithFilter(ctx, collection, vec, topK, nil)
}

func (m *MockVectorProvider) SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]vector.Result, error) {
	if m.searchFunc != nil {
		return m.searchFunc(ctx, collection, vec, topK, filter)
	}

	results := []vector.Result{}
	items, exists := m.storage[collection]
	if !exists {
		return results, nil
	}

	for _, item := range items {
		if !matchesFilter(item.Metadata, filter) {
			continue
		}

		results = append(results, *item)
		if len(results) >= topK {
			break
		}
	}

	return results, nil
}

func (m *MockVectorProvider) Delete(ctx context.Context, collection string, id string) error {
	if m.storage[collection] != nil {
		delete(m.storage[collection], id)
	}
	return nil
}

func (m *MockVectorProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	items, exists := m.storage[collection]
	if !exists {
		return nil
	}

	for id, item := range items {
		if matchesFilter(item.Metadata, filter) {
			delete(items, id)
		}
	}
	return nil
}

func (m *MockVectorProvider) CreateCollection(ctx context.Context, collection string, vectorDimension int) error {
	if m.storage[collection] == nil {
		m.storage[collection] = make(map[string]*vector.Result)
	}
	return nil
}

func (m *MockVectorProvider) DeleteCollection(ctx context.Context, collection string) error {
	delete(m.storage, collection)
	return nil
}

func (m *MockVectorProvider) Close() error {
	return nil
}

// Helper methods for testing
func (m *MockVectorProvider) GetStoredCount(collection string) int {
	if m.storage[collection] == nil {
		return 0
	}
	return len(m.storage[collection])
}

func (m *MockVectorProvider) SetSearchFunc(fn func(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]vector.Result, error)) {
	m.searchFunc = fn
}

func matchesFilter(metadata map[string]any, filter map[string]any) bool {
	for filterKey, filterValue := range filter {
		metadataValue, ok := metadata[filterKey]
		if !ok || fmt.Sprintf("%v", metadataValue) != fmt.Sprintf("%v", filterValue) {
			return false
		}
	}
	return true
}

// Ensure MockVectorProvider implements vector.Provider.
var _ vector.Provider = (*MockVectorProvider)(nil)

// ============================================================================
// MOCK EMBEDDER PROVIDER
// ============================================================================

type MockEmbedderProvider struct {
	embedFunc func(text string) ([]float32, error)
	calls     int
}

func NewMockEmbedderProvider() *MockEmbedderProvider {
	return &MockEmbedderProvider{
		embedFunc: func(text string) ([]float32, error) {
			// Simple hash-based embedding for testing
			hash := 0
			for _, c := range text {
				hash = hash*31 + int(c)
			}
			return []float32{float32(hash % 100), float32((hash / 100) % 100), float32((hash / 10000) % 100)}, nil
		},
	}
}

func (m *MockEmbedderProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls++
	return m.embedFunc(text)
}

func (m *MockEmbedderProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results = append(results, vec)
	}
	return results, nil
}

func (m *MockEmbedderProvider) GetModelName() string {
	return "mock-embedder"
}

func (m *MockEmbedderProvider) GetDimension() int {
	return 3
}

func (m *MockEmbedderProvider) Close() error {
	return nil
}

// Helper methods for testing
func (m *MockEmbedderProvider) SetEmbedFunc(fn func(text string) ([]float32, error)) {
	m.embedFunc = fn
}

func (m *MockEmbedderProvider) EmbedCalls() int {
	return m.calls
}

// Ensure MockEmbedderProvider implements embedders.EmbedderProvider.
var _ embedders.EmbedderProvider = (*MockEmbedderProvider)(nil)
