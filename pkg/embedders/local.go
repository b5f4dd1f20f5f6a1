package embedders

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/kadirpekel/priam/pkg/config"
)

// LocalEmbedder produces deterministic embeddings without calling any
// external service. Each word is feature-hashed into one of the dimension
// buckets with a signed contribution, and the vector is L2-normalized.
// Texts sharing words land near each other, which is enough for tests and
// air-gapped development. It is not a substitute for a learned model.
type LocalEmbedder struct {
	dimension int
}

func NewLocalEmbedderFromConfig(cfg *config.EmbedderConfig) (*LocalEmbedder, error) {
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalEmbedder{dimension: dimension}, nil
}

func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)

	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, `.,!?;:"'()[]{}`)
		if word == "" {
			continue
		}

		h := fnv.New64a()
		h.Write([]byte(word))
		sum := h.Sum64()

		bucket := int(sum % uint64(e.dimension))
		if sum&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	// An all-zero vector breaks cosine similarity downstream.
	if !normalize(vec) {
		vec[0] = 1
	}

	return vec, nil
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results = append(results, vec)
	}
	return results, nil
}

func (e *LocalEmbedder) GetDimension() int {
	return e.dimension
}

func (e *LocalEmbedder) GetModelName() string {
	return "local-hash"
}

func (e *LocalEmbedder) Close() error {
	return nil
}

// normalize scales vec to unit length in place. It reports false when the
// vector is all zeros and cannot be normalized.
func normalize(vec []float32) bool {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return false
	}

	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return true
}
