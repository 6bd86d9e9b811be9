// Package embedding generates text embeddings with a local Ollama server.
package embedding

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/zeebo/blake3"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
)

// Client handles embedding generation via Ollama
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	cache   *ristretto.Cache
}

// NewClient creates a new Ollama embedding client. cacheMB bounds the
// in-memory embedding cache; zero disables it.
func NewClient(baseURL, model string, cacheMB int64) (*Client, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text" // good default, 768 dims
	}
	c := &Client{
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	if cacheMB > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     cacheMB << 20,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Model returns the embedding model name
func (c *Client) Model() string {
	return c.model
}

// embeddingRequest is the Ollama API request format
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingResponse is the Ollama API response format
type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the normalized embedding for text, served from the cache
// when the same text was embedded before
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	key := c.cacheKey(text)
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v.([]float32), nil
		}
	}

	jsonBody, err := json.Marshal(embeddingRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	vec := Normalize(result.Embedding)
	if c.cache != nil {
		c.cache.Set(key, vec, int64(len(vec)*4))
		c.cache.Wait()
	}
	logging.Debug("embedding", "embedded %d chars -> %d dims", len(text), len(vec))
	return vec, nil
}

// Close releases the cache
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

func (c *Client) cacheKey(text string) string {
	sum := blake3.Sum256([]byte(c.model + "\x00" + text))
	return hex.EncodeToString(sum[:16])
}

// Normalize converts to float32 and scales to unit length
func Normalize(v []float64) []float32 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(v))
	for i, x := range v {
		if norm == 0 {
			out[i] = float32(x)
			continue
		}
		out[i] = float32(x / norm)
	}
	return out
}

// CosineSimilarity computes similarity between two embeddings
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
