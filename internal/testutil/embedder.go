// Package testutil provides shared testing utilities for the sage project.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// Embedder is a configurable in-memory ai.Embedder. The zero value returns a
// deterministic vector derived from each input text, so equal texts embed
// equally and different texts do not.
//
// Safe for concurrent use.
type Embedder struct {
	mu sync.Mutex

	// Err, when set, is returned by every Embed call.
	Err error

	// FailFirst makes the first n calls return Err before succeeding.
	FailFirst int

	// Dimensions sets the vector size. Zero defaults to 4.
	Dimensions int

	calls      int
	lastInputs []string
}

func (e *Embedder) Name() string { return "test-embedder" }

func (e *Embedder) Register(r api.Registry) {}

func (e *Embedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls++
	e.lastInputs = e.lastInputs[:0]
	for _, doc := range req.Input {
		if len(doc.Content) > 0 {
			e.lastInputs = append(e.lastInputs, doc.Content[0].Text)
		}
	}

	if e.Err != nil && (e.FailFirst == 0 || e.calls <= e.FailFirst) {
		return nil, e.Err
	}

	resp := &ai.EmbedResponse{}
	for _, doc := range req.Input {
		var text string
		if len(doc.Content) > 0 {
			text = doc.Content[0].Text
		}
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{
			Embedding: e.vectorFor(text),
		})
	}
	return resp, nil
}

// Calls returns how many times Embed was invoked.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// LastInputs returns the texts of the most recent Embed call.
func (e *Embedder) LastInputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.lastInputs))
	copy(out, e.lastInputs)
	return out
}

// vectorFor derives a stable vector from the text via FNV-1a.
func (e *Embedder) vectorFor(text string) []float32 {
	dims := e.Dimensions
	if dims <= 0 {
		dims = 4
	}

	var h uint64 = 14695981039346656037
	for i := 0; i < len(text); i++ {
		h ^= uint64(text[i])
		h *= 1099511628211
	}

	vec := make([]float32, dims)
	for i := range vec {
		h ^= uint64(i) + 0x9e3779b97f4a7c15
		h *= 1099511628211
		vec[i] = float32(h%2000)/1000 - 1
	}
	return vec
}

// Vector returns the vector the Embedder would produce for text, so tests
// can assert on expected embeddings without calling Embed.
func Vector(text string, dims int) []float32 {
	e := &Embedder{Dimensions: dims}
	return e.vectorFor(text)
}

var _ ai.Embedder = (*Embedder)(nil)

// ErrEmbedder returns an Embedder whose every call fails with the given
// message formatted as a plain error.
func ErrEmbedder(format string, args ...any) *Embedder {
	return &Embedder{Err: fmt.Errorf(format, args...)}
}
