// Package semantic defines the optional model-backed capabilities the mesh
// can use to sharpen its heuristics: an Embedder for similarity between
// insights and outputs, and a ConflictJudge that decides whether two
// statements contradict each other.
//
// Both are capability interfaces selected at startup. Without a provider
// the mesh runs in keyword mode: NoopEmbedder reports ErrUnavailable and
// KeywordJudge uses polarity keywords.
package semantic

import (
	"context"
	"errors"
	"math"
)

// ErrUnavailable is returned by capabilities that are not configured.
var ErrUnavailable = errors.New("semantic capability unavailable")

// Embedder maps texts to vectors. The result has one vector per input,
// in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// NoopEmbedder is the keyword-mode Embedder.
type NoopEmbedder struct{}

// Embed always fails with ErrUnavailable.
func (NoopEmbedder) Embed(context.Context, []string) ([][]float64, error) {
	return nil, ErrUnavailable
}

// Statement is one agent's claim about a subject (a file or topic).
type Statement struct {
	AgentID string
	Subject string
	Text    string
}

// Verdict is a ConflictJudge decision.
type Verdict struct {
	Conflict bool    `json:"conflict"`
	Reason   string  `json:"reason,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// ConflictJudge decides whether two statements are contradictory.
type ConflictJudge interface {
	Judge(ctx context.Context, a, b Statement) (Verdict, error)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty, zero, or the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Similarity embeds both texts and returns their cosine similarity.
func Similarity(ctx context.Context, e Embedder, a, b string) (float64, error) {
	vecs, err := e.Embed(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	if len(vecs) != 2 {
		return 0, errors.New("embedder returned wrong number of vectors")
	}
	return Cosine(vecs[0], vecs[1]), nil
}
