package index

import (
	"context"
	"fmt"
	"math"
	"sort"

	"clinical-fhir-extractor/internal/apperrors"
	"clinical-fhir-extractor/internal/textlayer"

	"golang.org/x/sync/errgroup"
)

// DefaultK is the number of chunks retrieved per query.
const DefaultK = 4

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QueryEmbedder is implemented by embedders that encode search queries
// differently from documents. Search prefers it when available.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Options tunes Build. Zero values select the defaults.
type Options struct {
	// Concurrency bounds in-flight embedding calls.
	Concurrency int
}

// VectorIndex is an in-memory, per-request similarity index. It is never
// persisted and must not be shared between documents.
type VectorIndex struct {
	embedder  Embedder
	chunks    []textlayer.Chunk
	vectors   [][]float32
	dimension int
}

// Match is one search result.
type Match struct {
	Chunk textlayer.Chunk
	Score float64
}

// Build embeds every chunk. Any embedding failure fails the whole build and no
// index is returned.
func Build(ctx context.Context, embedder Embedder, chunks []textlayer.Chunk, opts Options) (*VectorIndex, error) {
	if len(chunks) == 0 {
		return nil, apperrors.New(apperrors.NoExtractableContent, "no chunks to index")
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, chunk := range chunks {
		g.Go(func() error {
			vec, err := embedder.Embed(gctx, chunk.Text)
			if err != nil {
				return err
			}
			if len(vec) == 0 {
				return fmt.Errorf("empty embedding for chunk %d", i)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, embeddingFailure(err, "cannot embed document chunks")
	}

	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return nil, apperrors.New(apperrors.EmbeddingFailure,
				"embedding dimension mismatch at chunk %d (got %d want %d)", i, len(v), dim)
		}
	}

	owned := make([]textlayer.Chunk, len(chunks))
	copy(owned, chunks)
	return &VectorIndex{embedder: embedder, chunks: owned, vectors: vectors, dimension: dim}, nil
}

func (ix *VectorIndex) Len() int { return len(ix.chunks) }

func (ix *VectorIndex) Dimension() int { return ix.dimension }

// Search embeds query and returns the k most similar chunks, best first.
func (ix *VectorIndex) Search(ctx context.Context, query string, k int) ([]textlayer.Chunk, error) {
	matches, err := ix.SearchWithScores(ctx, query, k)
	if err != nil {
		return nil, err
	}
	out := make([]textlayer.Chunk, len(matches))
	for i, m := range matches {
		out[i] = m.Chunk
	}
	return out, nil
}

// SearchWithScores is Search with the cosine score of each result. Equal
// scores keep the original chunk order. Fewer than k chunks returns them all.
func (ix *VectorIndex) SearchWithScores(ctx context.Context, query string, k int) ([]Match, error) {
	if k <= 0 {
		k = DefaultK
	}
	var qv []float32
	var err error
	if qe, ok := ix.embedder.(QueryEmbedder); ok {
		qv, err = qe.EmbedQuery(ctx, query)
	} else {
		qv, err = ix.embedder.Embed(ctx, query)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, embeddingFailure(err, "cannot embed query")
	}
	if len(qv) != ix.dimension {
		return nil, apperrors.New(apperrors.EmbeddingFailure,
			"query dimension mismatch (got %d want %d)", len(qv), ix.dimension)
	}

	matches := make([]Match, len(ix.chunks))
	for i, c := range ix.chunks {
		matches[i] = Match{Chunk: c, Score: CosineSimilarity(ix.vectors[i], qv)}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// CosineSimilarity returns 0 when either vector has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func embeddingFailure(err error, msg string) error {
	if apperrors.IsKind(err, apperrors.EmbeddingFailure) {
		return err
	}
	return apperrors.Wrap(apperrors.EmbeddingFailure, err, "%s", msg)
}
