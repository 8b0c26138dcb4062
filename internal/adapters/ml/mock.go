package ml

import (
	"cellflow/internal/domain"
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
)

// DefaultCellTypes are the labels produced by the mock model.
var DefaultCellTypes = []string{"ERYTHROID", "LYMPHOID", "MK", "MYELOID", "PROGENITOR", "STROMA"}

const mockDimensions = 8

// MockModel stands in for a real embedding model when no sidecar is available.
// Output is a pure function of the dataset bytes, so reruns are reproducible.
type MockModel struct {
	cells  int
	labels []string
}

func NewMockModel(cells int, labels []string) *MockModel {
	if len(labels) == 0 {
		labels = DefaultCellTypes
	}
	return &MockModel{cells: cells, labels: labels}
}

func seedFor(data []byte) int64 {
	h := fnv.New64a()
	h.Write(data)
	return int64(h.Sum64() & math.MaxInt64)
}

// centroid places class i on its own axis.
func (m *MockModel) centroid(class int) []float64 {
	c := make([]float64, mockDimensions)
	c[class%mockDimensions] = 4
	if class >= mockDimensions {
		c[(class+1)%mockDimensions] = -4
	}
	return c
}

func (m *MockModel) Embed(ctx context.Context, dataset *domain.Dataset) (*domain.Embedding, error) {
	if dataset == nil || len(dataset.Data) == 0 {
		return nil, fmt.Errorf("%w: empty dataset", domain.ErrDatasetLoad)
	}

	rng := rand.New(rand.NewSource(seedFor(dataset.Data)))
	cellIDs := make([]string, m.cells)
	vectors := make([][]float64, m.cells)
	for i := range vectors {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		center := m.centroid(rng.Intn(len(m.labels)))
		v := make([]float64, mockDimensions)
		for d := range v {
			v[d] = center[d] + rng.NormFloat64()*1.5
		}
		vectors[i] = v
		cellIDs[i] = fmt.Sprintf("cell-%d", i)
	}
	return &domain.Embedding{CellIDs: cellIDs, Vectors: vectors}, nil
}

// Classify scores each vector by negative squared distance to every class
// centroid and normalizes with softmax.
func (m *MockModel) Classify(ctx context.Context, embedding *domain.Embedding) (*domain.Classification, error) {
	centroids := make([][]float64, len(m.labels))
	for i := range centroids {
		centroids[i] = m.centroid(i)
	}

	probabilities := make([][]float64, len(embedding.Vectors))
	for i, v := range embedding.Vectors {
		if len(v) != mockDimensions {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions", domain.ErrInvalidPrediction, i, len(v))
		}
		logits := make([]float64, len(centroids))
		for k, c := range centroids {
			var dist float64
			for d := range v {
				diff := v[d] - c[d]
				dist += diff * diff
			}
			logits[k] = -dist / 8
		}
		probabilities[i] = softmax(logits)
	}

	labels := make([]string, len(m.labels))
	copy(labels, m.labels)
	return &domain.Classification{Probabilities: probabilities, Labels: labels}, nil
}

func softmax(logits []float64) []float64 {
	peak := math.Inf(-1)
	for _, l := range logits {
		peak = math.Max(peak, l)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// AxisProjector keeps the first two embedding dimensions.
type AxisProjector struct{}

func (AxisProjector) Project(ctx context.Context, vectors [][]float64) ([]domain.Point, error) {
	points := make([]domain.Point, len(vectors))
	for i, v := range vectors {
		switch {
		case len(v) >= 2:
			points[i] = domain.Point{X: v[0], Y: v[1]}
		case len(v) == 1:
			points[i] = domain.Point{X: v[0]}
		}
	}
	return points, nil
}
