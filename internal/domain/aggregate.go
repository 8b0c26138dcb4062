package domain

import (
	"fmt"
	"math"
	"strconv"
)

// Confidence thresholds used by the aggregator.
const (
	HighConfidenceThreshold   = 0.8
	MediumConfidenceThreshold = 0.6
	AmbiguityThreshold        = 0.5
)

// Aggregate summarizes per-cell predictions into a result document.
//
// labels maps class index to label. points holds the 2-D projection of each
// cell in prediction order and may be empty. WorkflowID, Status and Metadata
// are left for the caller to fill in.
func Aggregate(predictions []Prediction, labels []string, points []Point) (*ResultDocument, error) {
	n := len(predictions)
	if n == 0 {
		return nil, ErrEmptyDataset
	}
	if err := validateAggregateInput(predictions, labels, points); err != nil {
		return nil, err
	}

	k := len(labels)
	counts := make([]int, k)
	sums := make([]float64, k)
	histograms := make([][HistogramBins]int, k)

	stats := ConfidenceStats{Min: math.Inf(1), Max: math.Inf(-1)}
	var total float64
	var breakdown ConfidenceBreakdown
	ambiguous := 0

	for _, p := range predictions {
		c := p.Confidence
		counts[p.ClassIndex]++
		sums[p.ClassIndex] += c
		histograms[p.ClassIndex][histogramBin(c)]++

		total += c
		stats.Min = math.Min(stats.Min, c)
		stats.Max = math.Max(stats.Max, c)

		switch {
		case c > HighConfidenceThreshold:
			breakdown.High++
		case c > MediumConfidenceThreshold:
			breakdown.Medium++
		default:
			breakdown.Low++
		}
		if c < AmbiguityThreshold {
			ambiguous++
		}
	}
	stats.Average = total / float64(n)

	doc := &ResultDocument{
		TotalCells:           n,
		ConfidenceStats:      stats,
		CellTypeDistribution: make(map[string]int, k),
		LabelCounts:          make(map[string]int, k),
		ConfidenceHistograms: make(map[string][HistogramBins]int, k),
		ConfidenceAverages:   make(map[string]*float64, k),
		IDToLabel:            make(map[string]string, k),
		UMAP:                 make([]UMAPPoint, 0, len(points)),
	}

	cellTypes := 0
	for i, label := range labels {
		key := strconv.Itoa(i)
		doc.IDToLabel[key] = label
		doc.LabelCounts[key] = counts[i]
		doc.CellTypeDistribution[label] = counts[i]
		doc.ConfidenceHistograms[label] = histograms[i]
		if counts[i] == 0 {
			doc.ConfidenceAverages[label] = nil
			continue
		}
		cellTypes++
		avg := sums[i] / float64(counts[i])
		doc.ConfidenceAverages[label] = &avg
	}

	sample := min(n, ScoreSampleSize)
	doc.ConfidenceScores = make([]float64, sample)
	for i := 0; i < sample; i++ {
		doc.ConfidenceScores[i] = predictions[i].Confidence
	}

	for i, pt := range points {
		doc.UMAP = append(doc.UMAP, UMAPPoint{
			X:          pt.X,
			Y:          pt.Y,
			Label:      labels[predictions[i].ClassIndex],
			Confidence: predictions[i].Confidence,
		})
	}

	doc.Summary = ResultSummary{
		NumCellsAnalysed:    n,
		NumCellTypes:        cellTypes,
		NumAmbiguous:        ambiguous,
		ConfidenceStats:     stats,
		ConfidenceBreakdown: breakdown,
	}

	return doc, nil
}

// PredictionsFromProbabilities picks the most likely class of every row.
// Ties resolve to the lowest class index.
func PredictionsFromProbabilities(probs [][]float64) ([]Prediction, error) {
	predictions := make([]Prediction, len(probs))
	for i, row := range probs {
		if len(row) == 0 {
			return nil, fmt.Errorf("%w: row %d has no class probabilities", ErrInvalidPrediction, i)
		}
		if i > 0 && len(row) != len(probs[0]) {
			return nil, fmt.Errorf("%w: row %d has %d classes, expected %d", ErrInvalidPrediction, i, len(row), len(probs[0]))
		}
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		predictions[i] = Prediction{ClassIndex: best, Confidence: row[best]}
	}
	return predictions, nil
}

func histogramBin(c float64) int {
	bin := int(math.Floor(c * HistogramBins))
	if bin >= HistogramBins {
		return HistogramBins - 1
	}
	return bin
}

func validateAggregateInput(predictions []Prediction, labels []string, points []Point) error {
	if len(labels) == 0 {
		return fmt.Errorf("%w: label mapping is empty", ErrInvalidPrediction)
	}
	seen := make(map[string]bool, len(labels))
	for i, label := range labels {
		if label == "" {
			return fmt.Errorf("%w: label %d is empty", ErrInvalidPrediction, i)
		}
		if seen[label] {
			return fmt.Errorf("%w: duplicate label %q", ErrInvalidPrediction, label)
		}
		seen[label] = true
	}

	for i, p := range predictions {
		if p.ClassIndex < 0 || p.ClassIndex >= len(labels) {
			return fmt.Errorf("%w: cell %d has class index %d outside [0,%d)", ErrInvalidPrediction, i, p.ClassIndex, len(labels))
		}
		if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
			return fmt.Errorf("%w: cell %d has confidence %v outside [0,1]", ErrInvalidPrediction, i, p.Confidence)
		}
	}

	if len(points) != 0 && len(points) != len(predictions) {
		return fmt.Errorf("%w: %d embedding points for %d cells", ErrInvalidPrediction, len(points), len(predictions))
	}
	return nil
}
