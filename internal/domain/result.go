package domain

import (
	"encoding/json"
	"fmt"
)

// HistogramBins is the number of equal-width confidence bins over [0, 1].
const HistogramBins = 10

// ScoreSampleSize caps the raw confidence scores embedded in a result document.
const ScoreSampleSize = 100

// Prediction is the model output for a single cell.
type Prediction struct {
	ClassIndex int
	Confidence float64
}

// Point is a 2-D embedding coordinate produced by the projector.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ConfidenceStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

type ConfidenceBreakdown struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Total is the number of cells across all tiers.
func (b ConfidenceBreakdown) Total() int {
	return b.High + b.Medium + b.Low
}

type UMAPPoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type ResultMetadata struct {
	Model         string `json:"model"`
	Application   int64  `json:"application"`
	InputFileName string `json:"input_file_name"`
	CreatedAt     string `json:"created_at"`
}

type ResultSummary struct {
	NumCellsAnalysed    int                 `json:"num_cells_analysed"`
	NumCellTypes        int                 `json:"num_cell_types"`
	NumAmbiguous        int                 `json:"num_ambiguous"`
	ConfidenceStats     ConfidenceStats     `json:"confidence_stats"`
	ConfidenceBreakdown ConfidenceBreakdown `json:"confidence_breakdown"`
}

// ResultDocument is the aggregated output persisted on a completed workflow
// and broadcast on the completion channel.
type ResultDocument struct {
	WorkflowID           string                       `json:"workflow_id"`
	Status               WorkflowStatus               `json:"status"`
	Metadata             *ResultMetadata              `json:"metadata,omitempty"`
	Summary              ResultSummary                `json:"summary"`
	TotalCells           int                          `json:"total_cells"`
	ConfidenceStats      ConfidenceStats              `json:"confidence_stats"`
	CellTypeDistribution map[string]int               `json:"cell_type_distribution"`
	LabelCounts          map[string]int               `json:"label_counts"`
	ConfidenceHistograms map[string][HistogramBins]int `json:"confidence_histograms"`
	ConfidenceAverages   map[string]*float64          `json:"confidence_averages"`
	ConfidenceScores     []float64                    `json:"confidence_scores"`
	IDToLabel            map[string]string            `json:"id_to_label"`
	UMAP                 []UMAPPoint                  `json:"umap"`
}

func (d *ResultDocument) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result document: %w", err)
	}
	return b, nil
}

// Validate checks that d has the shape Aggregate produces.
func (d *ResultDocument) Validate() error {
	switch {
	case d.WorkflowID == "":
		return fmt.Errorf("%w: missing workflow_id", ErrMalformedResult)
	case d.TotalCells <= 0:
		return fmt.Errorf("%w: total_cells must be positive", ErrMalformedResult)
	case len(d.CellTypeDistribution) == 0:
		return fmt.Errorf("%w: empty cell_type_distribution", ErrMalformedResult)
	case len(d.ConfidenceHistograms) == 0:
		return fmt.Errorf("%w: empty confidence_histograms", ErrMalformedResult)
	case d.Summary.ConfidenceBreakdown.Total() != d.TotalCells:
		return fmt.Errorf("%w: confidence breakdown covers %d of %d cells",
			ErrMalformedResult, d.Summary.ConfidenceBreakdown.Total(), d.TotalCells)
	}
	return nil
}

// DecodeResultDocument parses and validates a result document payload.
func DecodeResultDocument(payload []byte) (*ResultDocument, error) {
	var doc ResultDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// FailureNotice is published in place of a result document when a workflow fails.
type FailureNotice struct {
	WorkflowID string         `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
	Error      string         `json:"error"`
}
