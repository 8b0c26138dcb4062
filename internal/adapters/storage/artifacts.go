package storage

import (
	"cellflow/internal/domain"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// FileArtifactStore writes one annotated CSV per workflow under dir.
type FileArtifactStore struct {
	dir string
}

func NewFileArtifactStore(dir string) (*FileArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory %s: %w", dir, err)
	}
	return &FileArtifactStore{dir: dir}, nil
}

func annotatedTableName(workflowID string) string {
	return "annotated_data_" + workflowID + ".csv"
}

func (s *FileArtifactStore) path(workflowID string) (string, bool) {
	if _, err := uuid.Parse(workflowID); err != nil {
		return "", false
	}
	return filepath.Join(s.dir, annotatedTableName(workflowID)), true
}

// SaveAnnotatedTable writes cell_id, PROBA_<i>..., predicted_label, umap_x, umap_y.
// Points may be empty, in which case the coordinate columns are left blank.
func (s *FileArtifactStore) SaveAnnotatedTable(ctx context.Context, workflowID string, table *domain.AnnotatedTable) error {
	path, ok := s.path(workflowID)
	if !ok {
		return fmt.Errorf("invalid workflow id %q", workflowID)
	}

	n := len(table.Predictions)
	if len(table.CellIDs) != n || len(table.Probabilities) != n {
		return fmt.Errorf("%w: table has %d cell ids, %d probability rows and %d predictions",
			domain.ErrInvalidPrediction, len(table.CellIDs), len(table.Probabilities), n)
	}
	if len(table.Points) != 0 && len(table.Points) != n {
		return fmt.Errorf("%w: table has %d points for %d predictions",
			domain.ErrInvalidPrediction, len(table.Points), n)
	}

	classes := len(table.Labels)
	header := make([]string, 0, classes+4)
	header = append(header, "cell_id")
	for i := 0; i < classes; i++ {
		header = append(header, "PROBA_"+strconv.Itoa(i))
	}
	header = append(header, "predicted_label", "umap_x", "umap_y")

	return writeFileAtomic(path, func(out io.Writer) error {
		w := csv.NewWriter(out)
		if err := w.Write(header); err != nil {
			return err
		}

		record := make([]string, len(header))
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(table.Probabilities[i]) != classes {
				return fmt.Errorf("%w: row %d has %d probabilities for %d classes",
					domain.ErrInvalidPrediction, i, len(table.Probabilities[i]), classes)
			}

			record[0] = table.CellIDs[i]
			for j, p := range table.Probabilities[i] {
				record[1+j] = formatFloat(p)
			}
			record[classes+1] = strconv.Itoa(table.Predictions[i].ClassIndex)
			if len(table.Points) == n {
				record[classes+2] = formatFloat(table.Points[i].X)
				record[classes+3] = formatFloat(table.Points[i].Y)
			} else {
				record[classes+2], record[classes+3] = "", ""
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}

		w.Flush()
		return w.Error()
	})
}

func (s *FileArtifactStore) OpenAnnotatedTable(ctx context.Context, workflowID string) (io.ReadCloser, string, error) {
	path, ok := s.path(workflowID)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, workflowID)
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, workflowID)
	}
	if err != nil {
		return nil, "", err
	}
	return f, annotatedTableName(workflowID), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
