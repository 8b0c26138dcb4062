package storage

import (
	"cellflow/internal/domain"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const uploadExt = ".h5ad"

// FileUploadStore keeps each upload as <dir>/<upload id>.h5ad.
type FileUploadStore struct {
	dir string
}

func NewFileUploadStore(dir string) (*FileUploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory %s: %w", dir, err)
	}
	return &FileUploadStore{dir: dir}, nil
}

// path rejects anything that is not a UUID so ids can never escape dir.
func (s *FileUploadStore) path(uploadID string) (string, bool) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return "", false
	}
	return filepath.Join(s.dir, uploadID+uploadExt), true
}

func (s *FileUploadStore) Save(ctx context.Context, r io.Reader) (string, error) {
	uploadID := uuid.New().String()
	path, _ := s.path(uploadID)

	if err := writeFileAtomic(path, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	}); err != nil {
		return "", fmt.Errorf("failed to store upload %s: %w", uploadID, err)
	}
	return uploadID, nil
}

func (s *FileUploadStore) Exists(ctx context.Context, uploadID string) (bool, error) {
	path, ok := s.path(uploadID)
	if !ok {
		return false, nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *FileUploadStore) Load(ctx context.Context, uploadID string) (*domain.Dataset, error) {
	path, ok := s.path(uploadID)
	if !ok {
		return nil, fmt.Errorf("%w: invalid upload id %q", domain.ErrDatasetLoad, uploadID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDatasetLoad, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: upload %s is empty", domain.ErrDatasetLoad, uploadID)
	}

	return &domain.Dataset{
		UploadID: uploadID,
		FileName: uploadID + uploadExt,
		Data:     data,
	}, nil
}

// Delete is idempotent.
func (s *FileUploadStore) Delete(ctx context.Context, uploadID string) error {
	path, ok := s.path(uploadID)
	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// writeFileAtomic writes through a temp file in the same directory and renames
// it into place, so readers never observe a partial file.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
