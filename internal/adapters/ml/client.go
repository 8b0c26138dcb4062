package ml

import (
	"bytes"
	"cellflow/internal/domain"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxErrorBody = 512

// Client talks to the model sidecar that hosts the embedding models and
// their classification heads.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Model returns the sidecar-backed annotation model with the given name.
func (c *Client) Model(name string) domain.AnnotationModel {
	return &remoteModel{client: c, name: strings.ToLower(name)}
}

type embedResponse struct {
	CellIDs []string    `json:"cell_ids"`
	Vectors [][]float64 `json:"vectors"`
}

type vectorsRequest struct {
	Vectors [][]float64 `json:"vectors"`
}

type classifyResponse struct {
	Probabilities [][]float64 `json:"probabilities"`
	Labels        []string    `json:"labels"`
}

type projectResponse struct {
	Points []domain.Point `json:"points"`
}

type remoteModel struct {
	client *Client
	name   string
}

func (m *remoteModel) Embed(ctx context.Context, dataset *domain.Dataset) (*domain.Embedding, error) {
	var resp embedResponse
	path := "/models/" + url.PathEscape(m.name) + "/embed"
	if err := m.client.post(ctx, path, "application/octet-stream", bytes.NewReader(dataset.Data), &resp); err != nil {
		return nil, fmt.Errorf("embedding with %s failed: %w", m.name, err)
	}
	if len(resp.CellIDs) != len(resp.Vectors) {
		return nil, fmt.Errorf("%w: sidecar returned %d cell ids for %d vectors",
			domain.ErrInvalidPrediction, len(resp.CellIDs), len(resp.Vectors))
	}
	return &domain.Embedding{CellIDs: resp.CellIDs, Vectors: resp.Vectors}, nil
}

func (m *remoteModel) Classify(ctx context.Context, embedding *domain.Embedding) (*domain.Classification, error) {
	body, err := json.Marshal(vectorsRequest{Vectors: embedding.Vectors})
	if err != nil {
		return nil, err
	}

	var resp classifyResponse
	path := "/models/" + url.PathEscape(m.name) + "/classify"
	if err := m.client.post(ctx, path, "application/json", bytes.NewReader(body), &resp); err != nil {
		return nil, fmt.Errorf("classification with %s failed: %w", m.name, err)
	}
	return &domain.Classification{Probabilities: resp.Probabilities, Labels: resp.Labels}, nil
}

// Projector returns the sidecar's 2-D projection endpoint.
func (c *Client) Projector() domain.Projector {
	return &remoteProjector{client: c}
}

type remoteProjector struct {
	client *Client
}

func (p *remoteProjector) Project(ctx context.Context, vectors [][]float64) ([]domain.Point, error) {
	body, err := json.Marshal(vectorsRequest{Vectors: vectors})
	if err != nil {
		return nil, err
	}

	var resp projectResponse
	if err := p.client.post(ctx, "/project", "application/json", bytes.NewReader(body), &resp); err != nil {
		return nil, fmt.Errorf("projection failed: %w", err)
	}
	if len(resp.Points) != len(vectors) {
		return nil, fmt.Errorf("%w: sidecar returned %d points for %d vectors",
			domain.ErrInvalidPrediction, len(resp.Points), len(vectors))
	}
	return resp.Points, nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("sidecar %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode sidecar response from %s: %w", path, err)
	}
	return nil
}
