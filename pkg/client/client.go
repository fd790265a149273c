// Package client provides a Go client for the linksage HTTP API.
//
// It covers link scoring, recommendations, graph inspection and pipeline
// control (refresh, asynchronous training, model loading). Errors returned
// by the server surface as *APIError.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIError represents an error returned by the API (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// ScoredNode is one recommendation.
type ScoredNode struct {
	ID    string  `json:"node_id"`
	Score float64 `json:"score"`
}

// Score is the link probability for a pair.
type Score struct {
	A     string  `json:"node_a"`
	B     string  `json:"node_b"`
	Score float64 `json:"score"`
	RunID string  `json:"run_id"`
}

// Recommendations are the top unlinked candidates for a node.
type Recommendations struct {
	Node    string       `json:"node"`
	Results []ScoredNode `json:"results"`
	RunID   string       `json:"run_id"`
}

// GraphStats describes the current graph snapshot.
type GraphStats struct {
	Version   uint64    `json:"version"`
	BuiltAt   time.Time `json:"built_at"`
	Nodes     int       `json:"nodes"`
	Patients  int       `json:"patients"`
	Providers int       `json:"providers"`
	Edges     int       `json:"edges"`
}

// RefreshResult reports one ingest/curate/rebuild cycle.
type RefreshResult struct {
	Batches        int        `json:"batches"`
	Records        int        `json:"records"`
	Total          int        `json:"total"`
	Kept           int        `json:"kept"`
	Malformed      int        `json:"malformed"`
	BelowThreshold int        `json:"below_threshold"`
	Duplicates     int        `json:"duplicates"`
	Graph          GraphStats `json:"graph"`
}

// TrainSummary is the outcome of a finished training task.
type TrainSummary struct {
	RunID      string   `json:"run_id"`
	State      string   `json:"state"`
	Epochs     int      `json:"epochs"`
	BestEpoch  int      `json:"best_epoch"`
	BestLoss   *float64 `json:"best_loss,omitempty"`
	BestAUC    *float64 `json:"best_auc,omitempty"`
	Checkpoint string   `json:"checkpoint,omitempty"`
}

// Task is an asynchronous training run on the server.
type Task struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Error      string        `json:"error,omitempty"`
	Result     *TrainSummary `json:"result,omitempty"`

	client *Client
}

// Model identifies the installed model.
type Model struct {
	RunID string `json:"run_id"`
	Epoch int    `json:"epoch,omitempty"`
}

// Client talks to one linksage server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for baseURL (e.g. "http://localhost:9470"). token is
// sent as a bearer token when not empty.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// jsonRequest executes one request and decodes the JSON response into out.
func (c *Client) jsonRequest(ctx context.Context, method, endpoint string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		var errResp map[string]string
		if json.Unmarshal(respBody, &errResp) == nil && errResp["error"] != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp["error"]}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Score returns the link probability between a and b. Bare names resolve to
// a patient for a and a provider for b.
func (c *Client) Score(ctx context.Context, a, b string) (*Score, error) {
	var out Score
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/score", map[string]string{"node_a": a, "node_b": b}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Recommend returns up to k unlinked candidates for node. An empty
// targetType means the opposite type of node; k <= 0 uses the server default.
func (c *Client) Recommend(ctx context.Context, node string, k int, targetType string) (*Recommendations, error) {
	q := url.Values{"node": {node}}
	if k > 0 {
		q.Set("k", strconv.Itoa(k))
	}
	if targetType != "" {
		q.Set("type", targetType)
	}
	var out Recommendations
	if err := c.jsonRequest(ctx, http.MethodGet, "/v1/recommend?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Neighbors returns the curated neighbors of node, optionally filtered by relation.
func (c *Client) Neighbors(ctx context.Context, node string, relations ...string) ([]string, error) {
	q := url.Values{"node": {node}}
	for _, r := range relations {
		q.Add("relation", r)
	}
	var out struct {
		Neighbors []string `json:"neighbors"`
	}
	if err := c.jsonRequest(ctx, http.MethodGet, "/v1/neighbors?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Neighbors, nil
}

// Stats returns the current graph statistics.
func (c *Client) Stats(ctx context.Context) (*GraphStats, error) {
	var out GraphStats
	if err := c.jsonRequest(ctx, http.MethodGet, "/v1/graph/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh asks the server to ingest new batches and rebuild the graph.
func (c *Client) Refresh(ctx context.Context) (*RefreshResult, error) {
	var out RefreshResult
	if err := c.jsonRequest(ctx, http.MethodPost, "/v1/refresh", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Train starts an asynchronous training run.
func (c *Client) Train(ctx context.Context, resume bool) (*Task, error) {
	out := &Task{client: c}
	if err := c.jsonRequest(ctx, http.MethodPost, "/v1/train", map[string]bool{"resume": resume}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTask fetches the status of a training task.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	out := &Task{client: c}
	if err := c.jsonRequest(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Model returns the installed model.
func (c *Client) Model(ctx context.Context) (*Model, error) {
	var out Model
	if err := c.jsonRequest(ctx, http.MethodGet, "/v1/model", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadModel installs the checkpoint at path on the server; an empty path
// loads the latest checkpoint.
func (c *Client) LoadModel(ctx context.Context, path string) (*Model, error) {
	var out Model
	if err := c.jsonRequest(ctx, http.MethodPost, "/v1/model", map[string]string{"path": path}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh updates the task's status by querying the server.
func (t *Task) Refresh(ctx context.Context) error {
	if t.client == nil {
		return fmt.Errorf("client is not associated with the task")
	}
	updated, err := t.client.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	t.Status, t.FinishedAt, t.Error, t.Result = updated.Status, updated.FinishedAt, updated.Error, updated.Result
	return nil
}

// Wait polls until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		switch t.Status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("task %s failed with error: %s", t.ID, t.Error)
		case "running":
		default:
			return fmt.Errorf("unknown task status: %s", t.Status)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped waiting for task %s: %w", t.ID, ctx.Err())
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				return err
			}
		}
	}
}
