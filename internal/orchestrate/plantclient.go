package orchestrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fyrsmithlabs/operatord/internal/store"
)

// PlantClient talks to a plant over HTTP. It implements both Plant and
// PatchResolver: the plant is the system that actually produces patched
// artifact sets, the orchestrator only sequences and guards them.
type PlantClient struct {
	baseURL string
	client  *http.Client
}

// NewPlantClient creates a client for the plant at baseURL.
func NewPlantClient(baseURL string, client *http.Client) (*PlantClient, error) {
	if baseURL == "" {
		return nil, errors.New("plant base url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &PlantClient{baseURL: baseURL, client: client}, nil
}

// Run asks the plant to execute a build.
func (c *PlantClient) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	var res RunResult
	if err := c.post(ctx, "/v1/run", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Validate asks the plant to validate an artifact set.
func (c *PlantClient) Validate(ctx context.Context, req *ValidateRequest) (*ValidateResult, error) {
	var res ValidateResult
	if err := c.post(ctx, "/v1/validate", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// patchRequest is the wire form of a patch resolution call.
type patchRequest struct {
	TraceID     string           `json:"trace_id"`
	DecisionID  string           `json:"decision_id"`
	Category    store.Category   `json:"category"`
	Rationale   string           `json:"rationale"`
	Target      store.StepTarget `json:"target"`
	HeadVersion string           `json:"head_version"`
	Artifacts   []store.Artifact `json:"artifacts"`
}

type patchResponse struct {
	Artifacts []store.Artifact `json:"artifacts"`
}

// ResolvePatch asks the plant for the patched artifact set advancing head.
func (c *PlantClient) ResolvePatch(ctx context.Context, rec *store.DecisionRecord, target store.StepTarget, head *store.ContextVersion) ([]store.Artifact, error) {
	req := &patchRequest{
		TraceID:     rec.TraceID,
		DecisionID:  rec.ID,
		Category:    rec.Category,
		Rationale:   rec.Rationale,
		Target:      target,
		HeadVersion: head.Version,
		Artifacts:   head.Artifacts,
	}
	var res patchResponse
	if err := c.post(ctx, "/v1/patch", req, &res); err != nil {
		return nil, err
	}
	if len(res.Artifacts) == 0 {
		return nil, fmt.Errorf("plant returned an empty patch for decision %s", rec.ID)
	}
	return res.Artifacts, nil
}

func (c *PlantClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding plant request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building plant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling plant %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("plant %s returned %d: %s", path, resp.StatusCode, string(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding plant response: %w", err)
	}
	return nil
}
