package lakeregsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal lakereg HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Artifact represents the API artifact model.
type Artifact struct {
	ArtifactID         string   `json:"artifact_id"`
	ArtifactType       string   `json:"artifact_type"`
	SchemaVersion      int      `json:"schema_version"`
	LogicalKey         string   `json:"logical_key"`
	ContentHash        string   `json:"content_hash"`
	FileHash           string   `json:"file_hash"`
	PathData           string   `json:"path_data"`
	PathSidecar        string   `json:"path_sidecar"`
	Status             string   `json:"status"`
	Supersedes         string   `json:"supersedes,omitempty"`
	SupersededBy       string   `json:"superseded_by,omitempty"`
	SupersessionReason string   `json:"supersession_reason,omitempty"`
	InputArtifactIDs   []string `json:"input_artifact_ids"`
	Tags               []string `json:"tags"`
	CreatedAt          string   `json:"created_at"`
}

// PublishInput describes one payload to publish.
type PublishInput struct {
	Payload          []byte   `json:"payload_base64"`
	Format           string   `json:"format,omitempty"`
	ArtifactType     string   `json:"artifact_type"`
	SchemaVersion    int      `json:"schema_version"`
	LogicalKey       string   `json:"logical_key"`
	InputArtifactIDs []string `json:"input_artifact_ids,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Supersedes       string   `json:"supersedes,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

type PublishResult struct {
	ArtifactID string `json:"artifact_id"`
	Created    bool   `json:"created"`
}

// Event represents an indexed event.
type Event struct {
	Seq         int64  `json:"seq"`
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	TimestampMs int64  `json:"timestamp_ms"`
	Payload     string `json:"payload_json"`
}

// EventsPage is one page of events; pass LastSeq back as afterSeq.
type EventsPage struct {
	Items   []Event `json:"items"`
	LastSeq int64   `json:"last_seq"`
}

type Run struct {
	RunID         string   `json:"run_id,omitempty"`
	DatasetIDs    []string `json:"dataset_ids"`
	StrategyHash  string   `json:"strategy_hash"`
	EngineVersion string   `json:"engine_version"`
	Seed          int64    `json:"seed,omitempty"`
	Caller        string   `json:"caller,omitempty"`
	DateFrom      string   `json:"date_from,omitempty"`
	DateTo        string   `json:"date_to,omitempty"`
	ArtifactIDs   []string `json:"artifact_ids,omitempty"`
	CreatedAt     string   `json:"created_at,omitempty"`
}

type RunSetSpec struct {
	Name           string   `json:"name,omitempty"`
	DatasetIDs     []string `json:"dataset_ids,omitempty"`
	Callers        []string `json:"callers,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	DateFrom       string   `json:"date_from,omitempty"`
	DateTo         string   `json:"date_to,omitempty"`
	StrategyHashes []string `json:"strategy_hashes,omitempty"`
	Statuses       []string `json:"statuses,omitempty"`
	Mode           string   `json:"mode,omitempty"`
}

type RunSet struct {
	RunSetID  string     `json:"runset_id"`
	Spec      RunSetSpec `json:"spec"`
	CreatedAt string     `json:"created_at"`
}

type Resolution struct {
	ResolutionID   string   `json:"resolution_id"`
	RunSetID       string   `json:"runset_id"`
	RunIDs         []string `json:"run_ids"`
	ArtifactIDs    []string `json:"artifact_ids"`
	ResolutionHash string   `json:"resolution_hash"`
	TimestampMs    int64    `json:"timestamp_ms"`
	Frozen         bool     `json:"frozen"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Publish stores a payload. Identical content returns the existing id.
func (c *Client) Publish(ctx context.Context, in PublishInput) (PublishResult, error) {
	var resp PublishResult
	err := c.do(ctx, http.MethodPost, "artifacts", in, &resp)
	return resp, err
}

// GetArtifact fetches an artifact by id.
func (c *Client) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodGet, "artifacts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListArtifacts lists artifacts matching filter.
func (c *Client) ListArtifacts(ctx context.Context, filter map[string]string) ([]Artifact, error) {
	q := url.Values{}
	for k, v := range filter {
		q.Set(k, v)
	}
	var resp struct {
		Items []Artifact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("artifacts", q), nil, &resp)
	return resp.Items, err
}

// Supersede marks an artifact superseded.
func (c *Client) Supersede(ctx context.Context, id, reason string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodPost, "artifacts/"+url.PathEscape(id)+"/supersede", map[string]string{"reason": reason}, &resp)
	return resp, err
}

// Lineage returns the upstream inputs of id; full walks the whole graph.
func (c *Client) Lineage(ctx context.Context, id string, full bool) ([]Artifact, error) {
	mode := "direct"
	if full {
		mode = "full"
	}
	return c.artifacts(ctx, withQuery("artifacts/"+url.PathEscape(id)+"/lineage", url.Values{"mode": {mode}}))
}

// Downstream returns the artifacts that list id as an input.
func (c *Client) Downstream(ctx context.Context, id string) ([]Artifact, error) {
	return c.artifacts(ctx, "artifacts/"+url.PathEscape(id)+"/downstream")
}

// RunSets returns the runsets whose effective resolution includes artifact id.
func (c *Client) RunSets(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Items []string `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "artifacts/"+url.PathEscape(id)+"/runsets", nil, &resp)
	return resp.Items, err
}

func (c *Client) artifacts(ctx context.Context, endpoint string) ([]Artifact, error) {
	var resp struct {
		Items []Artifact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns one page of indexed events after afterSeq.
func (c *Client) Events(ctx context.Context, types []string, afterSeq int64, limit int) (EventsPage, error) {
	q := url.Values{}
	if len(types) > 0 {
		q.Set("type", strings.Join(types, ","))
	}
	if afterSeq > 0 {
		q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// RegisterRun registers a run and returns its id.
func (c *Client) RegisterRun(ctx context.Context, run Run) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	err := c.do(ctx, http.MethodPost, "runs", run, &resp)
	return resp.RunID, err
}

// CreateRunSet creates a runset spec; an identical spec returns the same runset.
func (c *Client) CreateRunSet(ctx context.Context, spec RunSetSpec) (RunSet, error) {
	var resp RunSet
	err := c.do(ctx, http.MethodPost, "runsets", spec, &resp)
	return resp, err
}

// Resolve evaluates a runset, or returns its pinned resolution unless force is set.
func (c *Client) Resolve(ctx context.Context, runsetID string, force bool) (Resolution, error) {
	var resp Resolution
	err := c.do(ctx, http.MethodPost, "runsets/"+url.PathEscape(runsetID)+"/resolve", map[string]bool{"force": force}, &resp)
	return resp, err
}

// Freeze pins the latest resolution of a runset.
func (c *Client) Freeze(ctx context.Context, runsetID string) (Resolution, error) {
	var resp Resolution
	err := c.do(ctx, http.MethodPost, "runsets/"+url.PathEscape(runsetID)+"/freeze", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
