// Package provider talks to the experiment backend: catalog lookups, sampler
// control, episode media and feedback submission.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/epirank/internal/episode"
	"github.com/kalambet/epirank/internal/feedback"
)

const (
	defaultTimeout  = 30 * time.Second
	maxRetries      = 3
	initialBackoff  = 500 * time.Millisecond
	maxResponseSize = 64 << 20 // 64MB, rendered videos can be large
)

// Client is an HTTP DataProvider.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
}

var _ DataProvider = (*Client)(nil)

// NewClient creates a client for the backend at baseURL. A zero timeout
// uses the default of 30s.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		backoff:    initialBackoff,
	}
}

// ErrResponseTooLarge is returned instead of a truncated body.
var ErrResponseTooLarge = errors.New("response too large")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.Status, e.Body)
}

func isRetryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == http.StatusTooManyRequests || se.Status == http.StatusServiceUnavailable
}

// do sends a request and returns the response body, retrying with
// exponential backoff while the backend is rate limiting or unavailable.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, string, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("marshaling request: %w", err)
		}
		payload = b
	}

	var lastErr error
	for attempt := range maxRetries {
		data, contentType, err := c.doOnce(ctx, method, path, payload)
		if err == nil {
			return data, contentType, nil
		}
		if !isRetryable(err) {
			return nil, "", err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, "", fmt.Errorf("backend unavailable after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) ([]byte, string, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading response: %w", err)
	}
	if len(data) > maxResponseSize {
		return nil, "", fmt.Errorf("%w: %s %s exceeds %d bytes", ErrResponseTooLarge, method, path, maxResponseSize)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	data, _, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.getJSON(ctx, "/projects", &out); err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return out, nil
}

func (c *Client) Experiments(ctx context.Context) ([]Experiment, error) {
	var out []Experiment
	if err := c.getJSON(ctx, "/experiments", &out); err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}
	return out, nil
}

func (c *Client) UIConfigs(ctx context.Context) ([]UIConfig, error) {
	var out []UIConfig
	if err := c.getJSON(ctx, "/ui-configs", &out); err != nil {
		return nil, fmt.Errorf("listing ui configs: %w", err)
	}
	return out, nil
}

func (c *Client) BackendConfigs(ctx context.Context) ([]BackendConfig, error) {
	var out []BackendConfig
	if err := c.getJSON(ctx, "/backend-configs", &out); err != nil {
		return nil, fmt.Errorf("listing backend configs: %w", err)
	}
	return out, nil
}

type resetRequest struct {
	ExperimentID int    `json:"experiment_id"`
	Strategy     string `json:"sampling_strategy"`
}

func (c *Client) ResetSampler(ctx context.Context, experimentID int, strategy string) (SamplerSession, error) {
	data, _, err := c.do(ctx, http.MethodPost, "/sampler/reset", resetRequest{ExperimentID: experimentID, Strategy: strategy})
	if err != nil {
		return SamplerSession{}, fmt.Errorf("resetting sampler: %w", err)
	}
	var s SamplerSession
	if err := json.Unmarshal(data, &s); err != nil {
		return SamplerSession{}, fmt.Errorf("decoding sampler session: %w", err)
	}
	if s.SessionID == "" {
		return SamplerSession{}, errors.New("resetting sampler: backend returned empty session id")
	}
	return s, nil
}

func (c *Client) ChronologicalEpisodes(ctx context.Context, experimentID int) ([]episode.Ref, error) {
	var out []episode.Ref
	if err := c.getJSON(ctx, fmt.Sprintf("/experiments/%d/episodes", experimentID), &out); err != nil {
		return nil, fmt.Errorf("listing episodes: %w", err)
	}
	return out, nil
}

func episodePath(ref episode.Ref, resource string) (string, error) {
	id, err := episode.Encode(ref)
	if err != nil {
		return "", err
	}
	return "/episodes/" + url.PathEscape(id) + "/" + resource, nil
}

func (c *Client) media(ctx context.Context, ref episode.Ref, resource string) (Media, error) {
	path, err := episodePath(ref, resource)
	if err != nil {
		return Media{}, err
	}
	data, contentType, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Media{}, fmt.Errorf("fetching %s: %w", resource, err)
	}
	return Media{ContentType: contentType, Data: data}, nil
}

func (c *Client) series(ctx context.Context, ref episode.Ref, resource string) ([]float64, error) {
	path, err := episodePath(ref, resource)
	if err != nil {
		return nil, err
	}
	var out []float64
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", resource, err)
	}
	return out, nil
}

func (c *Client) Thumbnail(ctx context.Context, ref episode.Ref) (Media, error) {
	return c.media(ctx, ref, "thumbnail")
}

func (c *Client) Video(ctx context.Context, ref episode.Ref) (Media, error) {
	return c.media(ctx, ref, "video")
}

func (c *Client) Rewards(ctx context.Context, ref episode.Ref) ([]float64, error) {
	return c.series(ctx, ref, "rewards")
}

func (c *Client) Uncertainty(ctx context.Context, ref episode.Ref) ([]float64, error) {
	return c.series(ctx, ref, "uncertainty")
}

// SubmitFeedback posts all records in one request. Each record carries its
// own ID so a repeated submission of the same buffer can be deduplicated by
// the backend.
func (c *Client) SubmitFeedback(ctx context.Context, records []feedback.Record) error {
	if _, _, err := c.do(ctx, http.MethodPost, "/feedback", records); err != nil {
		return fmt.Errorf("submitting feedback: %w", err)
	}
	return nil
}

func (c *Client) NotifySessionComplete(ctx context.Context, sessionID string) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/complete"
	if _, _, err := c.do(ctx, http.MethodPost, path, map[string]string{"session_id": sessionID}); err != nil {
		return fmt.Errorf("notifying session complete: %w", err)
	}
	return nil
}
