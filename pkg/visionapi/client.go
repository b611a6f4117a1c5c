// Package visionapi provides a client for the detection backend's REST
// surface: review submission, asset-URL lookup, and static file URLs.
package visionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/platevision/monitor-cli/internal/model"
)

// Client defines the backend REST operations.
type Client interface {
	// SubmitReview submits a review decision for a detection and returns
	// the backend's updated snapshot. Failures are not retried; the
	// reviewer must resubmit.
	SubmitReview(ctx context.Context, detectionID int64, review model.Review) (*model.Detection, error)

	// AssetURL asks the backend for the canonical URL of one detection
	// asset. Returns ErrAssetNotFound when the backend has no record of it.
	AssetURL(ctx context.Context, subjectID int64, kind string) (string, error)

	// StaticURL derives the URL of a known static file path. Deterministic,
	// no network.
	StaticURL(path string) string
}

// ErrAssetNotFound marks an asset the backend has no URL for.
var ErrAssetNotFound = eris.New("visionapi: asset not found")

// SubmissionError is a rejected review submission. It is surfaced to the
// viewer as-is; nothing retries automatically.
type SubmissionError struct {
	StatusCode int
	Message    string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("visionapi: review rejected: status %d: %s", e.StatusCode, e.Message)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom API base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithStaticBaseURL sets a custom static file base URL.
func WithStaticBaseURL(url string) Option {
	return func(c *httpClient) {
		c.staticBaseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit for backend calls.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

type httpClient struct {
	token         string
	baseURL       string
	staticBaseURL string
	http          *http.Client
	limiter       *rate.Limiter
}

// NewClient creates a backend client. The token authenticates every call;
// staticBaseURL defaults to baseURL so fallback assets resolve against the
// same host unless routed elsewhere.
func NewClient(baseURL, token string, opts ...Option) Client {
	base := strings.TrimSuffix(baseURL, "/")
	c := &httpClient{
		token:         token,
		baseURL:       base,
		staticBaseURL: base,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SubmitReview(ctx context.Context, detectionID int64, review model.Review) (*model.Detection, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(review)
	if err != nil {
		return nil, eris.Wrap(err, "visionapi: marshal review")
	}

	reqURL := fmt.Sprintf("%s/api/detections/%d/review", c.baseURL, detectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "visionapi: create review request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "visionapi: review request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "visionapi: read review response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &SubmissionError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var updated model.Detection
	if err := json.Unmarshal(body, &updated); err != nil {
		return nil, eris.Wrap(err, "visionapi: unmarshal review response")
	}
	return &updated, nil
}

func (c *httpClient) AssetURL(ctx context.Context, subjectID int64, kind string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	reqURL := fmt.Sprintf("%s/api/assets/%d/%s", c.baseURL, subjectID, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "visionapi: create asset request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "visionapi: asset request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "visionapi: read asset response")
	}

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrAssetNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("visionapi: asset lookup status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", eris.Wrap(err, "visionapi: unmarshal asset response")
	}
	if result.URL == "" {
		return "", ErrAssetNotFound
	}
	return result.URL, nil
}

func (c *httpClient) StaticURL(path string) string {
	return c.staticBaseURL + "/static/" + strings.TrimPrefix(path, "/")
}

func (c *httpClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "visionapi: rate limit wait")
	}
	return nil
}
