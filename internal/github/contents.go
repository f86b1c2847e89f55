package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-telemetry/internal/common"
	"github.com/i474232898/weather-telemetry/internal/telemetry"
)

const (
	// DefaultBaseURL is the public GitHub REST endpoint.
	DefaultBaseURL = "https://api.github.com"

	apiVersion       = "2022-11-28"
	mediaType        = "application/vnd.github+json"
	defaultUserAgent = "weather-telemetry"
)

var (
	errUnauthorized = errors.New("credential rejected")
	errNotAFile     = errors.New("path is not a regular file")
	errTooLarge     = errors.New("file too large for inline content")
)

// Config describes the repository a Client reads and writes.
type Config struct {
	BaseURL   string
	Owner     string
	Repo      string
	Branch    string
	Token     string
	UserAgent string

	HTTPClient *http.Client

	// ReadBackoff applies to GET; WriteBackoff to PUT. The zero value makes a
	// single attempt.
	ReadBackoff  BackoffConfig
	WriteBackoff BackoffConfig

	// RateLimitTrip is the number of consecutive rate-limited responses
	// after which the client stops sending requests. 0 uses
	// DefaultRateLimitTrip.
	RateLimitTrip uint32
}

// DefaultRateLimitTrip opens the breaker on the second rate-limited response
// in a row, before the read retries are spent.
const DefaultRateLimitTrip = 2

// DefaultReadBackoff retries transient read failures twice.
var DefaultReadBackoff = BackoffConfig{
	MaxRetries:      2,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Client implements telemetry.ObjectStore on top of the GitHub Contents API.
type Client struct {
	baseURL   string
	owner     string
	repo      string
	branch    string
	token     string
	userAgent string

	readCfg  HTTPClientConfig
	writeCfg HTTPClientConfig
	circuit  *gobreaker.CircuitBreaker
}

var _ telemetry.ObjectStore = (*Client)(nil)

// NewClient creates a Client. A nil HTTPClient uses http.DefaultClient.
func NewClient(cfg Config) *Client {
	trip := cfg.RateLimitTrip
	if trip == 0 {
		trip = DefaultRateLimitTrip
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "github-contents",
		MaxRequests: 1,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		// Only rate limiting counts against the breaker; server errors and
		// transport failures are left to the retry loop.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, errRateLimited)
		},
	})

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:   baseURL,
		owner:     cfg.Owner,
		repo:      cfg.Repo,
		branch:    cfg.Branch,
		token:     cfg.Token,
		userAgent: userAgent,
		readCfg:   HTTPClientConfig{Client: httpClient, Backoff: cfg.ReadBackoff},
		writeCfg:  HTTPClientConfig{Client: httpClient, Backoff: cfg.WriteBackoff},
		circuit:   cb,
	}
}

// contentsURL builds /repos/{owner}/{repo}/contents/{path}, escaping each
// path segment.
func (c *Client) contentsURL(key string) string {
	segments := strings.Split(strings.Trim(key, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.baseURL, url.PathEscape(c.owner), url.PathEscape(c.repo), strings.Join(segments, "/"))
}

func (c *Client) newRequest(method, u string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", mediaType)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// contentResponse is the subset of the GET contents payload we use.
type contentResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	Content  string `json:"content"`
	SHA      string `json:"sha"`
}

// Get fetches the object at key on the configured branch. A 404 maps to
// telemetry.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (telemetry.Blob, error) {
	u := c.contentsURL(key)
	if c.branch != "" {
		u += "?" + url.Values{"ref": {c.branch}}.Encode()
	}

	resp, err := doRequestWithResilience(ctx, c.readCfg, c.circuit, func() (*http.Request, error) {
		return c.newRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return telemetry.Blob{}, err
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return telemetry.Blob{}, telemetry.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return telemetry.Blob{}, classify(readAPIError(resp))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return telemetry.Blob{}, fmt.Errorf("read contents response: %w", err)
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		return telemetry.Blob{}, fmt.Errorf("%w: %s is a directory", errNotAFile, key)
	}

	var payload contentResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return telemetry.Blob{}, fmt.Errorf("decode contents response: %w", err)
	}
	if payload.Type != "" && payload.Type != "file" {
		return telemetry.Blob{}, fmt.Errorf("%w: %s has type %q", errNotAFile, key, payload.Type)
	}
	if payload.Encoding == "none" && payload.Size > 0 {
		return telemetry.Blob{}, fmt.Errorf("%w: %s is %d bytes", errTooLarge, key, payload.Size)
	}

	return telemetry.Blob{Content: payload.Content, Version: payload.SHA}, nil
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch,omitempty"`
	SHA     string `json:"sha,omitempty"`
}

type putResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// Put creates or updates the object at key with a commit carrying message.
// An empty expectedVersion omits the sha field, which creates the file.
func (c *Client) Put(ctx context.Context, key string, content []byte, expectedVersion, message string) (string, error) {
	body, err := json.Marshal(putRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  c.branch,
		SHA:     expectedVersion,
	})
	if err != nil {
		return "", fmt.Errorf("encode put request: %w", err)
	}

	u := c.contentsURL(key)
	resp, err := doRequestWithResilience(ctx, c.writeCfg, c.circuit, func() (*http.Request, error) {
		return c.newRequest(http.MethodPut, u, body)
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classify(readAPIError(resp))
	}
	defer resp.Body.Close()

	var payload putResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode put response: %w", err)
	}
	return payload.Content.SHA, nil
}

// classify maps API errors onto the sentinels callers branch on.
func classify(apiErr *APIError) error {
	switch apiErr.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", telemetry.ErrConflict, apiErr)
	case http.StatusUnprocessableEntity:
		// Creating over an existing file, or updating with a malformed sha.
		if common.ContainsAnyFold(apiErr.Message, "sha") {
			return fmt.Errorf("%w: %w", telemetry.ErrConflict, apiErr)
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", errUnauthorized, apiErr)
	}
	return apiErr
}
