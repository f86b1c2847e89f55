package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-telemetry/internal/telemetry"
)

type RoundTripFunc func(req *http.Request) *http.Response

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func newTestClient(fn RoundTripFunc, readBackoff BackoffConfig) *Client {
	return NewClient(Config{
		BaseURL:     "https://api.example.test/",
		Owner:       "acme",
		Repo:        "station",
		Branch:      "telemetry",
		Token:       "s3cret",
		HTTPClient:  &http.Client{Transport: fn},
		ReadBackoff: readBackoff,
	})
}

func jsonResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
		Request:    req,
	}
}

var fastRetry = BackoffConfig{
	MaxRetries:      2,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func TestGet(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		status      int
		body        string
		wantBlob    telemetry.Blob
		wantErr     error
		wantAnyErr  bool
		wantRetried bool
	}{
		"OK/file": {
			status:   http.StatusOK,
			body:     `{"type":"file","encoding":"base64","size":19,"content":"eyJtZWFzdXJlbWVudHMi\nOltdfQ==\n","sha":"abc"}`,
			wantBlob: telemetry.Blob{Content: "eyJtZWFzdXJlbWVudHMi\nOltdfQ==\n", Version: "abc"},
		},
		"OK/empty file": {
			status:   http.StatusOK,
			body:     `{"type":"file","encoding":"base64","size":0,"content":"","sha":"e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"}`,
			wantBlob: telemetry.Blob{Version: "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"},
		},
		"NG/not found": {
			status:  http.StatusNotFound,
			body:    `{"message":"Not Found"}`,
			wantErr: telemetry.ErrNotFound,
		},
		"NG/bad credentials": {
			status:  http.StatusUnauthorized,
			body:    `{"message":"Bad credentials"}`,
			wantErr: errUnauthorized,
		},
		"NG/directory": {
			status:  http.StatusOK,
			body:    `[{"type":"file","name":"data.json"}]`,
			wantErr: errNotAFile,
		},
		"NG/submodule": {
			status:  http.StatusOK,
			body:    `{"type":"submodule","sha":"abc"}`,
			wantErr: errNotAFile,
		},
		"NG/too large for inline content": {
			status:  http.StatusOK,
			body:    `{"type":"file","encoding":"none","size":2000000,"content":"","sha":"abc"}`,
			wantErr: errTooLarge,
		},
		"NG/unreadable body": {
			status:     http.StatusOK,
			body:       `{"type":`,
			wantAnyErr: true,
		},
		"NG/server error after retries": {
			status:      http.StatusBadGateway,
			body:        `bad gateway`,
			wantErr:     errServerError,
			wantRetried: true,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var calls int32
			c := newTestClient(func(req *http.Request) *http.Response {
				atomic.AddInt32(&calls, 1)
				return jsonResponse(req, tt.status, tt.body)
			}, fastRetry)

			blob, err := c.Get(context.Background(), "data/data.json")
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantAnyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantBlob, blob)
			}

			if tt.wantRetried {
				assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
			} else {
				assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
			}
		})
	}
}

func TestGetRequestShape(t *testing.T) {
	t.Parallel()

	var got *http.Request
	c := newTestClient(func(req *http.Request) *http.Response {
		got = req
		return jsonResponse(req, http.StatusNotFound, `{"message":"Not Found"}`)
	}, BackoffConfig{})

	_, err := c.Get(context.Background(), "/data/my readings.json")
	require.ErrorIs(t, err, telemetry.ErrNotFound)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "https://api.example.test/repos/acme/station/contents/data/my%20readings.json?ref=telemetry", got.URL.String())
	assert.Equal(t, "Bearer s3cret", got.Header.Get("Authorization"))
	assert.Equal(t, "application/vnd.github+json", got.Header.Get("Accept"))
	assert.Equal(t, "2022-11-28", got.Header.Get("X-GitHub-Api-Version"))
	assert.Equal(t, "weather-telemetry", got.Header.Get("User-Agent"))
}

func TestGetRecoversFromTransientFailure(t *testing.T) {
	t.Parallel()

	var calls int32
	c := newTestClient(func(req *http.Request) *http.Response {
		if atomic.AddInt32(&calls, 1) == 1 {
			resp := jsonResponse(req, http.StatusForbidden, `{"message":"API rate limit exceeded"}`)
			resp.Header.Set("X-RateLimit-Remaining", "0")
			return resp
		}
		return jsonResponse(req, http.StatusOK, `{"type":"file","encoding":"base64","content":"","sha":"abc"}`)
	}, fastRetry)

	blob, err := c.Get(context.Background(), "data/data.json")
	require.NoError(t, err)
	assert.Equal(t, "abc", blob.Version)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGetStopsOnRepeatedRateLimit(t *testing.T) {
	t.Parallel()

	var calls int32
	c := newTestClient(func(req *http.Request) *http.Response {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(req, http.StatusTooManyRequests, `{"message":"secondary rate limit"}`)
	}, BackoffConfig{MaxRetries: 5, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})

	_, err := c.Get(context.Background(), "data/data.json")
	assert.ErrorIs(t, err, errCircuitOpen)
	assert.ErrorIs(t, err, errRateLimited)
	assert.EqualValues(t, DefaultRateLimitTrip, atomic.LoadInt32(&calls))

	// Once open, no further request leaves the client.
	_, err = c.Put(context.Background(), "data/data.json", []byte(`{}`), "abc", "telemetry: +1")
	assert.ErrorIs(t, err, errCircuitOpen)
	assert.EqualValues(t, DefaultRateLimitTrip, atomic.LoadInt32(&calls))
}

func TestServerErrorsDoNotOpenBreaker(t *testing.T) {
	t.Parallel()

	var calls int32
	c := newTestClient(func(req *http.Request) *http.Response {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(req, http.StatusServiceUnavailable, "")
	}, BackoffConfig{MaxRetries: 4, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})

	_, err := c.Get(context.Background(), "data/data.json")
	assert.ErrorIs(t, err, errServerError)
	assert.NotErrorIs(t, err, errCircuitOpen)
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))
}

func TestPut(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		expectedVersion string
		status          int
		body            string
		wantVersion     string
		wantErr         error
		wantConflict    bool
	}{
		"OK/create": {
			status:      http.StatusCreated,
			body:        `{"content":{"sha":"new"},"commit":{"sha":"c1"}}`,
			wantVersion: "new",
		},
		"OK/update": {
			expectedVersion: "abc",
			status:          http.StatusOK,
			body:            `{"content":{"sha":"def"},"commit":{"sha":"c2"}}`,
			wantVersion:     "def",
		},
		"NG/stale sha": {
			expectedVersion: "abc",
			status:          http.StatusConflict,
			body:            `{"message":"data/data.json does not match abc"}`,
			wantConflict:    true,
		},
		"NG/sha missing for existing file": {
			status:       http.StatusUnprocessableEntity,
			body:         `{"message":"Invalid request.\n\n\"sha\" wasn't supplied."}`,
			wantConflict: true,
		},
		"NG/other validation failure": {
			status: http.StatusUnprocessableEntity,
			body:   `{"message":"Invalid request.\n\nFor 'properties/branch', 1 is not a string."}`,
		},
		"NG/forbidden": {
			expectedVersion: "abc",
			status:          http.StatusForbidden,
			body:            `{"message":"Resource not accessible by integration"}`,
			wantErr:         errUnauthorized,
		},
		"NG/server error is not retried": {
			expectedVersion: "abc",
			status:          http.StatusInternalServerError,
			body:            `oops`,
			wantErr:         errServerError,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var (
				calls int32
				sent  map[string]any
				req   *http.Request
			)
			c := newTestClient(func(r *http.Request) *http.Response {
				atomic.AddInt32(&calls, 1)
				req = r
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &sent)
				return jsonResponse(r, tt.status, tt.body)
			}, fastRetry)

			version, err := c.Put(context.Background(), "data/data.json", []byte(`{"measurements":[]}`), tt.expectedVersion, "telemetry: +1")

			assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "writes are attempted once")
			require.NotNil(t, req)
			assert.Equal(t, http.MethodPut, req.Method)
			assert.Equal(t, "https://api.example.test/repos/acme/station/contents/data/data.json", req.URL.String())
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

			assert.Equal(t, "telemetry: +1", sent["message"])
			assert.Equal(t, "eyJtZWFzdXJlbWVudHMiOltdfQ==", sent["content"])
			assert.Equal(t, "telemetry", sent["branch"])
			if tt.expectedVersion == "" {
				assert.NotContains(t, sent, "sha")
			} else {
				assert.Equal(t, tt.expectedVersion, sent["sha"])
			}

			switch {
			case tt.wantConflict:
				assert.ErrorIs(t, err, telemetry.ErrConflict)
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NotErrorIs(t, err, telemetry.ErrConflict)
			case tt.wantVersion != "":
				require.NoError(t, err)
				assert.Equal(t, tt.wantVersion, version)
			default:
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, tt.status, apiErr.StatusCode)
				assert.NotErrorIs(t, err, telemetry.ErrConflict)
			}
		})
	}
}

func TestRequestHonoursContext(t *testing.T) {
	t.Parallel()

	c := newTestClient(func(req *http.Request) *http.Response {
		return jsonResponse(req, http.StatusServiceUnavailable, "")
	}, BackoffConfig{MaxRetries: 5, InitialInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, "data/data.json")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidBackoff(t *testing.T) {
	t.Parallel()

	c := newTestClient(func(req *http.Request) *http.Response {
		t.Fatal("no request expected")
		return nil
	}, BackoffConfig{MaxRetries: 1})

	_, err := c.Get(context.Background(), "data/data.json")
	assert.ErrorIs(t, err, errInvalidConfig)
}
