// Package uploadclient is the Migration Worker's HTTP client for the
// Storage Engine: EnsureBucketExists and Upload, retrying transient
// failures with exponential backoff and treating 409 as success per the
// migrator's idempotency contract.
package uploadclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const perCallTimeout = 5 * time.Minute

// Client wraps net/http.Client with retry-with-backoff for calls to the
// Storage Engine's upload endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client targeting baseURL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: perCallTimeout},
	}
}

// EnsureBucketExists GETs the bucket; on 404 it issues a POST to create it.
// Returns true once the bucket is confirmed to exist.
func (c *Client) EnsureBucketExists(ctx context.Context, name string) (bool, error) {
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/buckets/"+url.PathEscape(name), nil)
	if err != nil {
		return false, fmt.Errorf("uploadclient: build get bucket request: %w", err)
	}
	resp, err := c.httpClient.Do(getReq)
	if err != nil {
		return false, fmt.Errorf("uploadclient: get bucket: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	if resp.StatusCode != http.StatusNotFound {
		return false, fmt.Errorf("uploadclient: get bucket %q returned unexpected status %d", name, resp.StatusCode)
	}

	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return false, fmt.Errorf("uploadclient: marshal create bucket body: %w", err)
	}
	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/buckets", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("uploadclient: build create bucket request: %w", err)
	}
	postReq.Header.Set("Content-Type", "application/json")

	postResp, err := c.httpClient.Do(postReq)
	if err != nil {
		return false, fmt.Errorf("uploadclient: create bucket: %w", err)
	}
	defer postResp.Body.Close()
	io.Copy(io.Discard, postResp.Body)

	if postResp.StatusCode >= 200 && postResp.StatusCode < 300 {
		return true, nil
	}
	// A 409 here means a concurrent worker created it first.
	if postResp.StatusCode == http.StatusConflict {
		return true, nil
	}
	return false, fmt.Errorf("uploadclient: create bucket %q returned status %d", name, postResp.StatusCode)
}

// Result is the outcome of an Upload call.
type Result struct {
	Success             bool
	AlreadyExists       bool
	DocID               string
	SHA256              string
	DetectedContentType string
	ErrorMessage        string
}

type uploadResponseBody struct {
	DocID               string `json:"docId"`
	SHA256              string `json:"sha256"`
	DetectedContentType string `json:"detectedContentType"`
}

// Upload PUTs bytes to /api/buckets/{bucket}/objects/{urlencoded(filename)}
// with a 409 treated as success (already migrated), retrying transient
// network errors and 5xx with exponential backoff via
// github.com/cenkalti/backoff/v4.
func (c *Client) Upload(ctx context.Context, bucket, filename string, data []byte, claimedContentType string, year int) (Result, error) {
	var result Result

	operation := func() error {
		target := fmt.Sprintf("%s/api/buckets/%s/objects/%s?year=%d", c.baseURL, url.PathEscape(bucket), url.PathEscape(filename), year)

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("uploadclient: build upload request: %w", err))
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		if claimedContentType != "" {
			req.Header.Set("X-Claimed-Content-Type", claimedContentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network error: retryable
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var body uploadResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return backoff.Permanent(fmt.Errorf("uploadclient: decode upload response: %w", err))
			}
			result = Result{
				Success:             true,
				DocID:               body.DocID,
				SHA256:              body.SHA256,
				DetectedContentType: body.DetectedContentType,
			}
			return nil

		case resp.StatusCode == http.StatusConflict:
			result = Result{Success: true, AlreadyExists: true}
			return nil

		case resp.StatusCode >= 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("uploadclient: upload returned status %d: %s", resp.StatusCode, string(msg))

		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			result = Result{Success: false, ErrorMessage: fmt.Sprintf("upload returned status %d: %s", resp.StatusCode, string(msg))}
			return nil
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return Result{Success: false, ErrorMessage: err.Error()}, nil
	}
	return result, nil
}
