package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"time"

	"go.uber.org/zap"
)

const maxErrorBody = 4096

// HTTPEngine posts the task to an external engine endpoint and streams the
// response body as the artifact.
type HTTPEngine struct {
	baseURL    string
	httpClient *http.Client
}

var _ Engine = (*HTTPEngine)(nil)

func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	if timeout == 0 {
		timeout = time.Hour
	}
	return &HTTPEngine{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

func (e *HTTPEngine) Execute(ctx context.Context, task Task) (*Result, error) {
	url := fmt.Sprintf("%s/api/v1/execute", e.baseURL)

	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call engine: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &ExecutionError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}

	name := defaultName(task)
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			// only keep the base name, the engine does not choose where the artifact goes
			name = path.Base(params["filename"])
		}
	}

	zap.S().Named("engine").Debugw("engine responded", "request_id", task.RequestID, "size", resp.ContentLength, "name", name)

	return &Result{
		Reader: resp.Body,
		Size:   resp.ContentLength,
		Name:   name,
	}, nil
}

func (e *HTTPEngine) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", e.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call engine: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Drain body to enable connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine health check returned status %d", resp.StatusCode)
	}

	return nil
}
