package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPBackend forwards requests to a local inference service speaking a
// newline-delimited streaming HTTP API: one POST per request, each line
// of the response body emitted as a chunk.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend creates a backend against addr (host:port).
func NewHTTPBackend(addr string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: "http://" + addr,
		// No overall client timeout: long generations stream for minutes.
		// The handler's per-request context still bounds the call.
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// Infer implements Backend.
func (b *HTTPBackend) Infer(ctx context.Context, req Request, emit func(content string) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("inference upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference upstream: status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if err := emit(line); err != nil {
			return err
		}
	}
	return sc.Err()
}
