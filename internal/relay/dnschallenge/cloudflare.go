package dnschallenge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
)

const (
	cloudflareAPIBase = "https://api.cloudflare.com/client/v4"
	challengeTTL      = 60 // seconds; challenge records live minutes at most
)

// CloudflareProvider publishes TXT records through the Cloudflare DNS
// API. The API token never appears in logs or errors.
type CloudflareProvider struct {
	log    *slog.Logger
	client *http.Client

	baseURL string
	zoneID  string
	token   string
}

// CloudflareOption adjusts provider construction.
type CloudflareOption func(*CloudflareProvider)

// WithBaseURL overrides the API endpoint, for tests.
func WithBaseURL(u string) CloudflareOption {
	return func(p *CloudflareProvider) { p.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) CloudflareOption {
	return func(p *CloudflareProvider) { p.client = c }
}

// NewCloudflareProvider creates a provider for one DNS zone.
func NewCloudflareProvider(log *slog.Logger, zoneID, token string, opts ...CloudflareOption) *CloudflareProvider {
	if log == nil {
		log = slog.Default()
	}
	p := &CloudflareProvider{
		log:     log,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: cloudflareAPIBase,
		zoneID:  zoneID,
		token:   token,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type cfRecordRequest struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

type cfResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		ID string `json:"id"`
	} `json:"result"`
}

// CreateTXT implements Provider.
func (p *CloudflareProvider) CreateTXT(ctx context.Context, fqdn, value string) (string, error) {
	body, err := json.Marshal(cfRecordRequest{
		Type:    "TXT",
		Name:    fqdn,
		Content: value,
		TTL:     challengeTTL,
	})
	if err != nil {
		return "", err
	}

	var resp cfResponse
	url := fmt.Sprintf("%s/zones/%s/dns_records", p.baseURL, p.zoneID)
	if err := p.do(ctx, http.MethodPost, url, body, &resp); err != nil {
		return "", err
	}
	if resp.Result.ID == "" {
		return "", domain.ErrProviderFailure.WithDetails("create returned no record id")
	}
	return resp.Result.ID, nil
}

// DeleteTXT implements Provider. Cloudflare answers 404 for unknown
// record ids, which we treat as already deleted.
func (p *CloudflareProvider) DeleteTXT(ctx context.Context, ref string) error {
	url := fmt.Sprintf("%s/zones/%s/dns_records/%s", p.baseURL, p.zoneID, ref)
	err := p.do(ctx, http.MethodDelete, url, nil, &cfResponse{})
	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return nil
	}
	return err
}

// statusError carries the HTTP status of a failed API call.
type statusError struct {
	status int
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.status) }

func (p *CloudflareProvider) do(ctx context.Context, method, url string, body []byte, out *cfResponse) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return domain.ErrProviderFailure.WithCause(err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return domain.ErrProviderFailure.WithCause(&statusError{status: res.StatusCode})
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return domain.ErrProviderFailure.WithCause(err)
	}
	if !out.Success {
		msg := "request not successful"
		if len(out.Errors) > 0 {
			msg = fmt.Sprintf("code %d: %s", out.Errors[0].Code, out.Errors[0].Message)
		}
		return domain.ErrProviderFailure.WithDetails(msg)
	}
	return nil
}
