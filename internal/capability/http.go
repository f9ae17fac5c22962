package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider posts the subtask input as JSON to a remote endpoint and
// decodes a JSON object back as the output.
type HTTPProvider struct {
	URL         string
	BearerToken string
	Headers     map[string]string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// APIError wraps non-2xx responses from a remote provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error: status=%d body=%s", e.StatusCode, e.Body)
}

func NewHTTPProvider(url string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{URL: url, Timeout: timeout}
}

func (p *HTTPProvider) Process(ctx context.Context, in Input) (Output, error) {
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: p.Timeout}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(in); err != nil {
		return nil, fmt.Errorf("encode %s input: %w", in.Capability, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(p.URL), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.BearerToken)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", in.Capability, err)
	}
	if out == nil {
		out = Output{}
	}
	return out, nil
}
