// Copyright 2025 Gaigentic AI
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds a single reasoning RPC.
const DefaultTimeout = 30 * time.Second

// HTTPClient is the subset of *http.Client the provider needs (enables
// testing with fakes).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConfig configures the HTTP RPC provider.
type HTTPConfig struct {
	Name     string        // Instance name for logs (default "llm-http")
	Endpoint string        // Required: reasoning RPC URL
	APIKey   string        // Optional: sent as a bearer header, otherwise untouched
	Timeout  time.Duration // Optional: per-call timeout (default 30s)
	Client   HTTPClient    // Optional: custom HTTP client
}

// HTTPProvider calls a remote reasoning backend over a single POST endpoint.
// The envelope is fixed: the request carries task_name, payload, and
// reasoning_steps; the response carries result. Anything else about the
// backend is opaque.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   HTTPClient

	mu      sync.RWMutex
	healthy bool
}

type reasoningRequest struct {
	TaskName       string                 `json:"task_name"`
	Payload        map[string]interface{} `json:"payload"`
	ReasoningSteps []string               `json:"reasoning_steps"`
}

type reasoningResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// NewHTTPProvider creates an HTTP RPC provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("llm: endpoint is required")
	}
	name := cfg.Name
	if name == "" {
		name = "llm-http"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProvider{
		name:     name,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		timeout:  timeout,
		client:   client,
		healthy:  true,
	}, nil
}

// Name returns the provider instance name.
func (p *HTTPProvider) Name() string {
	return p.name
}

// ComplexReasoningTask posts one reasoning task and returns the raw result
// text. An empty result is reported as an error so callers take their
// fallback path.
func (p *HTTPProvider) ComplexReasoningTask(ctx context.Context, taskName string, payload map[string]interface{}, reasoningSteps []string) (string, error) {
	reqBody, err := json.Marshal(reasoningRequest{
		TaskName:       taskName,
		Payload:        payload,
		ReasoningSteps: reasoningSteps,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return "", fmt.Errorf("llm: %s call failed: %w", taskName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.setHealthy(false)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("llm: %s returned HTTP %d: %s", taskName, resp.StatusCode, string(body))
	}

	var parsed reasoningResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		p.setHealthy(false)
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if parsed.Error != "" {
		p.setHealthy(false)
		return "", fmt.Errorf("llm: backend error: %s", parsed.Error)
	}
	if parsed.Result == "" {
		p.setHealthy(false)
		return "", fmt.Errorf("llm: backend returned empty result for %s", taskName)
	}

	p.setHealthy(true)
	return parsed.Result, nil
}

// IsHealthy reports whether the last call succeeded.
func (p *HTTPProvider) IsHealthy(_ context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

func (p *HTTPProvider) setHealthy(v bool) {
	p.mu.Lock()
	p.healthy = v
	p.mu.Unlock()
}

// StaticProvider returns canned responses keyed by task name. It backs
// development runs without a reasoning backend and keeps end-to-end tests
// deterministic.
type StaticProvider struct {
	name      string
	mu        sync.RWMutex
	responses map[string]string
	fallback  string
	err       error
	delay     time.Duration
}

// NewStaticProvider creates a static provider. fallback is returned for task
// names without a canned response.
func NewStaticProvider(name, fallback string) *StaticProvider {
	if name == "" {
		name = "llm-static"
	}
	return &StaticProvider{
		name:      name,
		responses: make(map[string]string),
		fallback:  fallback,
	}
}

// SetResponse cans a response for one task name.
func (p *StaticProvider) SetResponse(taskName, response string) {
	p.mu.Lock()
	p.responses[taskName] = response
	p.mu.Unlock()
}

// SetError forces every call to fail with err; nil restores normal behavior.
func (p *StaticProvider) SetError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// SetDelay makes every call sleep before answering, for deadline tests.
func (p *StaticProvider) SetDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

// Name returns the provider instance name.
func (p *StaticProvider) Name() string {
	return p.name
}

// ComplexReasoningTask returns the canned response for taskName.
func (p *StaticProvider) ComplexReasoningTask(ctx context.Context, taskName string, _ map[string]interface{}, _ []string) (string, error) {
	p.mu.RLock()
	err := p.err
	delay := p.delay
	resp, ok := p.responses[taskName]
	fallback := p.fallback
	p.mu.RUnlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}
	if !ok {
		resp = fallback
	}
	if resp == "" {
		return "", fmt.Errorf("llm: no canned response for %s", taskName)
	}
	return resp, nil
}

// IsHealthy reports whether the provider is currently failing.
func (p *StaticProvider) IsHealthy(_ context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err == nil
}
