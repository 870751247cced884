package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
	"github.com/bytedance/sonic"
)

const (
	executePath     = "/execute"
	maxResponseSize = 8 << 20
)

// RemoteAdapter hands a task to an executor service over HTTP. The service
// receives the ExecutionRequest as JSON on POST /execute and answers with an
// ExecutionResult.
type RemoteAdapter struct {
	provider string
	baseURL  string
	client   *http.Client
}

// NewRemoteAdapter returns an adapter for the executor at baseURL. A nil
// client gets a default one; the per-task deadline comes from the context.
func NewRemoteAdapter(provider, baseURL string, client *http.Client) *RemoteAdapter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Minute}
	}
	return &RemoteAdapter{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
	}
}

func (a *RemoteAdapter) Execute(ctx context.Context, req service.ExecutionRequest) (service.ExecutionResult, error) {
	start := time.Now()
	body, err := sonic.Marshal(req)
	if err != nil {
		return service.ExecutionResult{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+executePath, bytes.NewReader(body))
	if err != nil {
		return service.ExecutionResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Orchestrator-Provider", a.provider)
	httpReq.Header.Set("X-Orchestrator-Task", req.TaskID)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return service.ExecutionResult{}, fmt.Errorf("%s request: %w", a.provider, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return service.ExecutionResult{}, fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxResponseSize {
		return service.ExecutionResult{}, fmt.Errorf("%s response exceeds %d bytes", a.provider, maxResponseSize)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return service.ExecutionResult{}, fmt.Errorf("%s executor error: %d %s", a.provider, resp.StatusCode, snippet(data))
	}

	var result service.ExecutionResult
	if err := sonic.Unmarshal(data, &result); err != nil {
		return service.ExecutionResult{}, fmt.Errorf("decode %s response: %w", a.provider, err)
	}
	switch result.Status {
	case service.ResultSuccess, service.ResultFailed, service.ResultPending:
	default:
		return service.ExecutionResult{}, fmt.Errorf("%s returned unknown status %q", a.provider, result.Status)
	}
	if result.ExecutionTimeMs == 0 {
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
	}
	return result, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
