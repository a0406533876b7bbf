package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

// HTTPClient calls the collaborator gateway over JSON/HTTP. Deadlines come
// from the caller's context.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type callRequest struct {
	AccountID string         `json:"account_id"`
	On        *bool          `json:"on,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

func (c *HTTPClient) post(ctx context.Context, path string, in callRequest) (Result, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return Result{}, workflow.Permanent(fmt.Errorf("encode request: %w", err))
	}
	endpoint := c.baseURL + "/v1/accounts/" + url.PathEscape(in.AccountID) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return Result{}, workflow.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, fmt.Errorf("collaborator %s: http status %d", path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Result{}, workflow.Permanent(fmt.Errorf("collaborator %s: http status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	var out Result
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return Result{}, fmt.Errorf("collaborator %s: decode response: %w", path, err)
		}
	}
	return out, nil
}

func (c *HTTPClient) ApplyContentA(ctx context.Context, accountID string, params map[string]any) (Result, error) {
	return c.post(ctx, "/content-a", callRequest{AccountID: accountID, Params: params})
}

func (c *HTTPClient) ApplyContentB(ctx context.Context, accountID string, params map[string]any) (Result, error) {
	return c.post(ctx, "/content-b", callRequest{AccountID: accountID, Params: params})
}

func (c *HTTPClient) RunBatchAction(ctx context.Context, accountID string, params map[string]any) (Result, error) {
	return c.post(ctx, "/batch", callRequest{AccountID: accountID, Params: params})
}

func (c *HTTPClient) ToggleContinuousAction(ctx context.Context, accountID string, on bool, params map[string]any) (Result, error) {
	return c.post(ctx, "/continuous", callRequest{AccountID: accountID, On: &on, Params: params})
}
