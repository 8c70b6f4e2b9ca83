package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// UpstreamEndpoint is the CodeWhisperer streaming chat endpoint.
const UpstreamEndpoint = "https://q.us-east-1.amazonaws.com/generateAssistantResponse"

const ideVersion = "0.6.18"

// Client sends chat requests to the Kiro upstream and returns the raw
// event-stream body for the caller to decode frame by frame.
type Client struct {
	Endpoint string

	client *http.Client
}

// NewClient builds an upstream client. Streaming responses can take a while,
// so the per-call timeout is generous.
func NewClient() *Client {
	return &Client{
		Endpoint: UpstreamEndpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

// GenerateAssistantResponse posts the request and returns the streaming
// response. The caller owns resp.Body and must close it.
func (c *Client) GenerateAssistantResponse(ctx context.Context, accessToken, machineID string, reqBody *UpstreamRequest) (*http.Response, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("no access token available")
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, v := range kiroHeaders(accessToken, machineID, c.Endpoint) {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("upstream timeout")
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream error: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return resp, nil
}

// kiroHeaders reproduces the Kiro IDE's request header set. The machine id
// feeds the user agent so upstream sees a stable per-account client identity.
func kiroHeaders(accessToken, machineID, endpoint string) map[string]string {
	agent := fmt.Sprintf("KiroIDE-%s-%s", ideVersion, machineID)
	host := "q.us-east-1.amazonaws.com"
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	return map[string]string{
		"Content-Type":                "application/json",
		"x-amzn-codewhisperer-optout": "true",
		"x-amzn-kiro-agent-mode":      "vibe",
		"x-amz-user-agent":            fmt.Sprintf("aws-sdk-js/1.0.26 %s", agent),
		"user-agent":                  fmt.Sprintf("aws-sdk-js/1.0.26 ua/2.1os/win32#10.0.26100 lang/js md/nodejs#22.21.1 api/codewhispererstreaming#1.0.26 m/E %s", agent),
		"host":                        host,
		"amz-sdk-invocation-id":       uuid.NewString(),
		"amz-sdk-request":             "attempt=1; max=3",
		"Authorization":               "Bearer " + accessToken,
	}
}
