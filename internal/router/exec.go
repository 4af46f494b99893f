package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// Commander is the subset of the gateway used for edge execution.
type Commander interface {
	SendCommand(ctx context.Context, deviceID, command string, payload any) (*model.CommandResponse, error)
}

// GatewayEdgeExecutor runs inference on devices through the run_inference
// command.
type GatewayEdgeExecutor struct {
	commander Commander
}

// NewGatewayEdgeExecutor wraps a gateway hub as an EdgeExecutor.
func NewGatewayEdgeExecutor(commander Commander) *GatewayEdgeExecutor {
	return &GatewayEdgeExecutor{commander: commander}
}

// Infer implements EdgeExecutor.
func (e *GatewayEdgeExecutor) Infer(ctx context.Context, deviceID string, p model.RunInferencePayload) (json.RawMessage, error) {
	resp, err := e.commander.SendCommand(ctx, deviceID, model.CommandRunInference, p)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("device %s: %s", deviceID, resp.Error)
	}
	var data model.RunInferenceData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("device %s: decoding inference response: %w", deviceID, err)
	}
	return data.Output, nil
}

const cloudRequestTimeout = 30 * time.Second

// HTTPCloudExecutor posts requests to a cloud inference endpoint.
type HTTPCloudExecutor struct {
	endpoint string
	client   *http.Client
}

// NewHTTPCloudExecutor creates a cloud executor for the endpoint base URL.
// client may be nil for a default with a 30s timeout.
func NewHTTPCloudExecutor(endpoint string, client *http.Client) *HTTPCloudExecutor {
	if client == nil {
		client = &http.Client{Timeout: cloudRequestTimeout}
	}
	return &HTTPCloudExecutor{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

// Infer implements CloudExecutor. The response body is the raw inference
// output.
func (e *HTTPCloudExecutor) Infer(ctx context.Context, req model.InferenceRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("router: encoding cloud request: %w", err)
	}

	url := e.endpoint + "/v1/infer"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("router: creating cloud request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("router: cloud request: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("router: reading cloud response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("router: cloud returned %d: %s", resp.StatusCode, truncate(out, 200))
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
