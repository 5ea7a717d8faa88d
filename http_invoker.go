package sagabus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const maxActionResponseSize = 4 << 20

type httpActionRequest struct {
	SagaID       string          `json:"saga_id"`
	StepID       string          `json:"step_id"`
	StepName     string          `json:"step_name"`
	ServiceName  string          `json:"service_name"`
	ActionType   string          `json:"action_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Context      SagaContext     `json:"context"`
	Compensation bool            `json:"compensation"`
}

// HTTPInvoker posts every action call of one service to a single endpoint as
// JSON. A 2xx response body becomes the step response, a 4xx response is a
// permanent failure and anything else is retried.
type HTTPInvoker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPInvoker creates an invoker for endpoint. A nil client uses
// http.DefaultClient; the per-call deadline comes from the step timeout.
func NewHTTPInvoker(endpoint string, client *http.Client) *HTTPInvoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInvoker{endpoint: endpoint, client: client}
}

// Invoke implements ActionInvoker.
func (i *HTTPInvoker) Invoke(ctx context.Context, call ActionCall) ([]byte, error) {
	body := httpActionRequest{
		SagaID:       call.SagaID,
		StepID:       call.StepID,
		StepName:     call.StepName,
		ServiceName:  call.ServiceName,
		ActionType:   call.ActionType,
		Context:      call.Context,
		Compensation: call.Compensation,
	}
	if len(call.Payload) > 0 {
		if !json.Valid(call.Payload) {
			return nil, Permanent(fmt.Errorf("payload of step %s is not valid json", call.StepName))
		}
		body.Payload = call.Payload
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to encode action call: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey(call))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", call.ServiceName, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxActionResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response of %s: %w", call.ServiceName, err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, Permanent(fmt.Errorf("%s rejected %s: %s: %s", call.ServiceName, call.ActionType, resp.Status, payload))
	default:
		return nil, fmt.Errorf("%s failed %s: %s", call.ServiceName, call.ActionType, resp.Status)
	}
}

// idempotencyKey is stable across retries of the same step action.
func idempotencyKey(call ActionCall) string {
	if call.Compensation {
		return call.StepID + ":compensate"
	}
	return call.StepID + ":execute"
}
