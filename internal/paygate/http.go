package paygate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avolkov/kassaflow/internal/circuitbreaker"
	"github.com/avolkov/kassaflow/internal/traces"
)

// HTTPGateway is the JSON-over-HTTP payment gateway client.
type HTTPGateway struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewHTTPGateway creates the HTTP payment gateway client.
func NewHTTPGateway(baseURL, token string, breaker *circuitbreaker.Breaker, logger *slog.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

type taskResponse struct {
	AcquiringStatus string `json:"acquiringStatus"`
	RootStatus      string `json:"status"`
	Executor        struct {
		INN           string `json:"inn"`
		Kind          string `json:"kind"`
		TaxReceiptURL string `json:"taxReceiptUrl"`
	} `json:"executor"`
}

func (g *HTTPGateway) TaskStatus(ctx context.Context, taskID string) (*TaskState, error) {
	ctx, span := traces.StartSpan(ctx, "paygate.TaskStatus", traces.TaskID(taskID))
	defer span.End()

	var state *TaskState
	err := g.breaker.Call("paygate:status", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/v1/tasks/"+taskID, nil)
		if err != nil {
			return fmt.Errorf("paygate: build task request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+g.token)

		resp, err := g.http.Do(req)
		if err != nil {
			return fmt.Errorf("paygate: task status %s: %w", taskID, err)
		}
		defer drainBody(resp.Body)

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			// An answer, not a gateway failure.
			return nil
		default:
			return fmt.Errorf("paygate: task status %s returned %d", taskID, resp.StatusCode)
		}

		var tr taskResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return fmt.Errorf("paygate: decode task response: %w", err)
		}
		state = &TaskState{
			AcquiringStatus: tr.AcquiringStatus,
			RootStatus:      tr.RootStatus,
			ExecutorINN:     tr.Executor.INN,
			ExecutorKind:    tr.Executor.Kind,
			TaxReceiptURL:   tr.Executor.TaxReceiptURL,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrTaskNotFound
	}
	return state, nil
}

func (g *HTTPGateway) TriggerCapture(ctx context.Context, taskID string) error {
	ctx, span := traces.StartSpan(ctx, "paygate.TriggerCapture", traces.TaskID(taskID))
	defer span.End()

	return g.breaker.Call("paygate:capture", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/v1/tasks/"+taskID+"/capture", nil)
		if err != nil {
			return fmt.Errorf("paygate: build capture request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+g.token)

		resp, err := g.http.Do(req)
		if err != nil {
			return fmt.Errorf("paygate: capture %s: %w", taskID, err)
		}
		defer drainBody(resp.Body)

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent:
			return nil
		case http.StatusConflict:
			// Already captured.
			g.logger.Debug("capture already done", "task_id", taskID)
			return nil
		default:
			return fmt.Errorf("paygate: capture %s returned %d", taskID, resp.StatusCode)
		}
	})
}

func drainBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

var _ Gateway = (*HTTPGateway)(nil)
