package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/kassaflow/internal/config"
	"github.com/avolkov/kassaflow/internal/ledger"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		BusinessTimezone: "Europe/Moscow",
		OffsetIssueHour:  9,
		InvoicePrefix:    "kf",
		AllocLockTTL:     time.Second,
		AllocLockWait:    time.Second,
		LeaseTTL:         30 * time.Second,
		ScheduleInterval: time.Minute,
		RepairInterval:   time.Minute,
		ShrinkGuardRatio: 0.75,
		ShrinkGuardAbs:   3,
		WALRetention:     72 * time.Hour,
		LedgerBackups:    3,
		URLPollAttempts:  1,
		URLPollDelay:     time.Millisecond,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(testConfig())
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestCreateOrder_SameDayFull(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/orders", map[string]any{
		"taskId":         "task-1",
		"organizationId": "7701234567",
		"amount":         "1500.00",
		"serviceDate":    "2024-01-10", // long past: settles with a single full invoice
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var order ledger.SaleOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	require.Equal(t, int64(1), order.OrderID)
	require.Equal(t, "kf-C-1", order.InvoiceFull)
	require.Empty(t, order.InvoicePrepay)
}

func TestCreateOrder_Validation(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/orders", map[string]any{
		"organizationId": "7701234567",
		"amount":         "100.00",
		"serviceDate":    "2024-01-10",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/orders", map[string]any{
		"taskId":      "task-2",
		"amount":      "100.00",
		"serviceDate": "not-a-date",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOrder_ByTaskID(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/orders", map[string]any{
		"taskId":         "task-3",
		"organizationId": "7701234567",
		"amount":         "200.00",
		"serviceDate":    "2024-01-10",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/orders/task-3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var order ledger.SaleOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	require.Equal(t, "task-3", order.TaskID)

	w = doJSON(t, s, http.MethodGet, "/v1/orders/no-such-task", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListOrders_ByOrganization(t *testing.T) {
	s := newTestServer(t)

	for _, task := range []string{"task-a", "task-b"} {
		w := doJSON(t, s, http.MethodPost, "/v1/orders", map[string]any{
			"taskId":         task,
			"organizationId": "7701234567",
			"amount":         "100.00",
			"serviceDate":    "2024-01-10",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, s, http.MethodGet, "/v1/orders?organizationId=7701234567", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Orders []ledger.OrderSummary `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Orders, 2)

	// Unknown organization: empty list, not an error.
	w = doJSON(t, s, http.MethodGet, "/v1/orders?organizationId=0000000000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Empty(t, resp.Orders)

	// No organization: directory of known organizations.
	w = doJSON(t, s, http.MethodGet, "/v1/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dir struct {
		Organizations []string `json:"organizations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dir))
	require.Equal(t, []string{"7701234567"}, dir.Organizations)
}

func TestFiscalCallback_AttachesURL(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/orders", map[string]any{
		"taskId":         "task-cb",
		"organizationId": "7701234567",
		"amount":         "300.00",
		"serviceDate":    "2024-01-10",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/callbacks/fiscal", map[string]any{
		"invoiceId": "kf-C-1",
		"receiptId": "rcpt-1",
		"url":       "https://receipts.example/rcpt-1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/orders/task-cb", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var order ledger.SaleOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	require.Equal(t, "rcpt-1", order.FullReceiptID)
	require.Equal(t, "https://receipts.example/rcpt-1", order.FullReceiptURL)
}

func TestFiscalCallback_Rejections(t *testing.T) {
	s := newTestServer(t)

	// Missing url.
	w := doJSON(t, s, http.MethodPost, "/v1/callbacks/fiscal", map[string]any{
		"invoiceId": "kf-C-1",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Malformed invoice id.
	w = doJSON(t, s, http.MethodPost, "/v1/callbacks/fiscal", map[string]any{
		"invoiceId": "garbage",
		"url":       "https://receipts.example/x",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Well-formed id for an order that does not exist.
	w = doJSON(t, s, http.MethodPost, "/v1/callbacks/fiscal", map[string]any{
		"invoiceId": "kf-C-999",
		"url":       "https://receipts.example/x",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestReadiness_FalseBeforeRun(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRun_BecomesReadyAndShutsDown(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Run must reach readiness: both workers launched, listener up.
	require.Eventually(t, s.ready.Load, 3*time.Second, 10*time.Millisecond,
		"Run never became ready")
	require.Eventually(t, func() bool {
		return s.scheduleWorker.Running() && s.repairWorker.Running()
	}, 3*time.Second, 10*time.Millisecond, "workers never started")

	w := doJSON(t, s, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	require.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	require.Equal(t, "postgres://***@db:5432/kassa", maskDSN("postgres://user:secret@db:5432/kassa"))
	require.Equal(t, "host=local dbname=kassa", maskDSN("host=local dbname=kassa"))
}
