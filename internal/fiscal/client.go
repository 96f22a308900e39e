package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avolkov/kassaflow/internal/circuitbreaker"
	"github.com/avolkov/kassaflow/internal/metrics"
	"github.com/avolkov/kassaflow/internal/retry"
	"github.com/avolkov/kassaflow/internal/traces"
)

// tokenSkew refreshes the auth token this long before its reported
// expiry, so in-flight requests never carry a token that dies mid-call.
const tokenSkew = 2 * time.Minute

// TokenCache holds the gateway auth token. Refresh is synchronous under
// the mutex: concurrent callers wait for the first refresher instead of
// stampeding the auth endpoint.
type TokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenCache creates an empty token cache.
func NewTokenCache() *TokenCache { return &TokenCache{} }

// ClientConfig configures the HTTP fiscal client.
type ClientConfig struct {
	BaseURL  string
	Login    string
	Password string
	// Group is the fiscal device group receipts are routed to.
	Group           string
	URLPollAttempts int
	URLPollDelay    time.Duration
	Timeout         time.Duration
}

// Client is the HTTP fiscal gateway implementation.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	tokens  *TokenCache
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewClient creates the HTTP fiscal gateway client. The token cache and
// breaker are injected so tests and multi-client setups control sharing.
func NewClient(cfg ClientConfig, tokens *TokenCache, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		breaker: breaker,
		logger:  logger,
	}
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Token returns a valid auth token, refreshing when within the skew of
// expiry.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()

	if c.tokens.token != "" && time.Until(c.tokens.expiresAt) > tokenSkew {
		return c.tokens.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"login":    c.cfg.Login,
		"password": c.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("fiscal: encode auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/auth", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("fiscal: build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fiscal: auth: %w", err)
	}
	defer drainBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fiscal: auth returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("fiscal: decode auth response: %w", err)
	}
	if tr.Token == "" {
		return "", errors.New("fiscal: auth returned empty token")
	}
	if tr.ExpiresAt.IsZero() {
		tr.ExpiresAt = time.Now().Add(time.Hour)
	}

	c.tokens.token = tr.Token
	c.tokens.expiresAt = tr.ExpiresAt
	return tr.Token, nil
}

type createRequest struct {
	InvoiceID     string `json:"invoiceId"`
	Group         string `json:"group,omitempty"`
	Kind          string `json:"kind"`
	SupplierINN   string `json:"supplierInn"`
	BuyerEmail    string `json:"buyerEmail,omitempty"`
	BuyerPhone    string `json:"buyerPhone,omitempty"`
	Amount        string `json:"amount"`
	VAT           string `json:"vat,omitempty"`
	AdvanceOffset bool   `json:"advanceOffset,omitempty"`
	Description   string `json:"description,omitempty"`
}

type createResponse struct {
	ReceiptID string `json:"receiptId"`
	Error     string `json:"error,omitempty"`
}

// CreateReceipt submits the receipt. A 409 carrying the existing receipt
// id means a prior attempt (possibly from a crashed instance) already
// created the document; that is normalized to success.
func (c *Client) CreateReceipt(ctx context.Context, r ReceiptRequest) (string, error) {
	ctx, span := traces.StartSpan(ctx, "fiscal.CreateReceipt", traces.InvoiceID(r.InvoiceID))
	defer span.End()

	var receiptID string
	err := c.breaker.Call("fiscal:create", func() error {
		id, err := c.createReceipt(ctx, r)
		receiptID = id
		return err
	})
	if err != nil {
		metrics.ReceiptAttemptsTotal.WithLabelValues(string(r.Kind), "error").Inc()
		return "", err
	}
	return receiptID, nil
}

func (c *Client) createReceipt(ctx context.Context, r ReceiptRequest) (string, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(createRequest{
		InvoiceID:     r.InvoiceID,
		Group:         c.cfg.Group,
		Kind:          string(r.Kind),
		SupplierINN:   r.SupplierINN,
		BuyerEmail:    r.BuyerEmail,
		BuyerPhone:    r.BuyerPhone,
		Amount:        r.Amount,
		VAT:           r.VAT,
		AdvanceOffset: r.AdvanceOffset,
		Description:   r.Description,
	})
	if err != nil {
		return "", fmt.Errorf("fiscal: encode receipt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/receipts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("fiscal: build receipt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fiscal: create receipt %s: %w", r.InvoiceID, err)
	}
	defer drainBody(resp.Body)

	var cr createResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("fiscal: decode receipt response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK && cr.ReceiptID != "":
		metrics.ReceiptAttemptsTotal.WithLabelValues(string(r.Kind), "created").Inc()
		return cr.ReceiptID, nil
	case resp.StatusCode == http.StatusConflict && cr.ReceiptID != "":
		// Duplicate document: a previous attempt already created it.
		metrics.ReceiptAttemptsTotal.WithLabelValues(string(r.Kind), "duplicate").Inc()
		c.logger.Info("receipt already exists at gateway",
			"invoice_id", r.InvoiceID, "receipt_id", cr.ReceiptID)
		return cr.ReceiptID, nil
	default:
		return "", fmt.Errorf("fiscal: create receipt %s returned %d: %s", r.InvoiceID, resp.StatusCode, cr.Error)
	}
}

// ReceiptStatus looks up the receipt by invoice id.
func (c *Client) ReceiptStatus(ctx context.Context, invoiceID string) (*Status, error) {
	var st *Status
	err := c.breaker.Call("fiscal:status", func() error {
		s, err := c.receiptStatus(ctx, invoiceID)
		if errors.Is(err, ErrReceiptNotFound) {
			// Not-found is an answer, not a gateway failure.
			st = nil
			return nil
		}
		st = s
		return err
	})
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrReceiptNotFound
	}
	return st, nil
}

func (c *Client) receiptStatus(ctx context.Context, invoiceID string) (*Status, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/receipts/"+invoiceID, nil)
	if err != nil {
		return nil, fmt.Errorf("fiscal: build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fiscal: receipt status %s: %w", invoiceID, err)
	}
	defer drainBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrReceiptNotFound
	default:
		return nil, fmt.Errorf("fiscal: receipt status %s returned %d", invoiceID, resp.StatusCode)
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("fiscal: decode status response: %w", err)
	}
	return &st, nil
}

var errUnsigned = errors.New("fiscal: receipt not signed yet")

// ResolveURL short-polls the receipt status for the signed viewable URL.
// Exhausting the attempt budget while the document is still unsigned is
// not an error: the URL arrives later via callback or a repair pass.
func (c *Client) ResolveURL(ctx context.Context, invoiceID string) (string, error) {
	var url string
	err := retry.DoFixed(ctx, c.cfg.URLPollAttempts, c.cfg.URLPollDelay, func() error {
		st, err := c.ReceiptStatus(ctx, invoiceID)
		if errors.Is(err, ErrReceiptNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		if !st.Signed() {
			return errUnsigned
		}
		url = st.URL
		return nil
	})
	if errors.Is(err, errUnsigned) {
		c.logger.Debug("receipt url not ready", "invoice_id", invoiceID)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return url, nil
}

// drainBody fully reads and closes an HTTP response body so the
// underlying connection returns to the pool.
func drainBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

var _ Gateway = (*Client)(nil)
