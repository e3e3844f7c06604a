package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"organictrace/pkg/domain"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPClient talks to a ledger gateway over JSON. The gateway signs and
// submits transactions on behalf of the named signer and blocks until the
// transaction is final.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// HTTPOption customises an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient swaps the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// WithBearerToken sets the Authorization header sent to the gateway.
func WithBearerToken(token string) HTTPOption {
	return func(h *HTTPClient) { h.token = token }
}

// NewHTTPClient constructs a gateway client rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ledger gateway url required")
	}
	h := &HTTPClient{baseURL: baseURL, http: &http.Client{Timeout: 60 * time.Second}}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type submitRequest struct {
	Operation Operation `json:"operation"`
	Args      Args      `json:"args"`
	Signer    string    `json:"signer"`
}

type queryRequest struct {
	Operation QueryOperation `json:"operation"`
	Args      Args           `json:"args"`
}

type queryResponse struct {
	Value Value `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Submit posts a transaction and waits for its receipt.
func (h *HTTPClient) Submit(ctx context.Context, op Operation, args Args, signer string) (Receipt, error) {
	var receipt Receipt
	if err := h.post(ctx, "/v1/transactions", string(op), submitRequest{Operation: op, Args: args, Signer: signer}, &receipt); err != nil {
		return Receipt{}, err
	}
	if receipt.TxRef == "" {
		return Receipt{}, domain.LedgerError{Operation: string(op), Transient: true, Err: errors.New("gateway returned receipt without tx ref")}
	}
	return receipt, nil
}

// Query posts a read-only call.
func (h *HTTPClient) Query(ctx context.Context, op QueryOperation, args Args) (Value, error) {
	var resp queryResponse
	if err := h.post(ctx, "/v1/queries", string(op), queryRequest{Operation: op, Args: args}, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (h *HTTPClient) post(ctx context.Context, path, op string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.LedgerError{Operation: op, Err: errors.Wrap(err, "encode request")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return domain.LedgerError{Operation: op, Err: errors.Wrap(err, "build request")}
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return domain.LedgerError{Operation: op, Transient: true, Err: errors.Wrap(ErrUnavailable, err.Error())}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.LedgerError{Operation: op, Transient: true, Err: errors.Wrap(ErrUnavailable, err.Error())}
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return domain.LedgerError{Operation: op, Transient: true, Err: errors.Wrapf(ErrUnavailable, "gateway status %d: %s", resp.StatusCode, gatewayMessage(raw))}
	case resp.StatusCode >= 400:
		return domain.LedgerError{Operation: op, Err: errors.Wrapf(ErrRejected, "gateway status %d: %s", resp.StatusCode, gatewayMessage(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.LedgerError{Operation: op, Transient: true, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

func gatewayMessage(raw []byte) string {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
