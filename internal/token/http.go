package token

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPClient talks to the asset-transfer service over HTTP/JSON.
//
// Error classification: a 4xx response is a definite rejection (the
// service parsed the request and refused it); everything else — network
// errors, timeouts, 5xx — is ambiguous, because the transfer may have
// committed before the response was lost.
type HTTPClient struct {
	rc      *resty.Client
	account string // the engine's own account on the transfer service
}

type transferRequest struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type transferResponse struct {
	ReceiptID uint64 `json:"receipt_id"`
	Error     string `json:"error,omitempty"`
}

type balanceResponse struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
}

// NewHTTPClient creates a client for the transfer service at baseURL.
// engineAccount is the engine's account: Pull credits it, Push debits it.
func NewHTTPClient(baseURL, engineAccount string, timeout time.Duration) *HTTPClient {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0) // retries are caller-driven via the pending state machine

	return &HTTPClient{rc: rc, account: engineAccount}
}

func (c *HTTPClient) Pull(ctx context.Context, from string, amount uint64) (ReceiptID, error) {
	return c.transfer(ctx, "/v1/transfer_from", transferRequest{
		From:   from,
		To:     c.account,
		Amount: amount,
	})
}

func (c *HTTPClient) Push(ctx context.Context, to string, amount uint64) (ReceiptID, error) {
	return c.transfer(ctx, "/v1/transfer", transferRequest{
		To:     to,
		Amount: amount,
	})
}

func (c *HTTPClient) transfer(ctx context.Context, path string, req transferRequest) (ReceiptID, error) {
	var resp transferResponse

	httpResp, err := c.rc.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(path)

	if err != nil {
		// Transport error or timeout: the request may have been executed.
		return 0, Ambiguousf("%s: %v", path, err)
	}

	switch {
	case httpResp.IsSuccess():
		return ReceiptID(resp.ReceiptID), nil
	case httpResp.StatusCode() >= 400 && httpResp.StatusCode() < 500:
		return 0, Rejectedf("%s: %s (status %d)", path, resp.Error, httpResp.StatusCode())
	default:
		return 0, Ambiguousf("%s: status %d", path, httpResp.StatusCode())
	}
}

func (c *HTTPClient) BalanceOf(ctx context.Context, account string) (uint64, error) {
	var resp balanceResponse

	httpResp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&resp).
		Get("/v1/balance/" + account)

	if err != nil {
		return 0, fmt.Errorf("balance_of %s: %w", account, err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("balance_of %s: status %d", account, httpResp.StatusCode())
	}
	return resp.Balance, nil
}
