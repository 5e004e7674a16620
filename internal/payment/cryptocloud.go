package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"querygate/internal/store"
)

const (
	cryptoCloudAPIURL    = "https://api.cryptocloud.plus/v2"
	defaultClientTimeout = 30 * time.Second
)

// CryptoCloudClient implements Processor against the CryptoCloud v2 API.
type CryptoCloudClient struct {
	apiKey  string
	shopID  string
	baseURL string
	client  *http.Client
}

// NewCryptoCloudClient creates a CryptoCloud API client.
// timeout is optional - pass 0 to use the default 30 second timeout
func NewCryptoCloudClient(apiKey, shopID string, timeout time.Duration) *CryptoCloudClient {
	return NewCryptoCloudClientWithBaseURL(apiKey, shopID, cryptoCloudAPIURL, timeout)
}

// NewCryptoCloudClientWithBaseURL creates a client against a custom API
// base URL. This is useful for testing and proxied deployments.
func NewCryptoCloudClientWithBaseURL(apiKey, shopID, baseURL string, timeout time.Duration) *CryptoCloudClient {
	if baseURL == "" {
		baseURL = cryptoCloudAPIURL
	}
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &CryptoCloudClient{
		apiKey:  apiKey,
		shopID:  shopID,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type createInvoiceRequest struct {
	ShopID   string `json:"shop_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	OrderID  string `json:"order_id"`
}

type createInvoiceResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  struct {
		UUID string `json:"uuid"`
		Link string `json:"link"`
	} `json:"result"`
}

type invoiceInfoResponse struct {
	Status string `json:"status"`
	Result struct {
		Status string `json:"status"`
	} `json:"result"`
}

// CreateInvoice opens an invoice with CryptoCloud and returns the issued id
// and checkout link. The invoice is not persisted here; callers own that.
func (c *CryptoCloudClient) CreateInvoice(ctx context.Context, userID string, amount float64, currency string) (*store.Invoice, error) {
	orderID := fmt.Sprintf("sub_%s_%s", userID, uuid.NewString())
	body, err := json.Marshal(createInvoiceRequest{
		ShopID:   c.shopID,
		Amount:   fmt.Sprintf("%g", amount),
		Currency: currency,
		OrderID:  orderID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoice request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoice/create", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("invoice create request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransientError{Err: fmt.Errorf("invoice create returned HTTP %d", resp.StatusCode)}
	}

	var parsed createInvoiceResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK || parsed.Status != "success" {
		msg := parsed.Message
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, &TerminalError{Reason: fmt.Sprintf("invoice creation rejected: %s", msg)}
	}
	if parsed.Result.UUID == "" {
		return nil, &TerminalError{Reason: "invoice creation response missing uuid"}
	}

	log.Debug().
		Str("user_id", userID).
		Str("invoice_id", parsed.Result.UUID).
		Str("order_id", orderID).
		Msg("Invoice created with processor")

	return &store.Invoice{
		InvoiceID:   parsed.Result.UUID,
		UserID:      userID,
		OrderID:     orderID,
		Amount:      amount,
		Currency:    currency,
		Status:      store.InvoicePending,
		CheckoutURL: parsed.Result.Link,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// InvoiceStatus queries CryptoCloud for the invoice's current status.
func (c *CryptoCloudClient) InvoiceStatus(ctx context.Context, invoiceID string) (store.InvoiceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/invoice/info?uuid="+invoiceID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("invoice status request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", &TerminalError{Reason: "invoice not found on processor"}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &TransientError{Err: fmt.Errorf("invoice status returned HTTP %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return "", &TerminalError{Reason: fmt.Sprintf("invoice status returned HTTP %d", resp.StatusCode)}
	}

	var parsed invoiceInfoResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &TransientError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return mapRemoteStatus(parsed.Result.Status)
}

func (c *CryptoCloudClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// mapRemoteStatus translates CryptoCloud invoice statuses into the local
// lifecycle. Unknown statuses are treated as transient so polling keeps
// going until the invoice resolves or the max wait elapses.
func mapRemoteStatus(remote string) (store.InvoiceStatus, error) {
	switch remote {
	case "created", "partial", "pending":
		return store.InvoicePending, nil
	case "paid", "overpaid":
		return store.InvoicePaid, nil
	case "expired":
		return store.InvoiceExpired, nil
	case "canceled", "failed":
		return store.InvoiceFailed, nil
	default:
		return "", &TransientError{Err: fmt.Errorf("unknown processor status %q", remote)}
	}
}
