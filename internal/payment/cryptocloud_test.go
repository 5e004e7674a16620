package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"querygate/internal/store"
)

func TestCreateInvoiceSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoice/create" {
			t.Errorf("path = %s, want /invoice/create", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token test-key" {
			t.Errorf("Authorization = %q, want Token test-key", got)
		}

		var req createInvoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.ShopID != "shop-1" {
			t.Errorf("shop_id = %q, want shop-1", req.ShopID)
		}
		if req.Amount != "3" {
			t.Errorf("amount = %q, want 3", req.Amount)
		}
		if !strings.HasPrefix(req.OrderID, "sub_user_42_") {
			t.Errorf("order_id = %q, want sub_user_42_ prefix", req.OrderID)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"result": map[string]string{
				"uuid": "inv_abc",
				"link": "https://pay.example/inv_abc",
			},
		})
	}))
	defer server.Close()

	client := NewCryptoCloudClientWithBaseURL("test-key", "shop-1", server.URL, 0)
	inv, err := client.CreateInvoice(context.Background(), "user_42", 3, "USD")
	if err != nil {
		t.Fatalf("CreateInvoice() error: %v", err)
	}
	if inv.InvoiceID != "inv_abc" {
		t.Errorf("InvoiceID = %q, want inv_abc", inv.InvoiceID)
	}
	if inv.CheckoutURL != "https://pay.example/inv_abc" {
		t.Errorf("CheckoutURL = %q", inv.CheckoutURL)
	}
	if inv.Status != store.InvoicePending {
		t.Errorf("Status = %q, want pending", inv.Status)
	}
	if inv.UserID != "user_42" || inv.Amount != 3 || inv.Currency != "USD" {
		t.Errorf("unexpected invoice fields: %+v", inv)
	}
}

func TestCreateInvoiceRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "error",
			"message": "invalid shop",
		})
	}))
	defer server.Close()

	client := NewCryptoCloudClientWithBaseURL("test-key", "shop-1", server.URL, 0)
	_, err := client.CreateInvoice(context.Background(), "user_1", 3, "USD")

	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("error = %v, want *TerminalError", err)
	}
	if !strings.Contains(terminal.Reason, "invalid shop") {
		t.Errorf("Reason = %q, want processor message included", terminal.Reason)
	}
}

func TestCreateInvoiceServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewCryptoCloudClientWithBaseURL("test-key", "shop-1", server.URL, 0)
	_, err := client.CreateInvoice(context.Background(), "user_1", 3, "USD")

	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("error = %v, want *TransientError", err)
	}
}

func TestInvoiceStatus(t *testing.T) {
	tests := []struct {
		name       string
		httpStatus int
		remote     string
		want       store.InvoiceStatus
		transient  bool
		terminal   bool
	}{
		{name: "created_is_pending", httpStatus: 200, remote: "created", want: store.InvoicePending},
		{name: "partial_is_pending", httpStatus: 200, remote: "partial", want: store.InvoicePending},
		{name: "paid", httpStatus: 200, remote: "paid", want: store.InvoicePaid},
		{name: "overpaid_is_paid", httpStatus: 200, remote: "overpaid", want: store.InvoicePaid},
		{name: "expired", httpStatus: 200, remote: "expired", want: store.InvoiceExpired},
		{name: "canceled_is_failed", httpStatus: 200, remote: "canceled", want: store.InvoiceFailed},
		{name: "unknown_status_transient", httpStatus: 200, remote: "glitch", transient: true},
		{name: "rate_limited_transient", httpStatus: 429, transient: true},
		{name: "server_error_transient", httpStatus: 503, transient: true},
		{name: "not_found_terminal", httpStatus: 404, terminal: true},
		{name: "forbidden_terminal", httpStatus: 403, terminal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("uuid"); got != "inv_1" {
					t.Errorf("uuid = %q, want inv_1", got)
				}
				w.WriteHeader(tt.httpStatus)
				if tt.httpStatus == http.StatusOK {
					json.NewEncoder(w).Encode(map[string]any{
						"status": "success",
						"result": map[string]string{"status": tt.remote},
					})
				}
			}))
			defer server.Close()

			client := NewCryptoCloudClientWithBaseURL("test-key", "shop-1", server.URL, 0)
			status, err := client.InvoiceStatus(context.Background(), "inv_1")

			switch {
			case tt.transient:
				var transient *TransientError
				if !errors.As(err, &transient) {
					t.Fatalf("error = %v, want *TransientError", err)
				}
			case tt.terminal:
				var terminal *TerminalError
				if !errors.As(err, &terminal) {
					t.Fatalf("error = %v, want *TerminalError", err)
				}
			default:
				if err != nil {
					t.Fatalf("InvoiceStatus() error: %v", err)
				}
				if status != tt.want {
					t.Fatalf("status = %q, want %q", status, tt.want)
				}
			}
		})
	}
}

func TestInvoiceStatusConnectionErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	client := NewCryptoCloudClientWithBaseURL("test-key", "shop-1", server.URL, 0)
	_, err := client.InvoiceStatus(context.Background(), "inv_1")

	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("error = %v, want *TransientError", err)
	}
}
