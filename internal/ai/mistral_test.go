package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompleteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req mistralRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Model != "mistral-medium-latest" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("messages = %+v", req.Messages)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}},
			},
		})
	}))
	defer server.Close()

	client := NewMistralClientWithBaseURL("test-key", "", server.URL, 0)
	reply, err := client.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("reply = %q, want hi there", reply)
	}
}

func TestCompleteRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewMistralClientWithBaseURL("test-key", "", server.URL, 0)
	_, err := client.Complete(context.Background(), "hello")
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("error = %v, want ErrOverloaded", err)
	}
}

func TestCompleteAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewMistralClientWithBaseURL("test-key", "", server.URL, 0)
	if _, err := client.Complete(context.Background(), "hello"); err == nil {
		t.Fatal("Complete() succeeded on HTTP 500")
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer server.Close()

	client := NewMistralClientWithBaseURL("test-key", "", server.URL, 0)
	if _, err := client.Complete(context.Background(), "hello"); err == nil {
		t.Fatal("Complete() succeeded with no choices")
	}
}
