package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/guilds/guild-1/channels" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bot secret" {
			t.Errorf("missing bot auth header, got %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "lounge" || body["type"] != float64(4) {
			t.Errorf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "900"})
	}))
	defer srv.Close()

	client := NewRESTClient(srv.URL, "secret")
	id, err := client.CreateCategory(context.Background(), "guild-1", "lounge")
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	if id != "900" {
		t.Fatalf("expected id 900, got %s", id)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		client := NewRESTClient(srv.URL, "")
		err := client.RenameChannel(context.Background(), "123", "new-name")
		srv.Close()

		if err == nil {
			t.Fatalf("status %d must produce an error", tc.status)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError for status %d, got %T", tc.status, err)
		}
		if apiErr.Status != tc.status {
			t.Fatalf("expected status %d, got %d", tc.status, apiErr.Status)
		}
		if IsRetryable(err) != tc.retryable {
			t.Fatalf("status %d: retryable should be %v", tc.status, tc.retryable)
		}
	}
}

func TestDeleteMissingChannelIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewRESTClient(srv.URL, "")
	if err := client.DeleteChannel(context.Background(), "123"); err != nil {
		t.Fatalf("deleting an already-gone channel should succeed, got %v", err)
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	client := NewRESTClient("http://127.0.0.1:1", "")
	err := client.RenameChannel(context.Background(), "123", "x")
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if !IsRetryable(err) {
		t.Fatalf("transport errors should be retryable")
	}
}

func TestIncompleteEventIsNotRetryable(t *testing.T) {
	if IsRetryable(ErrIncompleteEvent) {
		t.Fatalf("validation failures must never retry")
	}
}
