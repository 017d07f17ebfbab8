package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openshift-cloudigrade/usage-tracker/infrastructure/ratelimit"
)

func TestNotifyPostsAvailabilityPayload(t *testing.T) {
	var received payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, ratelimit.DefaultConfig())
	if err := n.Notify(context.Background(), "acct-1", StatusUnavailable, "permission denied"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received.AccountID != "acct-1" || received.AvailabilityStatus != string(StatusUnavailable) {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestNotifyTreats404AsNonFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	n := New(srv.URL, ratelimit.DefaultConfig())
	if err := n.Notify(context.Background(), "acct-1", StatusAvailable, ""); err != nil {
		t.Fatalf("expected 404 to be treated as non-fatal, got %v", err)
	}
}

func TestNotifyReturnsErrorOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL, ratelimit.DefaultConfig())
	if err := n.Notify(context.Background(), "acct-1", StatusAvailable, ""); err == nil {
		t.Fatalf("expected error on 500 response")
	}
}

func TestNotifyIsNoOpWithoutURL(t *testing.T) {
	n := New("", ratelimit.DefaultConfig())
	if err := n.Notify(context.Background(), "acct-1", StatusAvailable, ""); err != nil {
		t.Fatalf("expected disabled notifier to be a no-op, got %v", err)
	}
}
