package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vubiquity/dispatchd/internal/logging"
)

func TestWebhookNotifierDeliversBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, logging.NewDefault())
	if err := n.Notify(context.Background(), "S2 HAS BEEN DISABLED"); err != nil {
		t.Fatal(err)
	}
	if gotBody != "S2 HAS BEEN DISABLED" {
		t.Fatalf("server received %q", gotBody)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, logging.NewDefault())
	n.client.RetryMax = 0
	if err := n.Notify(context.Background(), "test"); err == nil {
		t.Fatal("expected error for non-2xx/3xx response")
	}
}

func TestNullNotifierAlwaysSucceeds(t *testing.T) {
	if err := (NullNotifier{}).Notify(context.Background(), "anything"); err != nil {
		t.Fatalf("NullNotifier should never error, got %v", err)
	}
}
