package sms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSendPostsFormWithBasicAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("missing basic auth, got %q/%q", user, pass)
		}
		if !strings.HasSuffix(r.URL.Path, "/Accounts/AC123/Messages.json") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("To"); got != "+16125551234" {
			t.Errorf("unexpected To %q", got)
		}
		if got := r.PostForm.Get("From"); got != "+16125550000" {
			t.Errorf("unexpected From %q", got)
		}
		if got := r.PostForm.Get("Body"); got == "" {
			t.Error("empty body")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "AC123", "secret", "+16125550000")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Send(context.Background(), "+16125551234", "SPIKE ALERT!"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSendRejectsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "AC123", "secret", "+16125550000")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Send(context.Background(), "+16125551234", "hi"); err == nil {
		t.Fatal("expected error on http 400")
	}
}

func TestListInboundReturnsOldestFirst(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("To"); got != "+16125550000" {
			t.Errorf("expected inbound filter on our number, got %q", got)
		}
		payload := `{"messages": [
			{"sid": "SM2", "from": "+16125551234", "to": "+16125550000", "body": "STOP", "date_sent": "Fri, 28 Aug 2026 15:00:00 +0000"},
			{"sid": "SM1", "from": "+16125555678", "to": "+16125550000", "body": "hello", "date_sent": "Fri, 28 Aug 2026 14:00:00 +0000"}
		]}`
		if _, err := w.Write([]byte(payload)); err != nil {
			t.Errorf("write payload: %v", err)
		}
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "AC123", "secret", "+16125550000")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	messages, err := client.ListInbound(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("list inbound: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].SID != "SM1" || messages[1].SID != "SM2" {
		t.Fatalf("expected oldest first, got %s then %s", messages[0].SID, messages[1].SID)
	}
	if messages[1].Body != "STOP" {
		t.Fatalf("unexpected body %q", messages[1].Body)
	}
}

func TestPurgeHistoryDeletesBothDirections(t *testing.T) {
	var deleted []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		query := r.URL.Query()
		if query.Get("To") == "+16125551234" {
			w.Write([]byte(`{"messages": [{"sid": "SMout"}]}`))
			return
		}
		if query.Get("From") == "+16125551234" {
			w.Write([]byte(`{"messages": [{"sid": "SMin"}]}`))
			return
		}
		w.Write([]byte(`{"messages": []}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "AC123", "secret", "+16125550000")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.PurgeHistory(context.Background(), "+16125551234"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected 2 deletes, got %v", deleted)
	}
}
