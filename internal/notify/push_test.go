package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPushFallsBackToHTTP(t *testing.T) {
	var mu sync.Mutex
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL, "k1", NewWSRegistry(nil))
	if err := p.Offer("d1", OfferNote{RideID: "r1"}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer k1" {
		t.Fatalf("bad auth header: %q", gotAuth)
	}
	msg, _ := gotBody["message"].(map[string]any)
	if msg == nil || msg["token"] != "d1" {
		t.Fatalf("bad push payload: %v", gotBody)
	}
}

func TestPushPrefersLiveSession(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	reg := NewWSRegistry(nil)
	client := dialSession(t, reg, "d1")
	p := NewPushNotifier(srv.URL, "", reg)

	if err := p.Offer("d1", OfferNote{RideID: "r1"}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	var got OfferNote
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("push endpoint must not be hit when the session delivers")
	}
}

func TestPushNoChannelConfigured(t *testing.T) {
	p := NewPushNotifier("", "", NewWSRegistry(nil))
	if err := p.Offer("d1", OfferNote{}); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
