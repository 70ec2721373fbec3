package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// dialSession runs a real upgrade against the registry and returns the
// client side of the connection.
func dialSession(t *testing.T, reg *WSRegistry, driverID string) *websocket.Conn {
	t.Helper()
	added := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		reg.Add(driverID, conn)
		added <- struct{}{}
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	<-added
	return client
}

func TestRegistryOfferToMissingSession(t *testing.T) {
	reg := NewWSRegistry(nil)
	if err := reg.Offer("ghost", OfferNote{RideID: "r1"}); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRegistryDeliversOffer(t *testing.T) {
	reg := NewWSRegistry(nil)
	client := dialSession(t, reg, "d1")

	note := OfferNote{RideID: "r1", PriceCents: 1200, ExpiresAtMs: 99}
	if err := reg.Offer("d1", note); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	var got OfferNote
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RideID != "r1" || got.PriceCents != 1200 || got.ExpiresAtMs != 99 {
		t.Fatalf("bad note: %+v", got)
	}
}

func TestRegistryReplaceClosesOldSession(t *testing.T) {
	reg := NewWSRegistry(nil)
	first := dialSession(t, reg, "d1")
	second := dialSession(t, reg, "d1")

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("replaced session must be closed")
	}

	if err := reg.Offer("d1", OfferNote{RideID: "r1"}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	var got OfferNote
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := second.ReadJSON(&got); err != nil {
		t.Fatalf("read on live session: %v", err)
	}
	if got.RideID != "r1" {
		t.Fatalf("bad note: %+v", got)
	}
}

func TestRegistryRemove(t *testing.T) {
	reg := NewWSRegistry(nil)
	_ = dialSession(t, reg, "d1")
	reg.Remove("d1")
	if err := reg.Offer("d1", OfferNote{}); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession after remove, got %v", err)
	}
}
