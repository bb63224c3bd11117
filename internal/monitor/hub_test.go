package monitor

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStatusEvent(t *testing.T) {
	ev := StatusEvent(nil)
	if ev.Type != "status" || ev.Status != "ok" {
		t.Errorf("StatusEvent(nil) = %+v", ev)
	}

	ev = StatusEvent(errors.New("gatt: deadline exceeded"))
	if ev.Status != "gatt: deadline exceeded" {
		t.Errorf("Status = %q", ev.Status)
	}
}

func TestNotificationEvent(t *testing.T) {
	ev := NotificationEvent(2, []byte{0xca, 0xfe}, nil)
	if ev.Type != "notification" || ev.Index != 2 || ev.Data != "cafe" {
		t.Errorf("NotificationEvent = %+v", ev)
	}
	if ev.Status != "" {
		t.Errorf("Status = %q, want empty", ev.Status)
	}

	ev = NotificationEvent(0, nil, errors.New("gatt: unavailable"))
	if ev.Status != "gatt: unavailable" {
		t.Errorf("Status = %q", ev.Status)
	}
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(hub.Handler())
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClientCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), want)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)
	waitClientCount(t, hub, 1)

	hub.Broadcast(NotificationEvent(1, []byte{0x01, 0x02}, nil))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "notification" || ev.Index != 1 || ev.Data != "0102" {
		t.Errorf("received %+v", ev)
	}
}

func TestHubDropsDeadObservers(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)
	waitClientCount(t, hub, 1)

	conn.Close()

	// The writes eventually fail and the hub forgets the connection.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() > 0 {
		hub.Broadcast(StatusEvent(nil))
		time.Sleep(10 * time.Millisecond)
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0 after observer went away", got)
	}
}

func TestHubBroadcastWithNoObservers(t *testing.T) {
	hub := NewHub()
	hub.Broadcast(StatusEvent(nil)) // must not panic or block
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
}
