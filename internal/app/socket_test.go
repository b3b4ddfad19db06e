package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relay/api/internal/config"
)

type wireFrame struct {
	Event string          `json:"event"`
	AckID *int64          `json:"ackId"`
	Data  json.RawMessage `json:"data"`
}

func defaultTestConfig() config.Config {
	return config.Config{
		CORSOrigin:      "*",
		DedupCapacity:   100,
		SendBuffer:      16,
		WriteTimeout:    2 * time.Second,
		IdleTimeout:     5 * time.Second,
		MaxMessageBytes: 1 << 16,
	}
}

func startRelay(t *testing.T) (*Service, *SocketHub, string) {
	t.Helper()
	cfg := defaultTestConfig()
	svc := New(cfg, nil)
	hub := NewSocketHub(svc, cfg)
	ts := httptest.NewServer(NewHTTPServer(svc, hub, cfg.CORSOrigin).Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return svc, hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	// Every connection is greeted with the workspace list.
	readUntil(t, conn, func(f wireFrame) bool { return f.Event == EventWorkspaces })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, ackID int64, kind RequestKind, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(inboundFrame{Event: kind, AckID: &ackID, Data: raw}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readUntil returns the first frame accepted by match, failing after a deadline.
// Frames read before the match are returned as skipped.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wireFrame) bool) (wireFrame, []wireFrame) {
	t.Helper()
	var skipped []wireFrame
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if match(frame) {
			return frame, skipped
		}
		skipped = append(skipped, frame)
	}
}

func readAck(t *testing.T, conn *websocket.Conn, ackID int64) (AckResult, []wireFrame) {
	t.Helper()
	frame, skipped := readUntil(t, conn, func(f wireFrame) bool {
		return f.Event == EventAck && f.AckID != nil && *f.AckID == ackID
	})
	var ack AckResult
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack, skipped
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSocketRoundTrip(t *testing.T) {
	svc, hub, url := startRelay(t)
	a := dial(t, url)
	b := dial(t, url)

	send(t, a, 1, KindCreateWorkspace, map[string]string{"workspaceId": "ws-1"})
	if ack, _ := readAck(t, a, 1); !ack.Success {
		t.Fatalf("create-workspace failed: %+v", ack)
	}
	readUntil(t, b, func(f wireFrame) bool { return f.Event == EventWorkspaces })

	send(t, a, 2, KindSubscribe, map[string]string{"workspaceId": "ws-1"})
	if ack, _ := readAck(t, a, 2); !ack.Success {
		t.Fatalf("subscribe a failed: %+v", ack)
	}
	send(t, b, 3, KindSubscribe, map[string]string{"workspaceId": "ws-1"})
	if ack, _ := readAck(t, b, 3); !ack.Success {
		t.Fatalf("subscribe b failed: %+v", ack)
	}

	send(t, a, 4, KindPatch, map[string]any{"workspaceId": "ws-1", "patchId": "p-1", "patches": []int{1, 2}})
	ack, skipped := readAck(t, a, 4)
	if !ack.Success {
		t.Fatalf("patch failed: %+v", ack)
	}
	for _, frame := range skipped {
		if frame.Event == EventPatch {
			t.Fatal("patch echoed to sender")
		}
	}
	patch, _ := readUntil(t, b, func(f wireFrame) bool { return f.Event == EventPatch })
	var relayed map[string]any
	_ = json.Unmarshal(patch.Data, &relayed)
	if relayed["patchId"] != "p-1" {
		t.Fatalf("unexpected relayed patch: %s", patch.Data)
	}

	send(t, b, 5, KindPatch, map[string]any{"workspaceId": "ws-1", "patchId": "p-1"})
	if ack, _ := readAck(t, b, 5); ack.Success || ack.Code != "DUPLICATE_MUTATION" {
		t.Fatalf("expected duplicate ack, got %+v", ack)
	}

	_ = b.Close()
	waitFor(t, "b to be released", func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return hub.ConnectionCount() == 1 && len(svc.rooms.Members("ws-1")) == 1
	})
}

func TestSocketMalformedFrames(t *testing.T) {
	_, _, url := startRelay(t)
	conn := dial(t, url)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":7,"ackId":9}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack, _ := readAck(t, conn, 9)
	if ack.Success || ack.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation failure, got %+v", ack)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection survives and keeps answering.
	send(t, conn, 10, KindSubscribe, map[string]string{"workspaceId": "missing"})
	ack, _ = readAck(t, conn, 10)
	if ack.Success || ack.Code != "NOT_FOUND" {
		t.Fatalf("expected not found, got %+v", ack)
	}
}

func TestSocketWithoutAckIDGetsNoAck(t *testing.T) {
	_, _, url := startRelay(t)
	conn := dial(t, url)

	if err := conn.WriteJSON(map[string]any{"event": KindCreateWorkspace, "data": map[string]string{"workspaceId": "ws-1"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, conn, 1, KindCreateWorkspace, map[string]string{"workspaceId": "ws-2"})
	_, skipped := readAck(t, conn, 1)
	for _, frame := range skipped {
		if frame.Event == EventAck {
			t.Fatalf("unexpected ack for request without ackId: %s", frame.Data)
		}
	}
}

func TestSlowClientIsClosed(t *testing.T) {
	serverConns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- conn
	}))
	defer ts.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	client := &socketClient{
		id:   "slow",
		conn: <-serverConns,
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}

	client.enqueue([]byte(`{"event":"message","data":"one"}`))
	client.enqueue([]byte(`{"event":"message","data":"two"}`))

	select {
	case <-client.done:
	default:
		t.Fatal("client with a full queue should be closed")
	}
	// Enqueue after close is dropped without blocking or panicking.
	client.enqueue([]byte(`{"event":"message","data":"three"}`))
}

func TestSendToUnknownConnectionIsDropped(t *testing.T) {
	cfg := defaultTestConfig()
	hub := NewSocketHub(New(cfg, nil), cfg)
	hub.SendTo("gone", []byte(`{}`))
	hub.BroadcastAll([]byte(`{}`))
	if hub.ConnectionCount() != 0 {
		t.Fatal("expected no connections")
	}
}
