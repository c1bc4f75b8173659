package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, u *Upgrader, onMessage MessageHandler, onClose CloseHandler) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if _, err := u.Accept(w, r, r.RemoteAddr, onMessage, onClose); err != nil {
			t.Errorf("Accept failed: %v", err)
		}
	})
	srv := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return srv, wsURL
}

func TestAcceptEchoesMessages(t *testing.T) {
	u := NewUpgrader([]string{"*"})

	var received chan []byte = make(chan []byte, 1)
	onMessage := func(tr *WSTransport, line []byte) {
		received <- line
		tr.Send(append([]byte("echo:"), line...))
	}

	srv, wsURL := newTestServer(t, u, onMessage, nil)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != `{"type":"ping"}` {
			t.Errorf("onMessage got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onMessage")
	}

	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(reply) != `echo:{"type":"ping"}` {
		t.Errorf("reply = %q", reply)
	}
}

func TestOnCloseFiresOnceWhenClientDisconnects(t *testing.T) {
	u := NewUpgrader([]string{"*"})

	closed := make(chan struct{}, 1)
	onClose := func(tr *WSTransport) {
		closed <- struct{}{}
	}

	srv, wsURL := newTestServer(t, u, nil, onClose)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onClose")
	}
}

func TestCheckOriginRejectsDisallowedOrigin(t *testing.T) {
	u := NewUpgrader([]string{"https://allowed.example"})

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if u.checkOrigin(req) {
		t.Error("expected disallowed origin to be rejected")
	}

	req.Header.Set("Origin", "https://allowed.example")
	if !u.checkOrigin(req) {
		t.Error("expected allowed origin to pass")
	}
}

func TestCheckOriginWildcardAllowsAny(t *testing.T) {
	u := NewUpgrader([]string{"*"})

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://anything.example")
	if !u.checkOrigin(req) {
		t.Error("expected wildcard to allow any origin")
	}
}
