package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobilessh/sshcore/internal/connection"
	"github.com/mobilessh/sshcore/internal/shell"
	"github.com/mobilessh/sshcore/internal/sshtest"
)

func acceptAnyServerKey() connection.ServerKeyCallback {
	return connection.ServerKeyCallbackFunc(func(connection.ServerPublicKeyInfo) bool { return true })
}

// startEchoBridge wires a fixture sshd's echoing PTY session to a
// httptest WebSocket server via Serve, and returns a client conn dialed to
// it plus a cleanup func.
func startEchoBridge(t *testing.T) (*websocket.Conn, func()) {
	t.Helper()

	srv, err := sshtest.Start(sshtest.Config{Password: "p", Echo: true})
	if err != nil {
		t.Fatalf("start fixture: %v", err)
	}

	conn, err := connection.Connect(context.Background(), connection.ConnectOptions{
		Host:        srv.Host(),
		Port:        srv.Port(),
		User:        "tester",
		Credentials: connection.Credentials{Password: "p"},
		ServerKey:   acceptAnyServerKey(),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sess, err := conn.StartShell(shell.StartShellOptions{})
	if err != nil {
		t.Fatalf("StartShell: %v", err)
	}

	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer close(done)
		_ = Serve(wsConn, sess)
	}))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	cleanup := func() {
		client.Close()
		<-done
		sess.Close()
		conn.Disconnect()
		srv.Close()
		ts.Close()
	}
	return client, cleanup
}

func TestServeRelaysBinaryFramesBothWays(t *testing.T) {
	client, cleanup := startEchoBridge(t)
	defer cleanup()

	if err := client.WriteMessage(websocket.BinaryMessage, []byte("hello-bridge")); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []byte
	for !strings.Contains(string(got), "hello-bridge") {
		kind, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind == websocket.BinaryMessage {
			got = append(got, data...)
		}
	}
}

func TestHandleControlAcceptsBothResizeFormats(t *testing.T) {
	client, cleanup := startEchoBridge(t)
	defer cleanup()

	if err := client.WriteMessage(websocket.TextMessage, []byte("resize:120:40")); err != nil {
		t.Fatalf("write short resize: %v", err)
	}
	if err := client.WriteMessage(websocket.TextMessage, []byte("resize:120:40:900:600")); err != nil {
		t.Fatalf("write pixel resize: %v", err)
	}
	if err := client.WriteMessage(websocket.TextMessage, []byte("bogus:message")); err != nil {
		t.Fatalf("write bogus message: %v", err)
	}

	// The connection should still be alive and relaying after the control
	// messages above; a malformed or valid resize must never kill it.
	if err := client.WriteMessage(websocket.BinaryMessage, []byte("still-alive")); err != nil {
		t.Fatalf("write after control messages: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []byte
	for !strings.Contains(string(got), "still-alive") {
		kind, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind == websocket.BinaryMessage {
			got = append(got, data...)
		}
	}
}
