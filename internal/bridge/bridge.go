// Package bridge relays a ShellSession over a WebSocket connection: binary
// frames carry terminal bytes in both directions, text frames carry resize
// control messages.
package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mobilessh/sshcore/internal/shell"
	"github.com/mobilessh/sshcore/internal/streamring"
)

// Session bridges one ShellSession to one WebSocket connection for its
// lifetime. Close either side to tear down the other.
type Session struct {
	conn  *websocket.Conn
	shell *shell.ShellSession

	mu sync.Mutex
}

// Serve starts the two relay directions and blocks until either side
// closes. The shell's existing ring/listener state (including any prior
// history) is replayed to the socket before live bytes.
func Serve(conn *websocket.Conn, sess *shell.ShellSession) error {
	b := &Session{conn: conn, shell: sess}

	listenerID := sess.AddListener(shell.ListenerFunc(b.onShellEvent), shell.AddListenerOptions{
		Cursor: streamring.HeadCursor(),
	})
	defer sess.RemoveListener(listenerID)

	return b.pumpInbound()
}

func (b *Session) onShellEvent(ev shell.ShellEvent) {
	switch e := ev.(type) {
	case shell.ChunkEvent:
		b.mu.Lock()
		_ = b.conn.WriteMessage(websocket.BinaryMessage, e.Chunk.Bytes)
		b.mu.Unlock()
	case shell.DroppedEvent:
		b.mu.Lock()
		_ = b.conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("dropped:%d:%d", e.FromSeq, e.ToSeq)))
		b.mu.Unlock()
	}
}

// pumpInbound reads frames from the socket: binary frames are written to
// the shell's stdin, text frames of the form "resize:cols:rows" or
// "resize:cols:rows:pixelWidth:pixelHeight" trigger a PTY resize.
func (b *Session) pumpInbound() error {
	for {
		kind, data, err := b.conn.ReadMessage()
		if err != nil {
			return err
		}
		switch kind {
		case websocket.BinaryMessage:
			if err := b.shell.SendData(data); err != nil {
				return err
			}
		case websocket.TextMessage:
			b.handleControl(string(data))
		}
	}
}

func (b *Session) handleControl(msg string) {
	parts := strings.Split(msg, ":")
	if len(parts) != 3 && len(parts) != 5 {
		return
	}
	if parts[0] != "resize" {
		return
	}
	cols, err1 := strconv.Atoi(parts[1])
	rows, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return
	}
	var pixelWidth, pixelHeight int
	if len(parts) == 5 {
		pw, err3 := strconv.Atoi(parts[3])
		ph, err4 := strconv.Atoi(parts[4])
		if err3 != nil || err4 != nil {
			return
		}
		pixelWidth, pixelHeight = pw, ph
	}
	_ = b.shell.ResizePty(uint16(cols), uint16(rows), uint16(pixelWidth), uint16(pixelHeight))
}
