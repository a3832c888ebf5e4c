package agent

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bgplab/livetest/pkg/livetest/spec"
)

// Upgrade upgrades the HTTP connection to a livetest websocket session. The
// client must request the livetest subprotocol, which is echoed back.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	if r.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("missing Sec-WebSocket-Protocol header")
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	u := websocket.Upgrader{
		// Allow cross-origin resource sharing.
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := u.Upgrade(w, r, h)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(spec.MaxMessageSize)
	return conn, nil
}

// readLoop discards client messages until the connection fails or is
// closed, then closes gone.
func readLoop(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// closeNormally sends a normal close frame. If gone is not nil it waits
// briefly for the client to finish the closing handshake.
func closeNormally(conn *websocket.Conn, gone <-chan struct{}) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	if gone == nil {
		return
	}
	select {
	case <-gone:
	case <-time.After(closeWait):
	}
}
