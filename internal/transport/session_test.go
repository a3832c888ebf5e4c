package transport_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/bgplab/livetest/internal/transport"
	"github.com/bgplab/livetest/pkg/livetest/spec"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a transport.Handler that records every event.
type recorder struct {
	mu     sync.Mutex
	events []string
	msgs   []transport.Message
	errs   []error
	closes int
}

func (r *recorder) OnMessage(_ *transport.Session, m transport.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "message")
	r.msgs = append(r.msgs, m)
}

func (r *recorder) OnError(_ *transport.Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "error")
	r.errs = append(r.errs, err)
}

func (r *recorder) OnClose(_ *transport.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "close")
	r.closes++
}

func (r *recorder) snapshot() ([]string, []transport.Message, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]transport.Message(nil), r.msgs...),
		append([]error(nil), r.errs...), r.closes
}

func setupTestServer(t *testing.T, h func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{spec.SecWebSocketProtocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		h(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// closeNormally sends a normal close frame and waits for the peer's reply.
func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitDone(t *testing.T, s *transport.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestSession_PayloadAndOrdering(t *testing.T) {
	received := make(chan string, 1)
	srv := setupTestServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		for i := 0; i < 100; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("line %d", i)))
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"output":"structured"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"output": broken`))
		closeNormally(conn)
	})

	rec := &recorder{}
	s := transport.Open(context.Background(), transport.RoleTest, wsURL(srv),
		map[string]string{"tool": "ping"}, rec)
	waitDone(t, s)
	defer s.Close()

	select {
	case got := <-received:
		if got != `{"tool":"ping"}` {
			t.Errorf("server received payload %q", got)
		}
	default:
		t.Fatal("payload was not sent")
	}

	events, msgs, errs, closes := rec.snapshot()
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if closes != 1 || events[len(events)-1] != "close" {
		t.Fatalf("OnClose count = %d, last event = %q", closes, events[len(events)-1])
	}
	if len(msgs) != 102 {
		t.Fatalf("received %d messages, want 102", len(msgs))
	}
	for i := 0; i < 100; i++ {
		if want := fmt.Sprintf("line %d", i); msgs[i].Text() != want || msgs[i].Structured {
			t.Fatalf("message %d = %q (structured=%v), want raw %q", i,
				msgs[i].Text(), msgs[i].Structured, want)
		}
	}

	var v struct{ Output string }
	if err := msgs[100].Decode(&v); err != nil || v.Output != "structured" {
		t.Errorf("structured message decode = %+v, %v", v, err)
	}
	if msgs[101].Structured {
		t.Error("malformed JSON was marked as structured")
	}
	if err := msgs[101].Decode(&v); !errors.Is(err, transport.ErrNotStructured) {
		t.Errorf("Decode() of raw message = %v, want ErrNotStructured", err)
	}
	if msgs[101].Text() != `{"output": broken` {
		t.Errorf("raw fallback payload = %q", msgs[101].Text())
	}
}

func TestSession_SendBeforeOpen(t *testing.T) {
	release := make(chan struct{})
	srv := setupTestServer(t, func(conn *websocket.Conn) {
		closeNormally(conn)
	})
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}

	rec := &recorder{}
	s := transport.Open(context.Background(), transport.RoleTest, wsURL(srv), nil, rec,
		transport.WithDialer(dialer))

	err := s.Send("too early")
	if !errors.Is(err, transport.ErrNotReady) {
		t.Errorf("Send() before open = %v, want ErrNotReady", err)
	}
	close(release)
	waitDone(t, s)

	_, _, errs, closes := rec.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], transport.ErrNotReady) {
		t.Errorf("OnError received %v, want a single ErrNotReady", errs)
	}
	if closes != 1 {
		t.Errorf("OnClose called %d times", closes)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Run("before-open", func(t *testing.T) {
		dialer := &websocket.Dialer{
			NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		rec := &recorder{}
		s := transport.Open(context.Background(), transport.RoleMonitor, "ws://192.0.2.1/", nil, rec,
			transport.WithDialer(dialer))
		s.Close()
		s.Close()
		waitDone(t, s)
		events, _, _, closes := rec.snapshot()
		if closes != 1 || len(events) != 1 {
			t.Errorf("events = %v, want a single close", events)
		}
	})

	t.Run("while-open", func(t *testing.T) {
		opened := make(chan struct{})
		srv := setupTestServer(t, func(conn *websocket.Conn) {
			close(opened)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		})
		rec := &recorder{}
		s := transport.Open(context.Background(), transport.RoleViewer, wsURL(srv), nil, rec)
		<-opened
		s.Close()
		s.Close()
		waitDone(t, s)
		if s.IsOpen() {
			t.Error("IsOpen() = true after Close")
		}

		// Nothing is delivered after OnClose.
		if err := s.Send("late"); !errors.Is(err, transport.ErrClosed) {
			t.Errorf("Send() after close = %v, want ErrClosed", err)
		}
		events, _, errs, closes := rec.snapshot()
		if closes != 1 || len(errs) != 0 {
			t.Errorf("events after close = %v", events)
		}
	})
}

func TestSession_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rec := &recorder{}
	s := transport.Open(context.Background(), transport.RoleStop, wsURL(srv), "id", rec)
	waitDone(t, s)

	events, _, errs, closes := rec.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], transport.ErrTransport) {
		t.Fatalf("errors = %v, want one ErrTransport", errs)
	}
	if closes != 1 || events[0] != "error" || events[1] != "close" {
		t.Errorf("events = %v, want [error close]", events)
	}
}

func TestSession_AbnormalRemoteClose(t *testing.T) {
	srv := setupTestServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("partial"))
		// Drop the TCP connection without a close frame.
		conn.UnderlyingConn().Close()
	})
	rec := &recorder{}
	s := transport.Open(context.Background(), transport.RoleTest, wsURL(srv), nil, rec)
	waitDone(t, s)

	events, _, errs, _ := rec.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], transport.ErrTransport) {
		t.Errorf("errors = %v, want one ErrTransport", errs)
	}
	want := []string{"message", "error", "close"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
}
