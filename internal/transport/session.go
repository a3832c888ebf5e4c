// Package transport implements a single bidirectional streaming session to a
// livetest endpoint over WebSocket.
//
// A Session is opened asynchronously: Open returns immediately and the
// connection is established in the background. Inbound messages, errors and
// the final close are delivered to a Handler from a single goroutine per
// session, in receipt order. OnClose is delivered exactly once and nothing
// is delivered after it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/bgplab/livetest/pkg/livetest/spec"
)

const (
	// DefaultHandshakeTimeout is the default timeout for the WebSocket
	// handshake.
	DefaultHandshakeTimeout = 5 * time.Second

	closeWriteTimeout = time.Second
)

var (
	// ErrNotReady is reported when sending on a session whose connection is
	// not open yet.
	ErrNotReady = errors.New("session not ready")

	// ErrClosed is reported when sending on a closed session.
	ErrClosed = errors.New("session closed")

	// ErrTransport wraps connection-level failures.
	ErrTransport = errors.New("transport error")
)

// Role is the logical purpose of a session.
type Role string

const (
	RoleTest        = Role("test")
	RoleIperfServer = Role("iperf-server")
	RoleViewer      = Role("viewer")
	RoleMonitor     = Role("monitor")
	RoleStop        = Role("stop")
)

// Handler receives the events of a Session.
type Handler interface {
	// OnMessage is called for every inbound message, in receipt order.
	OnMessage(s *Session, m Message)
	// OnError is called on transport failures and failed sends.
	OnError(s *Session, err error)
	// OnClose is called exactly once when the session terminates.
	OnClose(s *Session)
}

// Opener is implemented by handlers that want to be notified when the
// connection is open. OnOpen is delivered before any message.
type Opener interface {
	OnOpen(s *Session)
}

// Funcs adapts plain functions to the Handler interface. Nil fields are
// ignored.
type Funcs struct {
	Message func(*Session, Message)
	Error   func(*Session, error)
	Close   func(*Session)
}

func (f Funcs) OnMessage(s *Session, m Message) {
	if f.Message != nil {
		f.Message(s, m)
	}
}

func (f Funcs) OnError(s *Session, err error) {
	if f.Error != nil {
		f.Error(s, err)
	}
}

func (f Funcs) OnClose(s *Session) {
	if f.Close != nil {
		f.Close(s)
	}
}

// DefaultDialer is the websocket.Dialer used when no other is configured.
var DefaultDialer = &websocket.Dialer{
	HandshakeTimeout: DefaultHandshakeTimeout,
	ReadBufferSize:   1 << 14,
	WriteBufferSize:  1 << 14,
}

type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

// Session is one streaming connection to a named endpoint.
type Session struct {
	role    Role
	url     string
	payload any
	handler Handler
	dialer  *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn
	state  atomic.Int32

	writeMu   sync.Mutex
	closeOnce sync.Once

	events *eventQueue
	done   chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithDialer sets the websocket.Dialer used to connect.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) {
		s.dialer = d
	}
}

// Open starts connecting to url and returns immediately. If payload is not
// nil it is sent exactly once right after the connection is open. The
// provided context bounds the dial only; use Close to end the session.
func Open(ctx context.Context, role Role, url string, payload any, h Handler, opts ...Option) *Session {
	if h == nil {
		h = Funcs{}
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		role:    role,
		url:     url,
		payload: payload,
		handler: h,
		dialer:  DefaultDialer,
		ctx:     sctx,
		cancel:  cancel,
		events:  newEventQueue(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.dispatch()
	go s.run(ctx)
	return s
}

// Role returns the session's role.
func (s *Session) Role() Role {
	return s.role
}

// URL returns the endpoint the session connects to.
func (s *Session) URL() string {
	return s.url
}

// IsOpen reports whether the connection is currently open.
func (s *Session) IsOpen() bool {
	return connState(s.state.Load()) == stateOpen
}

// Done is closed after OnClose has been delivered.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send writes payload to the connection. If the connection is not open the
// failure is reported to OnError as well as returned.
func (s *Session) Send(payload any) error {
	err := s.send(payload)
	if err != nil {
		s.reportError(err)
	}
	return err
}

func (s *Session) send(payload any) error {
	s.connMu.Lock()
	conn := s.conn
	state := connState(s.state.Load())
	s.connMu.Unlock()
	switch state {
	case stateConnecting:
		return fmt.Errorf("send to %s: %w", s.url, ErrNotReady)
	case stateClosed:
		return fmt.Errorf("send to %s: %w", s.url, ErrClosed)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to %s: %w: %w", s.url, ErrTransport, err)
	}
	return nil
}

// Close terminates the session. It is idempotent and safe to call before the
// connection is open.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.connMu.Lock()
		s.state.Store(int32(stateClosed))
		conn := s.conn
		s.connMu.Unlock()

		s.cancel()
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			// WriteControl may be called concurrently with other writes.
			_ = conn.WriteControl(websocket.CloseMessage, msg,
				time.Now().Add(closeWriteTimeout))
			conn.Close()
		}
	})
}

func (s *Session) closedByUs() bool {
	return connState(s.state.Load()) == stateClosed
}

func (s *Session) reportError(err error) {
	if s.events.push(event{kind: eventError, err: err}) {
		sessionErrors.WithLabelValues(string(s.role)).Inc()
	}
}

func (s *Session) run(dialCtx context.Context) {
	defer s.events.push(event{kind: eventClose})

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(dialCtx, cancel)
	defer stop()

	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	conn, _, err := s.dialer.DialContext(ctx, s.url, headers)
	if err != nil {
		if !s.closedByUs() {
			s.reportError(fmt.Errorf("dial %s: %w: %w", s.url, ErrTransport, err))
		}
		return
	}

	s.connMu.Lock()
	if s.closedByUs() {
		s.connMu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state.Store(int32(stateOpen))
	s.connMu.Unlock()

	openSessions.WithLabelValues(string(s.role)).Inc()
	defer openSessions.WithLabelValues(string(s.role)).Dec()
	log.Debug("session open", "role", s.role, "url", s.url)
	s.events.push(event{kind: eventOpen})

	conn.SetReadLimit(spec.MaxMessageSize)
	if s.payload != nil {
		if err := s.send(s.payload); err != nil && !s.closedByUs() {
			s.reportError(err)
		}
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !s.closedByUs() && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.reportError(fmt.Errorf("read from %s: %w: %w", s.url, ErrTransport, err))
			}
			break
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		s.events.push(event{kind: eventMessage, msg: newMessage(data)})
	}

	s.connMu.Lock()
	s.state.Store(int32(stateClosed))
	s.connMu.Unlock()
	conn.Close()
	log.Debug("session closed", "role", s.role, "url", s.url)
}

// dispatch delivers queued events to the handler until the close event.
func (s *Session) dispatch() {
	defer close(s.done)
	for range s.events.signal {
		for _, e := range s.events.drain() {
			switch e.kind {
			case eventOpen:
				if o, ok := s.handler.(Opener); ok {
					o.OnOpen(s)
				}
			case eventMessage:
				s.handler.OnMessage(s, e.msg)
			case eventError:
				s.handler.OnError(s, e.err)
			case eventClose:
				s.handler.OnClose(s)
				return
			}
		}
	}
}
