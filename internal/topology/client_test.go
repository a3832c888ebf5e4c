package topology

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bgplab/livetest/internal/canvas"
	"github.com/bgplab/livetest/internal/hosts"
)

type recorded struct {
	method string
	path   string
	body   string
}

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) get() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.calls...)
}

func newTestServer(t *testing.T, status int, reply string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, recorded{r.Method, r.URL.RequestURI(), string(body)})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(s.Close)
	return s, rec
}

var (
	r1 = canvas.NodeRef{ID: "n1", Host: "r1", IP: "10.0.0.1"}
	r2 = canvas.NodeRef{ID: "n2", Host: "r2", IP: "10.0.0.2"}
)

func TestClient_Mutations(t *testing.T) {
	tests := []struct {
		name     string
		call     func(context.Context, *Client) error
		wantPath string
		wantBody any
	}{
		{
			name: "arc-bgp",
			call: func(ctx context.Context, c *Client) error {
				return c.PersistLinkArc(ctx, "s1", 12.5, canvas.LinkBgpSession)
			},
			wantPath: "PUT /api/v1/bgp-sessions/s1/arc",
			wantBody: ArcRequest{Arc: 12.5},
		},
		{
			name: "arc-gre",
			call: func(ctx context.Context, c *Client) error {
				return c.PersistLinkArc(ctx, "t1", -3, canvas.LinkGreTunnel)
			},
			wantPath: "PUT /api/v1/gre-tunnels/t1/arc",
			wantBody: ArcRequest{Arc: -3},
		},
		{
			name: "link",
			call: func(ctx context.Context, c *Client) error {
				return c.CreateLink(ctx, r1, r2, "lan0")
			},
			wantPath: "POST /api/v1/links",
			wantBody: LinkRequest{Source: "n1", Target: "n2", Network: "lan0"},
		},
		{
			name: "bgp",
			call: func(ctx context.Context, c *Client) error {
				return c.CreateBgpSession(ctx, r1, r2)
			},
			wantPath: "POST /api/v1/bgp-sessions",
			wantBody: PeerRequest{Source: "n1", Target: "n2", SourceIP: "10.0.0.1", TargetIP: "10.0.0.2"},
		},
		{
			name: "gre",
			call: func(ctx context.Context, c *Client) error {
				return c.CreateGreTunnel(ctx, r2, r1)
			},
			wantPath: "POST /api/v1/gre-tunnels",
			wantBody: PeerRequest{Source: "n2", Target: "n1", SourceIP: "10.0.0.2", TargetIP: "10.0.0.1"},
		},
		{
			name: "tap",
			call: func(ctx context.Context, c *Client) error {
				return c.CreateTap(ctx, r1)
			},
			wantPath: "POST /api/v1/taps",
			wantBody: TapRequest{Node: "n1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, calls := newTestServer(t, http.StatusOK, `{}`)
			c := NewClient(s.URL+"/", 0)
			if err := tt.call(context.Background(), c); err != nil {
				t.Fatalf("call failed: %v", err)
			}
			all := calls.get()
			if len(all) != 1 {
				t.Fatalf("got %d requests, want 1", len(all))
			}
			got := all[0]
			if got.method+" "+got.path != tt.wantPath {
				t.Errorf("request = %s %s, want %s", got.method, got.path, tt.wantPath)
			}
			want, _ := json.Marshal(tt.wantBody)
			if got.body != string(want) {
				t.Errorf("body = %s, want %s", got.body, want)
			}
		})
	}
}

func TestClient_ArcNotPersistable(t *testing.T) {
	s, calls := newTestServer(t, http.StatusOK, `{}`)
	c := NewClient(s.URL, 0)
	err := c.PersistLinkArc(context.Background(), "l1", 1, canvas.LinkNetwork)
	if !errors.Is(err, canvas.ErrArcNotPersistable) {
		t.Errorf("err = %v, want ErrArcNotPersistable", err)
	}
	if len(calls.get()) != 0 {
		t.Errorf("request sent for a network link")
	}
}

func TestClient_ErrorIncludesBody(t *testing.T) {
	s, _ := newTestServer(t, http.StatusConflict, `{"error":"link exists"}`)
	c := NewClient(s.URL, 0)
	err := c.CreateLink(context.Background(), r1, r2, "")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusConflict {
		t.Fatalf("err = %v, want StatusError 409", err)
	}
	if !strings.Contains(err.Error(), `"error":"link exists"`) {
		t.Errorf("error missing body: %q", err)
	}
}

func TestClient_SharedNetworks(t *testing.T) {
	s, calls := newTestServer(t, http.StatusOK, `{"networks":["lan0","lan1"]}`)
	c := NewClient(s.URL, 0)
	got, err := c.SharedNetworks(context.Background(), r1, r2)
	if err != nil {
		t.Fatalf("SharedNetworks: %v", err)
	}
	if strings.Join(got, ",") != "lan0,lan1" {
		t.Errorf("networks = %q", got)
	}
	if p := calls.get()[0].path; p != "/api/v1/networks/shared?a=n1&b=n2" {
		t.Errorf("path = %s", p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.SharedNetworks(ctx, r1, r2); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled lookup: err = %v, want context.Canceled", err)
	}
}

func TestClient_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		reply   string
		want    string
		wantErr error
	}{
		{name: "ok", status: http.StatusOK, reply: `{"name":"r1","agent_url":"http://10.0.0.1:8780"}`, want: "ws://10.0.0.1:8780"},
		{name: "not-found", status: http.StatusNotFound, reply: `{}`, wantErr: hosts.ErrUnknownHost},
		{name: "no-agent", status: http.StatusOK, reply: `{"name":"r1"}`, wantErr: hosts.ErrUnknownHost},
		{name: "bad-url", status: http.StatusOK, reply: `{"agent_url":"ftp://x"}`, wantErr: hosts.ErrInvalidEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, calls := newTestServer(t, tt.status, tt.reply)
			c := NewClient(s.URL, 0)
			u, err := c.Resolve(context.Background(), "r1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || u.String() != tt.want {
				t.Errorf("Resolve = %v, %v, want %s", u, err, tt.want)
			}
			if p := calls.get()[0].path; p != "/api/v1/hosts/r1" {
				t.Errorf("path = %s", p)
			}
		})
	}
}
