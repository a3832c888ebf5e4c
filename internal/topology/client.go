// Package topology is a client of the topology service, which stores the
// lab graph and knows where the agent of each managed host listens.
package topology

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bgplab/livetest/internal/canvas"
	"github.com/bgplab/livetest/internal/hosts"
)

// DefaultTimeout is the request timeout of NewClient.
const DefaultTimeout = 10 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("request failed: %s", e.Status)
}

// Client is a thin HTTP client for the topology service. It implements
// canvas.Mutator, canvas.NetworkLookup and hosts.Resolver.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
// A zero timeout selects DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// PersistLinkArc stores the arc of a BGP session or GRE tunnel link.
func (c *Client) PersistLinkArc(ctx context.Context, linkID string, arc float64, kind canvas.LinkKind) error {
	var collection string
	switch kind {
	case canvas.LinkBgpSession:
		collection = "bgp-sessions"
	case canvas.LinkGreTunnel:
		collection = "gre-tunnels"
	default:
		return fmt.Errorf("%s: %w", kind, canvas.ErrArcNotPersistable)
	}
	path := "/api/v1/" + collection + "/" + url.PathEscape(linkID) + "/arc"
	return c.doJSON(ctx, http.MethodPut, path, ArcRequest{Arc: arc}, nil)
}

// CreateLink connects a and b on network.
func (c *Client) CreateLink(ctx context.Context, a, b canvas.NodeRef, network string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/links",
		LinkRequest{Source: a.ID, Target: b.ID, Network: network}, nil)
}

// CreateBgpSession peers the BGP daemons of a and b.
func (c *Client) CreateBgpSession(ctx context.Context, a, b canvas.NodeRef) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/bgp-sessions", peerRequest(a, b), nil)
}

// CreateGreTunnel creates a GRE tunnel between a and b.
func (c *Client) CreateGreTunnel(ctx context.Context, a, b canvas.NodeRef) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/gre-tunnels", peerRequest(a, b), nil)
}

// CreateTap places a tap on n.
func (c *Client) CreateTap(ctx context.Context, n canvas.NodeRef) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/taps", TapRequest{Node: n.ID}, nil)
}

func peerRequest(a, b canvas.NodeRef) PeerRequest {
	return PeerRequest{Source: a.ID, Target: b.ID, SourceIP: a.IP, TargetIP: b.IP}
}

// SharedNetworks returns the networks both a and b are attached to.
func (c *Client) SharedNetworks(ctx context.Context, a, b canvas.NodeRef) ([]string, error) {
	q := url.Values{"a": {a.ID}, "b": {b.ID}}
	var resp NetworksResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/networks/shared?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Networks, nil
}

// Resolve returns the agent endpoint of the managed host name.
func (c *Client) Resolve(ctx context.Context, name string) (*url.URL, error) {
	var resp HostResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/hosts/"+url.PathEscape(name), nil, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, fmt.Errorf("%q: %w", name, hosts.ErrUnknownHost)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", name, err)
	}
	if resp.AgentURL == "" {
		return nil, fmt.Errorf("%q: no agent: %w", name, hosts.ErrUnknownHost)
	}
	return hosts.ParseEndpoint(resp.AgentURL)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(res.Body)
		return &StatusError{
			Code:   res.StatusCode,
			Status: res.Status,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

var (
	_ canvas.Mutator       = (*Client)(nil)
	_ canvas.NetworkLookup = (*Client)(nil)
	_ hosts.Resolver       = (*Client)(nil)
)
