// Package transport owns the socket pool (C5): it dials and maintains the
// gateway's bidirectional framed-JSON connections, places accounts onto
// sockets under capacity and subscribe-lock constraints, and reconnects on
// failure. The Conn/Dialer split mirrors the teacher's own separation of
// the raw connection (gorilla/websocket in the sibling go-server submodule)
// from the per-client bookkeeping layered on top of it.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
)

// Frame is one named event crossing the wire, e.g. {"event":"request",
// "data":{...}}. spec.md §6 enumerates the outbound "request" event and
// inbound "response"/"processingError"/"synchronization" events.
type Frame struct {
	Event string
	Data  map[string]any
}

// Conn is the minimal bidirectional socket contract the pool needs. The
// production implementation wraps gorilla/websocket; tests substitute an
// in-memory fake (fakeConn/fakeDialer in pool_test.go, and the fakes in
// the root package's client_test.go) to drive the socket pool and event
// router deterministically without a real network.
type Conn interface {
	WriteFrame(ctx context.Context, f Frame) error
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Dialer opens a new Conn to the gateway. url already carries the
// auth-token/clientId/protocol query string per spec.md §6.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// GorillaDialer is the production Dialer, grounded on gorilla/websocket —
// swapped in for the teacher's gobwas/ws because the wire protocol here is
// whole-message JSON frames, which gorilla's message-oriented API models
// directly (see DESIGN.md for the full rationale).
type GorillaDialer struct {
	Upgrade *gorilla.Dialer
}

// NewGorillaDialer builds a dialer with sane defaults for a long-lived
// client connection.
func NewGorillaDialer() *GorillaDialer {
	return &GorillaDialer{Upgrade: gorilla.DefaultDialer}
}

func (d *GorillaDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	conn, _, err := d.Upgrade.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct {
	conn *gorilla.Conn
}

func (c *gorillaConn) WriteFrame(ctx context.Context, f Frame) error {
	payload := map[string]any{"event": f.Event, "data": f.Data}
	return c.conn.WriteJSON(payload)
}

func (c *gorillaConn) ReadFrame(ctx context.Context) (Frame, error) {
	var payload struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := c.conn.ReadJSON(&payload); err != nil {
		return Frame{}, err
	}
	raw := []byte(payload.Data)
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = []byte(encoded)
	}
	var data map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Event: payload.Event, Data: data}, nil
}

func (c *gorillaConn) Close() error { return c.conn.Close() }

// NewClientID mints a random 10-digit decimal clientId, regenerated on
// every connect attempt per spec.md §4.5: "generate ... a random 10-digit
// clientId each attempt (the server uses clientId for sharding and session
// affinity)".
func NewClientID() string {
	// uuid gives us 128 bits of randomness; fold it down to a 10-digit
	// decimal string the way the upstream protocol expects, rather than
	// hand-rolling a PRNG.
	u := uuid.New()
	n := uint64(0)
	for _, b := range u[:8] {
		n = n<<8 | uint64(b)
	}
	n %= 10_000_000_000
	s := strconv.FormatUint(n, 10)
	for len(s) < 10 {
		s = "0" + s
	}
	return s
}

// NewSessionID mints a fresh session nonce, regenerated on every connect.
func NewSessionID() string { return uuid.New().String() }

// BuildWebsocketURL composes the gateway "/ws" URL with the auth-token,
// clientId, and protocol query parameters spec.md §6 specifies.
func BuildWebsocketURL(baseURL, token, clientID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	u.Path = joinPath(u.Path, "ws")
	q := u.Query()
	q.Set("auth-token", token)
	q.Set("clientId", clientID)
	q.Set("protocol", "2")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func joinPath(base, suffix string) string {
	if base == "" {
		return "/" + suffix
	}
	if base[len(base)-1] == '/' {
		return base + suffix
	}
	return base + "/" + suffix
}
