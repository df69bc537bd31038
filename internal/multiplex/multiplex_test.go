package multiplex

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/osaurus-ai/osaurus-relay/internal/identity"
	"github.com/osaurus-ai/osaurus-relay/internal/registry"
	"github.com/osaurus-ai/osaurus-relay/internal/tunnel"
	"github.com/osaurus-ai/osaurus-relay/internal/tunnelproto"
)

// fakeConn is a trimmed copy of the in-memory Conn double used by
// internal/tunnel's own tests (here Close is a no-op), duplicated since it
// reaches into no unexported state and this package must exercise a real
// *tunnel.Tunnel end to end.
type fakeConn struct {
	toServer   chan []byte
	fromServer chan []byte
	closed     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toServer:   make(chan []byte, 32),
		fromServer: make(chan []byte, 32),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.toServer:
		if !ok {
			return 0, nil, fmt.Errorf("closed")
		}
		return 1, data, nil
	case <-c.closed:
		return 0, nil, fmt.Errorf("closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.fromServer <- data:
		return nil
	case <-c.closed:
		return fmt.Errorf("closed")
	}
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) Close() error                              { return nil }

func testTunnelConfig() tunnel.Config {
	return tunnel.Config{
		BaseDomain:         "agent.osaurus.ai",
		AuthTimeout:        time.Second,
		MaxAgentsPerTunnel: 10,
		NonceExpiry:        time.Second,
		AuthSkew:           30 * time.Second,
		KeepaliveInterval:  time.Hour, // effectively disabled for these tests
		MaxMissedPings:     3,
		MaxBodyBytes:       1 << 20,
		RequestTimeout:     200 * time.Millisecond,
		StreamIdleTimeout:  200 * time.Millisecond,
	}
}

// newAuthenticatedTunnel starts a real *tunnel.Tunnel, completes its
// challenge/auth handshake with a freshly generated signing key (so the
// tunnel dispatches response and stream frames), and then binds address to
// it directly via the Registry, the exact seam Submit itself uses at
// runtime. address is not part of the handshake, so it is not in the
// Tunnel's own owned-agent set.
func newAuthenticatedTunnel(t *testing.T, reg *registry.Registry, address string) (*tunnel.Tunnel, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	tn := tunnel.New(conn, reg, testTunnelConfig(), nil)
	go func() { _ = tn.Run() }()

	challenge := recvFrame(t, conn)
	if challenge.Type != tunnelproto.KindChallenge {
		t.Fatalf("expected challenge, got %+v", challenge)
	}

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	priv := secp256k1.PrivKeyFromBytes(seed[:])
	pub := priv.PubKey().SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(pub[1:])
	digest := h.Sum(nil)
	signer := "0x" + hex.EncodeToString(digest[len(digest)-20:])

	ts := time.Now().Unix()
	msg := identity.CanonicalMessage(signer, challenge.Nonce, ts)
	h = sha3.NewLegacyKeccak256()
	h.Write([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)))
	compact := ecdsa.SignCompact(priv, h.Sum(nil), false)
	sig := make([]byte, 65)
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = compact[0] // 27 + recovery id, the Ethereum V byte

	sendFrame(t, conn, tunnelproto.Message{
		Type:      tunnelproto.KindAuth,
		Nonce:     challenge.Nonce,
		Timestamp: ts,
		Agents:    []tunnelproto.AuthAgent{{Address: signer, Signature: "0x" + hex.EncodeToString(sig)}},
	})
	if ok := recvFrame(t, conn); ok.Type != tunnelproto.KindAuthOK {
		t.Fatalf("expected auth_ok, got %+v", ok)
	}

	if !reg.Register(tn, address) {
		t.Fatalf("failed to seed registry binding for %s", address)
	}
	return tn, conn
}

const testAddress = "0x00112233445566778899aabbccddeeff0011223"

func TestSubmitAgentOffline(t *testing.T) {
	reg := registry.New()
	m := New(reg, Config{MaxBodyBytes: 1 << 20})

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	rec := httptest.NewRecorder()

	err := m.Submit(rec, req, testAddress, "1.2.3.4")
	if err != ErrAgentOffline {
		t.Fatalf("expected ErrAgentOffline, got %v", err)
	}
}

func TestSubmitBodyTooLargeByContentLength(t *testing.T) {
	reg := registry.New()
	tn, _ := newAuthenticatedTunnel(t, reg, testAddress)
	defer tn.Teardown(1000, "done")

	m := New(reg, Config{MaxBodyBytes: 4})
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("way too much body"))
	req.ContentLength = 18
	rec := httptest.NewRecorder()

	err := m.Submit(rec, req, testAddress, "1.2.3.4")
	if err != ErrBodyTooLarge {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestSubmitBodyTooLargeByActualRead(t *testing.T) {
	reg := registry.New()
	tn, _ := newAuthenticatedTunnel(t, reg, testAddress)
	defer tn.Teardown(1000, "done")

	m := New(reg, Config{MaxBodyBytes: 4})
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("way too much body"))
	req.ContentLength = -1 // unknown length: forces the actual-read cap to trigger
	rec := httptest.NewRecorder()

	err := m.Submit(rec, req, testAddress, "1.2.3.4")
	if err != ErrBodyTooLarge {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestSubmitBufferedRoundTrip(t *testing.T) {
	reg := registry.New()
	tn, conn := newAuthenticatedTunnel(t, reg, testAddress)
	defer tn.Teardown(1000, "done")

	m := New(reg, Config{MaxBodyBytes: 1 << 20})
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"hello":true}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Submit(rec, req, testAddress, "203.0.113.7") }()

	frame := recvFrame(t, conn)
	if frame.Type != tunnelproto.KindRequest || frame.Method != http.MethodPost || frame.Path != "/chat" {
		t.Fatalf("unexpected request frame: %+v", frame)
	}
	if frame.Body != `{"hello":true}` {
		t.Fatalf("unexpected body: %q", frame.Body)
	}
	if got := frame.Headers["x-agent-address"]; len(got) != 1 || got[0] != testAddress {
		t.Fatalf("expected x-agent-address header, got %+v", frame.Headers)
	}
	if got := frame.Headers["x-forwarded-for"]; len(got) != 1 || got[0] != "203.0.113.7" {
		t.Fatalf("expected x-forwarded-for header, got %+v", frame.Headers)
	}

	sendFrame(t, conn, tunnelproto.Message{
		Type:    tunnelproto.KindResponse,
		ID:      frame.ID,
		Status:  201,
		Headers: map[string][]string{"content-type": {"application/json"}},
		Body:    `{"created":true}`,
	})

	if err := <-errCh; err != nil {
		t.Fatalf("unexpected Submit error: %v", err)
	}
	if rec.Code != 201 {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	if rec.Body.String() != `{"created":true}` {
		t.Fatalf("unexpected response body: %q", rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected permissive CORS headers to be applied")
	}
}

func TestSubmitStreamingRoundTrip(t *testing.T) {
	reg := registry.New()
	tn, conn := newAuthenticatedTunnel(t, reg, testAddress)
	defer tn.Teardown(1000, "done")

	m := New(reg, Config{MaxBodyBytes: 1 << 20})
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Submit(rec, req, testAddress, "203.0.113.7") }()

	frame := recvFrame(t, conn)
	sendFrame(t, conn, tunnelproto.Message{
		Type:    tunnelproto.KindStreamStart,
		ID:      frame.ID,
		Status:  200,
		Headers: map[string][]string{"content-type": {"text/event-stream"}},
	})
	sendFrame(t, conn, tunnelproto.Message{Type: tunnelproto.KindStreamChunk, ID: frame.ID, Data: "chunk-1"})
	sendFrame(t, conn, tunnelproto.Message{Type: tunnelproto.KindStreamChunk, ID: frame.ID, Data: "chunk-2"})
	sendFrame(t, conn, tunnelproto.Message{Type: tunnelproto.KindStreamEnd, ID: frame.ID})

	if err := <-errCh; err != nil {
		t.Fatalf("unexpected Submit error: %v", err)
	}
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "chunk-1chunk-2" {
		t.Fatalf("unexpected streamed body: %q", rec.Body.String())
	}
}

func TestSubmitGatewayTimeout(t *testing.T) {
	reg := registry.New()
	cfg := testTunnelConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	conn := newFakeConn()
	tn := tunnel.New(conn, reg, cfg, nil)
	reg.Register(tn, testAddress)
	defer tn.Teardown(1000, "done")

	m := New(reg, Config{MaxBodyBytes: 1 << 20})
	req := httptest.NewRequest(http.MethodGet, "/slow", nil)
	rec := httptest.NewRecorder()

	err := m.Submit(rec, req, testAddress, "1.2.3.4")
	if err != ErrGatewayTimeout {
		t.Fatalf("expected ErrGatewayTimeout, got %v", err)
	}
}

func TestSubmitTunnelClosed(t *testing.T) {
	reg := registry.New()
	tn, _ := newAuthenticatedTunnel(t, reg, testAddress)
	tn.Teardown(1000, "simulated disconnect")
	// newAuthenticatedTunnel seeds the registry directly, bypassing the
	// handshake that would otherwise populate the Tunnel's own owned-agent
	// set, so Teardown has nothing to unregister on its own; mirror what a
	// real handshake-driven teardown would have done.
	reg.Unregister(tn, testAddress)

	// Once the binding is gone, Submit must see agent_offline, not
	// tunnel_closed.
	m := New(reg, Config{MaxBodyBytes: 1 << 20})
	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	rec := httptest.NewRecorder()

	err := m.Submit(rec, req, testAddress, "1.2.3.4")
	if err != ErrAgentOffline {
		t.Fatalf("expected ErrAgentOffline once the tunnel has torn down, got %v", err)
	}
}

func TestSubmitCancelledByClientDisconnect(t *testing.T) {
	reg := registry.New()
	tn, conn := newAuthenticatedTunnel(t, reg, testAddress)
	defer tn.Teardown(1000, "done")

	m := New(reg, Config{MaxBodyBytes: 1 << 20})
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/chat", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Submit(rec, req, testAddress, "1.2.3.4") }()

	recvFrame(t, conn)
	cancel()

	if err := <-errCh; err == nil {
		t.Fatal("expected Submit to return an error once the client disconnects")
	}
}

func TestStatusForMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{ErrAgentOffline, http.StatusBadGateway, "agent_offline"},
		{ErrBodyTooLarge, http.StatusRequestEntityTooLarge, "body_too_large"},
		{ErrTunnelClosed, http.StatusBadGateway, "tunnel_closed"},
		{ErrTunnelSendFailed, http.StatusBadGateway, "tunnel_send_failed"},
		{ErrGatewayTimeout, http.StatusGatewayTimeout, "gateway_timeout"},
		{fmt.Errorf("anything else"), http.StatusBadGateway, "relay_error"},
	}
	for _, c := range cases {
		status, code := StatusFor(c.err)
		if status != c.wantStatus || code != c.wantCode {
			t.Errorf("StatusFor(%v) = (%d, %q), want (%d, %q)", c.err, status, code, c.wantStatus, c.wantCode)
		}
	}
}

func recvFrame(t *testing.T, conn *fakeConn) tunnelproto.Message {
	t.Helper()
	select {
	case data := <-conn.fromServer:
		var msg tunnelproto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return tunnelproto.Message{}
	}
}

func sendFrame(t *testing.T, conn *fakeConn, msg tunnelproto.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	select {
	case conn.toServer <- data:
	case <-time.After(time.Second):
		t.Fatal("timed out feeding a frame to the tunnel")
	}
}
