// Package tunnel implements the per-connection state machine: challenge,
// auth, add/remove agent, keepalive and teardown, plus the in-flight and
// streaming request tables a Tunnel owns per spec.md §3-4.4. It is
// grounded on the teacher's internal/server/server_session.go session type
// and read loop, generalised from the teacher's token-auth registration
// flow to this relay's challenge/signature handshake.
package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osaurus-ai/osaurus-relay/internal/identity"
	"github.com/osaurus-ai/osaurus-relay/internal/registry"
	"github.com/osaurus-ai/osaurus-relay/internal/tunnelproto"
)

// Conn is the framed bidirectional channel a Tunnel drives. gorilla's
// *websocket.Conn satisfies this directly; spec.md §1 treats the upgrade
// itself as an external collaborator, so this is the seam tests use to
// supply an in-memory double.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Config carries the subset of the relay's configuration a Tunnel needs.
// It is intentionally decoupled from internal/config so this package
// never depends on flag/env parsing.
type Config struct {
	BaseDomain         string
	AuthTimeout        time.Duration
	MaxAgentsPerTunnel int
	NonceExpiry        time.Duration
	AuthSkew           time.Duration
	KeepaliveInterval  time.Duration
	MaxMissedPings     int
	MaxBodyBytes       int64
	RequestTimeout     time.Duration
	StreamIdleTimeout  time.Duration
}

type state int

const (
	stateAwaitingAuth state = iota
	stateAuthenticated
	stateClosed
)

const minWSReadLimit = 64 * 1024

// chunkSendTimeout bounds how long the read loop will wait for a slow
// stream consumer before giving up on it, mirroring the teacher's
// streamBodySendTimeout (internal/server/server_session.go's streamSend).
const chunkSendTimeout = 5 * time.Second

const streamChanBuffer = 32

var (
	ErrClosed        = errors.New("tunnel: closed")
	ErrSendFailed    = errors.New("tunnel: send failed")
	ErrTimeout       = errors.New("tunnel: gateway timeout")
	ErrStreamAborted = errors.New("tunnel: stream aborted")
)

// Tunnel is one authenticated bidirectional WebSocket connecting an agent
// runtime to the relay. All of its mutable state — owned addresses,
// in-flight and streaming tables, nonce slots, ping counters, timers — is
// guarded by mu, per spec.md §5's single-owner concurrency model.
type Tunnel struct {
	id     string
	conn   Conn
	reg    *registry.Registry
	cfg    Config
	log    *slog.Logger
	nowFn  func() time.Time

	writeMu sync.Mutex

	mu                 sync.Mutex
	state              state
	agents             map[string]struct{}
	inflight           map[string]*inFlight
	streams            map[string]*stream
	challengeNonce     string
	authTimer          *time.Timer
	pendingNonce       string
	pendingNonceExpiry *time.Timer
	missedPings        int
	keepaliveStop      chan struct{}
	keepaliveDone      chan struct{}

	onTeardown func(t *Tunnel) // for the owner (router) to drop bookkeeping, optional
}

// New constructs a Tunnel around conn. Run must be called to drive it.
func New(conn Conn, reg *registry.Registry, cfg Config, log *slog.Logger) *Tunnel {
	if log == nil {
		log = slog.Default()
	}
	return &Tunnel{
		id:       uuid.NewString(),
		conn:     conn,
		reg:      reg,
		cfg:      cfg,
		log:      log,
		nowFn:    time.Now,
		agents:   make(map[string]struct{}),
		inflight: make(map[string]*inFlight),
		streams:  make(map[string]*stream),
	}
}

// ID returns an opaque identifier for this connection, used only in logs.
func (t *Tunnel) ID() string { return t.id }

// OnTeardown registers a callback invoked exactly once when the tunnel is
// torn down, after all internal cleanup completes.
func (t *Tunnel) OnTeardown(fn func(t *Tunnel)) { t.onTeardown = fn }

// Run drives the read loop until the connection closes or the tunnel is
// torn down. It
// issues the initial challenge, arms the auth timer, and dispatches every
// frame per the state table in spec.md §4.4. Run always returns after
// Teardown has fully executed.
func (t *Tunnel) Run() error {
	limit := t.cfg.MaxBodyBytes * 2
	if limit < minWSReadLimit {
		limit = minWSReadLimit
	}
	t.conn.SetReadLimit(limit)

	if err := t.sendChallenge(); err != nil {
		t.Teardown(tunnelproto.CloseMalformedHandshake, "challenge write failed")
		return err
	}

	t.mu.Lock()
	t.authTimer = time.AfterFunc(t.cfg.AuthTimeout, t.onAuthTimeout)
	t.mu.Unlock()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.Teardown(websocketAbnormalCloseCode, "read error")
			return err
		}

		var msg tunnelproto.Message
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
			if t.isAuthenticated() {
				continue // post-auth: malformed frames are silently dropped
			}
			t.sendAuthError(tunnelproto.ReasonMalformedFrame)
			t.Teardown(tunnelproto.CloseMalformedHandshake, "malformed frame")
			return jsonErr
		}

		t.dispatch(msg)

		if t.isClosed() {
			return nil
		}
	}
}

// websocketAbnormalCloseCode is used internally when the socket itself
// errors out (read error, not a protocol violation); no close frame can
// be written to a connection that already failed, so Teardown's close
// attempt is best-effort.
const websocketAbnormalCloseCode = 1006

func (t *Tunnel) dispatch(msg tunnelproto.Message) {
	if !t.isAuthenticated() {
		if msg.Type == tunnelproto.KindAuth {
			t.handleAuth(msg)
			return
		}
		t.sendAuthError(tunnelproto.ReasonMalformedFrame)
		t.Teardown(tunnelproto.CloseMalformedHandshake, "expected auth frame")
		return
	}

	switch msg.Type {
	case tunnelproto.KindPong:
		t.handlePong()
	case tunnelproto.KindResponse:
		t.handleResponse(msg)
	case tunnelproto.KindStreamStart:
		t.handleStreamStart(msg)
	case tunnelproto.KindStreamChunk:
		t.handleStreamChunk(msg)
	case tunnelproto.KindStreamEnd:
		t.handleStreamEnd(msg)
	case tunnelproto.KindRequestChallenge:
		t.handleRequestChallenge()
	case tunnelproto.KindAddAgent:
		t.handleAddAgent(msg)
	case tunnelproto.KindRemoveAgent:
		t.handleRemoveAgent(msg)
	default:
		// Unknown type: dropped silently, per spec.md §4.4's framing rule.
	}
}

func (t *Tunnel) isAuthenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateAuthenticated
}

func (t *Tunnel) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateClosed
}

func (t *Tunnel) sendChallenge() error {
	nonce, err := identity.NewNonce()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.challengeNonce = nonce
	t.mu.Unlock()
	return t.writeJSON(tunnelproto.Message{Type: tunnelproto.KindChallenge, Nonce: nonce})
}

func (t *Tunnel) sendAuthError(reason string) {
	_ = t.writeJSON(tunnelproto.Message{Type: tunnelproto.KindAuthError, Error: reason})
}

func (t *Tunnel) onAuthTimeout() {
	t.mu.Lock()
	if t.state != stateAwaitingAuth {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.sendAuthError(tunnelproto.ReasonAuthTimeout)
	t.Teardown(tunnelproto.CloseAuthFailed, "auth timeout")
}

// writeJSON serialises and writes one frame, under the tunnel's single
// write mutex, grounded on the teacher's session.writeJSON.
func (t *Tunnel) writeJSON(msg tunnelproto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("tunnel: marshal frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(t.nowFn().Add(10 * time.Second))
	defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	if werr := t.conn.WriteMessage(1 /* websocket.TextMessage */, data); werr != nil {
		return werr
	}
	return nil
}

// Teardown deterministically and idempotently cancels all of this
// tunnel's timers, completes every in-flight request with 502
// tunnel_closed, errors every open stream, unregisters every owned
// address (subject to the registry's "only if still mine" rule), and
// closes the socket with code/reason. Safe to call more than once and
// from any goroutine.
func (t *Tunnel) Teardown(code int, reason string) {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return
	}
	t.state = stateClosed

	if t.authTimer != nil {
		t.authTimer.Stop()
	}
	if t.pendingNonceExpiry != nil {
		t.pendingNonceExpiry.Stop()
		t.pendingNonceExpiry = nil
	}
	if t.keepaliveStop != nil {
		close(t.keepaliveStop)
	}

	pending := t.inflight
	t.inflight = make(map[string]*inFlight)
	streams := t.streams
	t.streams = make(map[string]*stream)
	owned := make([]string, 0, len(t.agents))
	for addr := range t.agents {
		owned = append(owned, addr)
	}
	t.agents = make(map[string]struct{})
	keepaliveDone := t.keepaliveDone
	t.mu.Unlock()

	for _, inf := range pending {
		inf.timer.Stop()
		inf.complete(nil, ErrClosed)
	}
	for _, s := range streams {
		s.abort(ErrStreamAborted)
	}
	for _, addr := range owned {
		t.reg.Unregister(t, addr)
	}

	if keepaliveDone != nil {
		<-keepaliveDone
	}

	closeMsg := websocketCloseMessage(code, reason)
	_ = t.conn.WriteControl(8 /* websocket.CloseMessage */, closeMsg, t.nowFn().Add(time.Second))
	_ = t.conn.Close()

	if t.onTeardown != nil {
		t.onTeardown(t)
	}
}

// websocketCloseMessage mirrors websocket.FormatCloseMessage without
// importing gorilla here, keeping Conn a narrow interface tests can fake.
func websocketCloseMessage(code int, text string) []byte {
	buf := make([]byte, 2+len(text))
	buf[0] = byte(code >> 8)
	buf[1] = byte(code)
	copy(buf[2:], text)
	return buf
}
