// Package multiplex implements the HTTP-to-tunnel request multiplexer:
// it resolves an address to a Tunnel via the Registry, hands the request
// off, and drains either a buffered response or a stream back onto the
// public HTTP response writer. Grounded on the teacher's
// internal/server/server_streaming.go (body capping, chunked body
// relaying) generalised from the teacher's binary wire frames onto this
// relay's JSON request/response/stream_* frames.
package multiplex

import (
	"errors"
	"io"
	"net/http"

	"github.com/osaurus-ai/osaurus-relay/internal/netutil"
	"github.com/osaurus-ai/osaurus-relay/internal/registry"
	"github.com/osaurus-ai/osaurus-relay/internal/tunnel"
)

// Sentinel outcomes, mapped onto the HTTP status taxonomy of spec.md §7
// by StatusFor.
var (
	ErrAgentOffline     = errors.New("multiplex: agent offline")
	ErrBodyTooLarge     = errors.New("multiplex: body too large")
	ErrTunnelClosed     = errors.New("multiplex: tunnel closed")
	ErrTunnelSendFailed = errors.New("multiplex: tunnel send failed")
	ErrGatewayTimeout   = errors.New("multiplex: gateway timeout")
)

const streamCopyBufferSize = 32 * 1024

// Config carries the Multiplexer's body-size policy.
type Config struct {
	MaxBodyBytes int64
}

// Multiplexer resolves addresses against reg and submits requests to the
// resolved Tunnel.
type Multiplexer struct {
	reg *registry.Registry
	cfg Config
}

// New returns a Multiplexer backed by reg.
func New(reg *registry.Registry, cfg Config) *Multiplexer {
	return &Multiplexer{reg: reg, cfg: cfg}
}

// Submit implements spec.md §4.5's Submit+Dispatch pipeline: look up the
// tunnel, cap and sanitise the body/headers, send the request frame, and
// write whatever comes back (buffered or streamed) onto w. Any relay-level
// failure is returned as one of this package's sentinel errors for the
// caller (the Router) to translate into an HTTP status.
func (m *Multiplexer) Submit(w http.ResponseWriter, r *http.Request, address, clientIP string) error {
	owner, ok := m.reg.Lookup(address)
	if !ok {
		return ErrAgentOffline
	}
	t, ok := owner.(*tunnel.Tunnel)
	if !ok {
		return ErrAgentOffline
	}

	body, err := m.readBodyCapped(r)
	if err != nil {
		return err
	}

	headers := netutil.SanitizeRequestHeaders(r.Header)
	headers["x-agent-address"] = []string{address}
	headers["x-forwarded-for"] = []string{clientIP}

	result, err := t.SubmitRequest(r.Context(), r.Method, r.URL.Path, headers, string(body))
	if err != nil {
		return mapTunnelError(err)
	}

	netutil.ApplyResponseHeaders(w, result.Headers)
	netutil.SetPermissiveCORS(w.Header())
	w.WriteHeader(result.Status)

	switch result.Kind {
	case tunnel.KindBuffered:
		_, _ = w.Write([]byte(result.Body))
	case tunnel.KindStream:
		copyStream(w, r, result.Stream)
	}
	return nil
}

func (m *Multiplexer) readBodyCapped(r *http.Request) ([]byte, error) {
	if r.ContentLength > m.cfg.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()

	limited := http.MaxBytesReader(nil, r.Body, m.cfg.MaxBodyBytes)
	data, err := io.ReadAll(limited)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}
	return data, nil
}

func mapTunnelError(err error) error {
	switch {
	case errors.Is(err, tunnel.ErrClosed):
		return ErrTunnelClosed
	case errors.Is(err, tunnel.ErrSendFailed):
		return ErrTunnelSendFailed
	case errors.Is(err, tunnel.ErrTimeout):
		return ErrGatewayTimeout
	default:
		return err // likely context cancellation; caller already gone
	}
}

// copyStream drains src onto w, flushing after every read, until EOF (clean
// or errored) or the client disconnects. Grounded on the teacher's
// writeStreamedResponseBody, adapted from a message channel onto a plain
// io.ReadCloser since tunnel.StreamReader already does that adaptation.
func copyStream(w http.ResponseWriter, r *http.Request, src *tunnel.StreamReader) {
	flusher, canFlush := w.(http.Flusher)

	done := make(chan struct{})
	go func() {
		select {
		case <-r.Context().Done():
			_ = src.Close()
		case <-done:
		}
	}()
	defer close(done)

	buf := make([]byte, streamCopyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// StatusFor maps a Submit error onto the HTTP status and machine-readable
// error code spec.md §7 assigns it.
func StatusFor(err error) (status int, code string) {
	switch {
	case errors.Is(err, ErrAgentOffline):
		return http.StatusBadGateway, "agent_offline"
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "body_too_large"
	case errors.Is(err, ErrTunnelClosed):
		return http.StatusBadGateway, "tunnel_closed"
	case errors.Is(err, ErrTunnelSendFailed):
		return http.StatusBadGateway, "tunnel_send_failed"
	case errors.Is(err, ErrGatewayTimeout):
		return http.StatusGatewayTimeout, "gateway_timeout"
	default:
		return http.StatusBadGateway, "relay_error"
	}
}
