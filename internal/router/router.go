// Package router implements the relay's single HTTP entry point: the
// priority dispatch of spec.md §4.6 across health/stats/tunnel-upgrade and
// the per-address relay surface. Grounded on the teacher's
// internal/server/server.go Server.Run/handlePublic mux wiring, trimmed to
// this relay's five-way dispatch and re-targeted at the
// Multiplexer/Registry instead of a persistence-backed domain store.
package router

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/osaurus-ai/osaurus-relay/internal/identity"
	"github.com/osaurus-ai/osaurus-relay/internal/multiplex"
	"github.com/osaurus-ai/osaurus-relay/internal/netutil"
	"github.com/osaurus-ai/osaurus-relay/internal/ratelimit"
	"github.com/osaurus-ai/osaurus-relay/internal/registry"
	"github.com/osaurus-ai/osaurus-relay/internal/tunnel"
)

// addressPattern matches a canonical "0x"-prefixed 40-hex agent address, the
// 42-character lowercase hex pattern spec.md §4.6 step 4 requires.
var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Config carries the Router's routing policy.
type Config struct {
	BaseDomain string
}

// Limiters bundles the three independent RateLimiters spec.md §4.1 requires,
// constructed once by cmd/relay and shared process-wide.
type Limiters struct {
	Connect *ratelimit.Limiter // keyed by client IP
	Request *ratelimit.Limiter // keyed by canonical agent address
	Stats   *ratelimit.Limiter // keyed by client IP
}

// Router dispatches every inbound HTTP request per spec.md §4.6.
type Router struct {
	cfg        Config
	limiters   Limiters
	reg        *registry.Registry
	mux        *multiplex.Multiplexer
	tunnelCfg  tunnel.Config
	upgrader   websocket.Upgrader
	log        *slog.Logger
	startedAt  time.Time
	totalReqs  atomic.Int64
	totalConns atomic.Int64
}

// New returns an http.Handler implementing the Router's dispatch order.
func New(cfg Config, limiters Limiters, reg *registry.Registry, mux *multiplex.Multiplexer, tunnelCfg tunnel.Config, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		cfg:       cfg,
		limiters:  limiters,
		reg:       reg,
		mux:       mux,
		tunnelCfg: tunnelCfg,
		log:       log,
		startedAt: time.Now(),
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
		Error: func(w http.ResponseWriter, _ *http.Request, status int, _ error) {
			writeJSONError(w, status, "websocket_required")
		},
	}
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.URL.Path == "/health" && req.Method == http.MethodGet:
		r.handleHealth(w, req)
		return
	case req.URL.Path == "/stats" && req.Method == http.MethodGet:
		r.handleStats(w, req)
		return
	case req.URL.Path == "/tunnel/connect":
		r.handleConnect(w, req)
		return
	}

	address, ok := addressFromHost(req.Host, r.cfg.BaseDomain)
	if !ok || !addressPattern.MatchString(address) {
		writeJSONError(w, http.StatusBadRequest, "invalid_subdomain")
		return
	}

	if req.Method == http.MethodOptions {
		netutil.SetPermissiveCORS(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !r.limiters.Request.Allow(address) {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	r.totalReqs.Add(1)
	clientIP := clientIPFor(req)
	if err := r.mux.Submit(w, req, address, clientIP); err != nil {
		status, code := multiplex.StatusFor(err)
		writeJSONError(w, status, code)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tunnels": r.reg.ActiveTunnels(),
	})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if !r.limiters.Stats.Allow(clientIPFor(req)) {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}
	r.log.Debug("stats requested", "up_since", humanize.Time(r.startedAt))
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":           int64(time.Since(r.startedAt).Seconds()),
		"active_tunnels":           r.reg.ActiveTunnels(),
		"active_agents":            r.reg.ActiveAgents(),
		"total_requests_relayed":   r.totalReqs.Load(),
		"total_tunnel_connections": r.totalConns.Load(),
	})
}

func (r *Router) handleConnect(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		writeJSONError(w, http.StatusBadRequest, "websocket_required")
		return
	}
	if !r.limiters.Connect.Allow(clientIPFor(req)) {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader already wrote its own response via Error above.
		return
	}

	r.totalConns.Add(1)
	t := tunnel.New(conn, r.reg, r.tunnelCfg, r.log)
	go func() {
		if runErr := t.Run(); runErr != nil {
			r.log.Debug("tunnel closed", "tunnel_id", t.ID(), "err", runErr)
		}
	}()
}

// addressFromHost extracts the leftmost DNS label of host and checks that
// the remainder is exactly baseDomain, per spec.md §4.6 step 4.
func addressFromHost(host, baseDomain string) (string, bool) {
	host = netutil.NormalizeHost(host)
	if host == "" {
		return "", false
	}
	label, rest, found := strings.Cut(host, ".")
	if !found || rest != baseDomain {
		return "", false
	}
	return identity.CanonicalizeAddress(label), true
}

// clientIPFor implements spec.md §4.6's client-IP precedence: fly-client-ip,
// then the first entry of x-forwarded-for, then the peer address. Kept on
// stdlib net.SplitHostPort rather than an extra dependency — see DESIGN.md.
func clientIPFor(req *http.Request) string {
	if v := strings.TrimSpace(req.Header.Get("fly-client-ip")); v != "" {
		return v
	}
	if xff := req.Header.Get("x-forwarded-for"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	netutil.SetPermissiveCORS(w.Header())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
