package tunnel

import (
	"fmt"
	"time"

	"github.com/osaurus-ai/osaurus-relay/internal/identity"
	"github.com/osaurus-ai/osaurus-relay/internal/tunnelproto"
)

// handleAuth implements the AwaitingAuth -> Authenticated transition of
// spec.md §4.4: nonce must match the just-issued challenge, the batch must
// verify atomically, and the agent count must be within cap before any
// address is registered.
func (t *Tunnel) handleAuth(msg tunnelproto.Message) {
	t.mu.Lock()
	expected := t.challengeNonce
	t.mu.Unlock()

	if expected == "" || msg.Nonce != expected {
		t.sendAuthError(tunnelproto.ReasonInvalidNonce)
		t.Teardown(tunnelproto.CloseAuthFailed, "invalid nonce")
		return
	}
	if len(msg.Agents) == 0 {
		t.sendAuthError(tunnelproto.ReasonMalformedFrame)
		t.Teardown(tunnelproto.CloseMalformedHandshake, "empty agent list")
		return
	}
	if len(msg.Agents) > t.cfg.MaxAgentsPerTunnel {
		t.sendAuthError(tunnelproto.ReasonTooManyAgents)
		t.Teardown(tunnelproto.CloseAuthFailed, "too many agents")
		return
	}
	if !t.withinSkew(msg.Timestamp) {
		t.sendAuthError(tunnelproto.ReasonInvalidSignature)
		t.Teardown(tunnelproto.CloseAuthFailed, "timestamp outside skew window")
		return
	}

	agents := make([]identity.AgentAuth, len(msg.Agents))
	for i, a := range msg.Agents {
		agents[i] = identity.AgentAuth{Address: a.Address, Signature: a.Signature}
	}
	ok, _ := identity.VerifyAll(agents, msg.Nonce, msg.Timestamp)
	if !ok {
		t.sendAuthError(tunnelproto.ReasonInvalidSignature)
		t.Teardown(tunnelproto.CloseAuthFailed, "invalid signature")
		return
	}

	// Nonce is consumed now that verification succeeded; a replay of this
	// exact auth frame will find challengeNonce cleared and fail as
	// invalid_nonce.
	t.mu.Lock()
	t.challengeNonce = ""
	if t.authTimer != nil {
		t.authTimer.Stop()
	}
	t.mu.Unlock()

	var accepted []tunnelproto.AcceptedAgent
	var rejected []tunnelproto.RejectedAgent
	for _, a := range agents {
		addr := identity.CanonicalizeAddress(a.Address)
		if t.reg.Register(t, addr) {
			t.mu.Lock()
			t.agents[addr] = struct{}{}
			t.mu.Unlock()
			accepted = append(accepted, tunnelproto.AcceptedAgent{Address: addr, URL: t.urlFor(addr)})
		} else {
			rejected = append(rejected, tunnelproto.RejectedAgent{Address: addr, Reason: tunnelproto.ReasonAlreadyRegistered})
		}
	}

	t.mu.Lock()
	t.state = stateAuthenticated
	t.mu.Unlock()

	_ = t.writeJSON(tunnelproto.Message{
		Type:     tunnelproto.KindAuthOK,
		Accepted: accepted,
		Rejected: rejected,
	})

	t.startKeepalive()
}

func (t *Tunnel) withinSkew(timestamp int64) bool {
	now := t.nowFn().Unix()
	delta := now - timestamp
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Second <= t.cfg.AuthSkew
}

func (t *Tunnel) urlFor(address string) string {
	return fmt.Sprintf("https://%s.%s", address, t.cfg.BaseDomain)
}

// handleRequestChallenge replaces any outstanding add-agent nonce with a
// fresh one and arms its expiry, per spec.md §9 "Nonce ownership".
func (t *Tunnel) handleRequestChallenge() {
	nonce, err := identity.NewNonce()
	if err != nil {
		return
	}

	t.mu.Lock()
	if t.pendingNonceExpiry != nil {
		t.pendingNonceExpiry.Stop()
	}
	t.pendingNonce = nonce
	t.pendingNonceExpiry = time.AfterFunc(t.cfg.NonceExpiry, func() { t.expirePendingNonce(nonce) })
	t.mu.Unlock()

	_ = t.writeJSON(tunnelproto.Message{Type: tunnelproto.KindChallenge, Nonce: nonce})
}

func (t *Tunnel) expirePendingNonce(nonce string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingNonce == nonce {
		t.pendingNonce = ""
		t.pendingNonceExpiry = nil
	}
}

// handleAddAgent implements the Authenticated `add_agent` transitions of
// spec.md §4.4, including the max_agents_reached edge case that must NOT
// consume the pending nonce (spec.md §9 open question).
func (t *Tunnel) handleAddAgent(msg tunnelproto.Message) {
	t.mu.Lock()
	expected := t.pendingNonce
	ownedCount := len(t.agents)
	t.mu.Unlock()

	if expected == "" || msg.Nonce != expected {
		t.sendError(tunnelproto.ReasonInvalidNonce)
		return
	}

	if ownedCount >= t.cfg.MaxAgentsPerTunnel {
		t.sendError(tunnelproto.ReasonMaxAgentsReached) // nonce intentionally NOT consumed
		return
	}

	if !t.withinSkew(msg.Timestamp) {
		t.consumePendingNonce(expected)
		t.sendError(tunnelproto.ReasonInvalidSignature)
		return
	}

	msgText := identity.CanonicalMessage(msg.Address, msg.Nonce, msg.Timestamp)
	sig, sigErr := identity.DecodeSignature(msg.Signature)
	if sigErr != nil || !identity.Verify(msg.Address, msgText, sig) {
		t.consumePendingNonce(expected)
		t.sendError(tunnelproto.ReasonInvalidSignature)
		return
	}

	t.consumePendingNonce(expected)

	addr := identity.CanonicalizeAddress(msg.Address)
	if !t.reg.Register(t, addr) {
		t.sendError(tunnelproto.ReasonAddressAlreadyRegistered)
		return
	}

	t.mu.Lock()
	t.agents[addr] = struct{}{}
	t.mu.Unlock()

	_ = t.writeJSON(tunnelproto.Message{Type: tunnelproto.KindAgentAdded, Address: addr, URL: t.urlFor(addr)})
}

func (t *Tunnel) consumePendingNonce(nonce string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingNonce == nonce {
		t.pendingNonce = ""
		if t.pendingNonceExpiry != nil {
			t.pendingNonceExpiry.Stop()
			t.pendingNonceExpiry = nil
		}
	}
}

// handleRemoveAgent is a no-op (no frame emitted) for an address this
// tunnel does not own, per spec.md §8's round-trip properties.
func (t *Tunnel) handleRemoveAgent(msg tunnelproto.Message) {
	addr := identity.CanonicalizeAddress(msg.Address)

	t.mu.Lock()
	_, owned := t.agents[addr]
	if owned {
		delete(t.agents, addr)
	}
	t.mu.Unlock()

	if !owned {
		return
	}

	t.reg.Unregister(t, addr)
	_ = t.writeJSON(tunnelproto.Message{Type: tunnelproto.KindAgentRemoved, Address: addr})
}

func (t *Tunnel) sendError(reason string) {
	_ = t.writeJSON(tunnelproto.Message{Type: tunnelproto.KindError, Error: reason})
}

// startKeepalive launches the ping/pong watchdog, grounded on the
// teacher's heartbeat-timeout janitor but run per-tunnel on its own
// ticker rather than a shared sweep, since spec.md §4.4 scopes missed-ping
// counting to a single tunnel.
func (t *Tunnel) startKeepalive() {
	t.mu.Lock()
	t.keepaliveStop = make(chan struct{})
	t.keepaliveDone = make(chan struct{})
	stop := t.keepaliveStop
	done := t.keepaliveDone
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if t.tickKeepalive() {
					return
				}
			}
		}
	}()
}

// tickKeepalive reports whether the tunnel was torn down as a result of
// this tick. Per spec.md §4.4, the missed-ping counter is checked BEFORE
// incrementing: a tunnel tears down once 3 consecutive pings have gone
// unanswered, not after sending a 3rd ping that is itself still pending.
func (t *Tunnel) tickKeepalive() bool {
	t.mu.Lock()
	if t.missedPings >= t.cfg.MaxMissedPings {
		t.mu.Unlock()
		// Teardown waits on keepaliveDone, which this very goroutine closes
		// on return; calling it synchronously here would self-deadlock.
		go t.Teardown(tunnelproto.CloseKeepaliveTimeout, "keepalive timeout")
		return true
	}
	t.missedPings++
	t.mu.Unlock()

	_ = t.writeJSON(tunnelproto.Message{Type: tunnelproto.KindPing, TS: t.nowFn().Unix()})
	return false
}

func (t *Tunnel) handlePong() {
	t.mu.Lock()
	t.missedPings = 0
	t.mu.Unlock()
}
