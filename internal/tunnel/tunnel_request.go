package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osaurus-ai/osaurus-relay/internal/tunnelproto"
)

// Kind distinguishes a buffered response from a streamed one.
type Kind int

const (
	KindBuffered Kind = iota
	KindStream
)

// Result is what SubmitRequest resolves to: either a complete buffered
// response, or a stream whose body arrives incrementally.
type Result struct {
	Kind    Kind
	Status  int
	Headers map[string][]string
	Body    string
	Stream  *StreamReader
}

type inFlight struct {
	once     sync.Once
	resultCh chan inFlightOutcome
	timer    *time.Timer
}

type inFlightOutcome struct {
	result *Result
	err    error
}

func (f *inFlight) complete(result *Result, err error) {
	f.once.Do(func() {
		f.resultCh <- inFlightOutcome{result: result, err: err}
	})
}

// SubmitRequest sends a `request` frame for (method, path, headers, body)
// and blocks until either a buffered response arrives, a stream starts,
// the per-request deadline elapses, the tunnel tears down, or ctx is
// cancelled. This is the operation the Multiplexer calls once it has
// resolved an address to this Tunnel via the Registry.
func (t *Tunnel) SubmitRequest(ctx context.Context, method, path string, headers map[string][]string, body string) (*Result, error) {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return nil, ErrClosed
	}

	id := uuid.NewString()
	inf := &inFlight{resultCh: make(chan inFlightOutcome, 1)}
	inf.timer = time.AfterFunc(t.cfg.RequestTimeout, func() { t.expireInFlight(id) })
	t.inflight[id] = inf
	t.mu.Unlock()

	err := t.writeJSON(tunnelproto.Message{
		Type:    tunnelproto.KindRequest,
		ID:      id,
		Method:  method,
		Path:    path,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		t.mu.Lock()
		delete(t.inflight, id)
		t.mu.Unlock()
		inf.timer.Stop()
		return nil, ErrSendFailed
	}

	select {
	case outcome := <-inf.resultCh:
		return outcome.result, outcome.err
	case <-ctx.Done():
		t.cancelInFlight(id)
		return nil, ctx.Err()
	}
}

func (t *Tunnel) cancelInFlight(id string) {
	t.mu.Lock()
	inf, ok := t.inflight[id]
	if ok {
		delete(t.inflight, id)
	}
	t.mu.Unlock()
	if ok {
		inf.timer.Stop()
	}
}

func (t *Tunnel) expireInFlight(id string) {
	t.mu.Lock()
	inf, ok := t.inflight[id]
	if ok {
		delete(t.inflight, id)
	}
	t.mu.Unlock()
	if ok {
		inf.complete(nil, ErrTimeout)
	}
}

// handleResponse completes a buffered InFlight, per spec.md §4.5's
// dispatch rule. A response for an id with no matching InFlight (already
// timed out, cancelled, or never existed) is dropped.
func (t *Tunnel) handleResponse(msg tunnelproto.Message) {
	t.mu.Lock()
	inf, ok := t.inflight[msg.ID]
	if ok {
		delete(t.inflight, msg.ID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	inf.timer.Stop()
	inf.complete(&Result{
		Kind:    KindBuffered,
		Status:  msg.Status,
		Headers: tunnelproto.CloneHeaders(msg.Headers),
		Body:    msg.Body,
	}, nil)
}
