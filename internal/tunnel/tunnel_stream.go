package tunnel

import (
	"io"
	"sync"
	"time"

	"github.com/osaurus-ai/osaurus-relay/internal/tunnelproto"
)

// chunkMsg is what the read loop hands to a StreamReader: either a piece
// of body data, or a terminal error (teardown). A clean end is signalled
// by closing the channel, never by a chunkMsg.
type chunkMsg struct {
	data []byte
	err  error
}

// stream is a response-in-progress, owned by the Tunnel exactly like the
// in-flight table. Its idle timer resets on every chunk and on creation;
// firing it closes the sink normally (spec.md §4.5's "per-stream idle
// timeout").
type stream struct {
	id        string
	ch        chan chunkMsg
	idleTimer *time.Timer
	closeOnce sync.Once
	cancelled chan struct{} // closed by StreamReader.Close when the HTTP reader gives up
}

func (s *stream) abort(err error) {
	s.closeOnce.Do(func() {
		select {
		case s.ch <- chunkMsg{err: err}:
		default:
		}
		close(s.ch)
	})
}

func (s *stream) endNormally() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// StreamReader adapts a stream's channel into an io.ReadCloser for the
// HTTP response body.
type StreamReader struct {
	ch   chan chunkMsg
	buf  []byte
	done chan struct{}
	once sync.Once
}

func newStreamReader(s *stream) *StreamReader {
	return &StreamReader{ch: s.ch, done: s.cancelled}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		msg, ok := <-r.ch
		if !ok {
			return 0, io.EOF
		}
		if msg.err != nil {
			return 0, msg.err
		}
		r.buf = msg.data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Close signals that the HTTP reader has given up (client disconnected).
// Subsequent chunk deliveries for this stream will see the cancellation
// and the tunnel will drop the stream rather than block its read loop.
func (r *StreamReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// handleStreamStart transitions an InFlight into a Stream, per spec.md
// §4.5: "On stream_start, cancel the deadline, discard the InFlight, and
// create a Stream whose sink becomes the HTTP response body."
func (t *Tunnel) handleStreamStart(msg tunnelproto.Message) {
	t.mu.Lock()
	inf, ok := t.inflight[msg.ID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.inflight, msg.ID)
	s := &stream{
		id:        msg.ID,
		ch:        make(chan chunkMsg, streamChanBuffer),
		cancelled: make(chan struct{}),
	}
	s.idleTimer = time.AfterFunc(t.cfg.StreamIdleTimeout, func() { t.expireStreamIdle(msg.ID) })
	t.streams[msg.ID] = s
	t.mu.Unlock()

	inf.timer.Stop()
	inf.complete(&Result{
		Kind:    KindStream,
		Status:  msg.Status,
		Headers: tunnelproto.CloneHeaders(msg.Headers),
		Stream:  newStreamReader(s),
	}, nil)
}

// handleStreamChunk enqueues a chunk onto its Stream, resetting the idle
// timer. If the consumer (or the read loop itself) is gone, the chunk is
// dropped and the stream is abandoned rather than blocking dispatch for
// other frames on this tunnel.
func (t *Tunnel) handleStreamChunk(msg tunnelproto.Message) {
	t.mu.Lock()
	s, ok := t.streams[msg.ID]
	t.mu.Unlock()
	if !ok {
		return
	}

	s.idleTimer.Reset(t.cfg.StreamIdleTimeout)

	select {
	case s.ch <- chunkMsg{data: []byte(msg.Data)}:
		return
	case <-s.cancelled:
		t.dropStream(msg.ID, s)
		return
	default:
	}

	timer := time.NewTimer(chunkSendTimeout)
	defer timer.Stop()
	select {
	case s.ch <- chunkMsg{data: []byte(msg.Data)}:
	case <-s.cancelled:
		t.dropStream(msg.ID, s)
	case <-timer.C:
		t.log.Warn("stream consumer too slow, aborting", "tunnel_id", t.id, "stream_id", msg.ID)
		t.dropStream(msg.ID, s)
	}
}

func (t *Tunnel) dropStream(id string, s *stream) {
	t.mu.Lock()
	if current, ok := t.streams[id]; ok && current == s {
		delete(t.streams, id)
	}
	t.mu.Unlock()
	s.idleTimer.Stop()
	s.abort(ErrStreamAborted)
}

// handleStreamEnd closes a Stream normally: the HTTP reader observes a
// clean EOF whose body is the concatenation of every chunk delivered.
func (t *Tunnel) handleStreamEnd(msg tunnelproto.Message) {
	t.mu.Lock()
	s, ok := t.streams[msg.ID]
	if ok {
		delete(t.streams, msg.ID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	s.idleTimer.Stop()
	s.endNormally()
}

func (t *Tunnel) expireStreamIdle(id string) {
	t.mu.Lock()
	s, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	s.endNormally()
}
