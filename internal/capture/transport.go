package capture

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// IdempotencyHeader is reused by SDKs across retries of one logical send,
// which lets retried attempts share a request id.
const IdempotencyHeader = "Idempotency-Key"

// Transport is an http.RoundTripper that reports matched traffic to Hooks.
// It never changes what the base transport sends or what the caller
// receives.
type Transport struct {
	Base    http.RoundTripper
	Hooks   Hooks
	Matcher *Matcher
	Now     func() time.Time
}

// NewTransport wraps base. A nil base means http.DefaultTransport.
func NewTransport(base http.RoundTripper, hooks Hooks, matcher *Matcher) (*Transport, error) {
	if hooks == nil {
		return nil, &domain.InterceptionError{Op: "attach", Err: errors.New("no hooks")}
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if _, ok := base.(*Transport); ok {
		return nil, &domain.InterceptionError{Op: "attach", Err: errors.New("transport is already instrumented")}
	}
	if matcher == nil {
		matcher = NewMatcher(nil)
	}
	return &Transport{Base: base, Hooks: hooks, Matcher: matcher, Now: time.Now}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.Matcher.Match(req.URL.Host) {
		return t.Base.RoundTrip(req)
	}

	out := req
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		out = req.Clone(req.Context())
		if err != nil {
			// the body is spent; the base sees the same bytes and the same
			// error it would have read itself
			slog.Debug("capture skipped unreadable request body", "url", req.URL.String(), "error", err)
			out.Body = io.NopCloser(io.MultiReader(bytes.NewReader(b), errReader{err}))
			return t.Base.RoundTrip(out)
		}
		body = b
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	id := req.Header.Get(IdempotencyHeader)
	if id == "" {
		id = ulid.Make().String()
	}
	start := t.now()
	t.safe(func() {
		t.Hooks.OnRequest(RequestEvent{
			RequestID: id,
			Time:      start,
			Method:    req.Method,
			URL:       req.URL.String(),
			Headers:   req.Header.Clone(),
			Body:      body,
		})
	})

	resp, err := t.Base.RoundTrip(out)
	if err != nil {
		t.safe(func() {
			t.Hooks.OnResponseComplete(ResponseEvent{
				RequestID: id,
				URL:       req.URL.String(),
				StartedAt: start,
				EndedAt:   t.now(),
				Err:       err,
			})
		})
		return nil, err
	}

	ob := &observedBody{
		rc:        resp.Body,
		transport: t,
		expected:  resp.ContentLength,
		event: ResponseEvent{
			RequestID:  id,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Headers:    resp.Header.Clone(),
			StartedAt:  start,
		},
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		ob.complete(false, nil)
		return resp, nil
	}
	resp.Body = ob
	return resp, nil
}

// errReader fails every read with err.
type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func (t *Transport) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// safe runs a hook, recovering panics so they never reach the host.
func (t *Transport) safe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("capture hook panicked", "panic", r)
		}
	}()
	fn()
}

// observedBody forwards reads unchanged and reports each chunk.
type observedBody struct {
	rc        io.ReadCloser
	transport *Transport
	expected  int64
	event     ResponseEvent

	mu   sync.Mutex
	seq  int
	read int64
	tail []byte
	once sync.Once
}

const tailSize = 512

// streamTerminators mark the final event of a provider stream. SDKs stop
// reading once they see one, so Close after it is not a truncation.
var streamTerminators = [][]byte{
	[]byte("data: [DONE]"),
	[]byte("event: message_stop"),
	[]byte(`"type":"message_stop"`),
	[]byte("event: response.completed"),
	[]byte(`"done":true`),
	[]byte(`"finishReason":`),
}

func (b *observedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		data := bytes.Clone(p[:n])
		b.mu.Lock()
		seq := b.seq
		b.seq++
		b.read += int64(n)
		b.tail = append(b.tail, data...)
		if len(b.tail) > tailSize {
			b.tail = b.tail[len(b.tail)-tailSize:]
		}
		b.mu.Unlock()
		b.transport.safe(func() {
			b.transport.Hooks.OnResponseChunk(ChunkEvent{
				RequestID: b.event.RequestID,
				Seq:       seq,
				Time:      b.transport.now(),
				Data:      data,
			})
		})
	}
	switch {
	case errors.Is(err, io.EOF):
		b.complete(false, nil)
	case err != nil:
		b.complete(true, err)
	}
	return n, err
}

func (b *observedBody) Close() error {
	err := b.rc.Close()
	b.mu.Lock()
	whole := b.expected >= 0 && b.read == b.expected
	if b.expected < 0 && !whole {
		whole = finishedStream(b.tail)
	}
	b.mu.Unlock()
	b.complete(!whole, nil)
	return err
}

func finishedStream(tail []byte) bool {
	for _, t := range streamTerminators {
		if bytes.Contains(tail, t) {
			return true
		}
	}
	return false
}

func (b *observedBody) complete(incomplete bool, err error) {
	b.once.Do(func() {
		ev := b.event
		ev.EndedAt = b.transport.now()
		ev.Incomplete = incomplete
		ev.Err = err
		b.transport.safe(func() { b.transport.Hooks.OnResponseComplete(ev) })
	})
}

// NewHTTPClient returns a client tuned for long-running model calls with
// capture attached.
func NewHTTPClient(hooks Hooks, matcher *Matcher) (*http.Client, error) {
	tr, err := NewTransport(newModelTransport(), hooks, matcher)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   10 * time.Minute,
		Transport: tr,
	}, nil
}
