package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/felixgeelhaar/agentlens/internal/decompose"
	"github.com/felixgeelhaar/agentlens/internal/domain"
)

type testHooks struct {
	mu        sync.Mutex
	requests  []RequestEvent
	chunks    []ChunkEvent
	responses []ResponseEvent
	panics    bool
}

func (h *testHooks) OnRequest(ev RequestEvent) {
	h.mu.Lock()
	h.requests = append(h.requests, ev)
	h.mu.Unlock()
	if h.panics {
		panic("hook failure")
	}
}

func (h *testHooks) OnResponseChunk(ev ChunkEvent) {
	h.mu.Lock()
	h.chunks = append(h.chunks, ev)
	h.mu.Unlock()
	if h.panics {
		panic("hook failure")
	}
}

func (h *testHooks) OnResponseComplete(ev ResponseEvent) {
	h.mu.Lock()
	h.responses = append(h.responses, ev)
	h.mu.Unlock()
}

func (h *testHooks) body() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	var b bytes.Buffer
	for i, c := range h.chunks {
		if c.Seq != i {
			return nil
		}
		b.Write(c.Data)
	}
	return b.Bytes()
}

func localMatcher() *Matcher {
	return NewMatcher([]string{"127.0.0.1:*"})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTransportCapturesMatchedCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"echo":` + string(body) + `}`))
	}))
	defer srv.Close()

	hooks := &testHooks{}
	tr, err := NewTransport(nil, hooks, localMatcher())
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	client := &http.Client{Transport: tr}

	payload := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`
	resp, err := client.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}

	want := `{"echo":` + payload + `}`
	if string(got) != want {
		t.Errorf("caller body = %q; want %q", got, want)
	}
	if len(hooks.requests) != 1 {
		t.Fatalf("requests = %d; want 1", len(hooks.requests))
	}
	if string(hooks.requests[0].Body) != payload {
		t.Errorf("captured request = %q; want %q", hooks.requests[0].Body, payload)
	}
	if string(hooks.body()) != want {
		t.Errorf("captured response = %q; want %q", hooks.body(), want)
	}
	if len(hooks.responses) != 1 {
		t.Fatalf("responses = %d; want exactly 1", len(hooks.responses))
	}
	r := hooks.responses[0]
	if r.Incomplete || r.Err != nil || r.StatusCode != http.StatusOK {
		t.Errorf("response event = %+v; want complete 200", r)
	}
	if r.RequestID != hooks.requests[0].RequestID {
		t.Errorf("response request id = %q; want %q", r.RequestID, hooks.requests[0].RequestID)
	}
}

func TestTransportSkipsUnmatchedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	hooks := &testHooks{}
	tr, err := NewTransport(nil, hooks, NewMatcher([]string{"api.anthropic.com"}))
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	resp, err := (&http.Client{Transport: tr}).Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	io.ReadAll(resp.Body)
	resp.Body.Close()

	if len(hooks.requests)+len(hooks.chunks)+len(hooks.responses) != 0 {
		t.Errorf("hooks fired for unmatched host: %+v", hooks)
	}
}

func TestTransportUsesIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	hooks := &testHooks{}
	tr, _ := NewTransport(nil, hooks, localMatcher())
	client := &http.Client{Transport: tr}

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("{}"))
		req.Header.Set(IdempotencyHeader, "stainless-retry-1")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	for _, r := range hooks.requests {
		if r.RequestID != "stainless-retry-1" {
			t.Errorf("RequestID = %q; want idempotency key", r.RequestID)
		}
	}
}

func TestTransportRetryRecordsEachAttempt(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "agent.jsonl")
	sink, err := OpenFileSink(path)
	if err != nil {
		t.Fatalf("OpenFileSink() error = %v", err)
	}
	rec := NewRecorder(RecorderConfig{SessionID: "agent"}, sink)
	tr, _ := NewTransport(nil, rec, localMatcher())
	client := &http.Client{Transport: tr}

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", strings.NewReader(`{"messages":[]}`))
		req.Header.Set(IdempotencyHeader, "k1")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	if err := rec.Close("success"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	log, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(log.Envelopes) != 2 {
		t.Fatalf("envelopes = %d; want 2", len(log.Envelopes))
	}
	want := []struct {
		status int
		body   string
	}{{429, `{"error":"rate"}`}, {200, `{"ok":true}`}}
	for i, w := range want {
		env := log.Envelopes[i]
		if env.RequestID != "k1" || env.Response.StatusCode != w.status || string(env.Response.Body) != w.body {
			t.Errorf("envelope %d = %s %d %q; want k1 %d %q", i, env.RequestID, env.Response.StatusCode, env.Response.Body, w.status, w.body)
		}
		if env.Response.DecodeError != "" {
			t.Errorf("envelope %d decode error = %q", i, env.Response.DecodeError)
		}
	}
}

func TestTransportEarlyCloseIsIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"type\":\"message_start\"}\n\n"))
		w.(http.Flusher).Flush()
		w.Write(bytes.Repeat([]byte("data: {}\n\n"), 4096))
	}))
	defer srv.Close()

	hooks := &testHooks{}
	tr, _ := NewTransport(nil, hooks, localMatcher())
	resp, err := (&http.Client{Transport: tr}).Post(srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	buf := make([]byte, 16)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	resp.Body.Close()
	resp.Body.Close()

	if len(hooks.responses) != 1 {
		t.Fatalf("responses = %d; want exactly 1", len(hooks.responses))
	}
	if !hooks.responses[0].Incomplete {
		t.Error("response should be incomplete after early close")
	}
}

func TestTransportCloseAfterStreamTerminator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[]}\n\ndata: [DONE]\n\n"))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	hooks := &testHooks{}
	tr, _ := NewTransport(nil, hooks, localMatcher())
	resp, err := (&http.Client{Transport: tr}).Post(srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	buf := make([]byte, 4096)
	var got []byte
	for !bytes.Contains(got, []byte("[DONE]")) {
		n, err := resp.Body.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	resp.Body.Close()

	if len(hooks.responses) != 1 {
		t.Fatalf("responses = %d; want exactly 1", len(hooks.responses))
	}
	if hooks.responses[0].Incomplete {
		t.Error("stream closed after [DONE] should be complete")
	}
}

func TestTransportErrorIsReported(t *testing.T) {
	boom := errors.New("connection refused")
	base := roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, boom })

	hooks := &testHooks{}
	tr, _ := NewTransport(base, hooks, NewMatcher([]string{"api.openai.com"}))
	req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", strings.NewReader("{}"))

	_, err := tr.RoundTrip(req)
	if !errors.Is(err, boom) {
		t.Fatalf("RoundTrip() error = %v; want %v", err, boom)
	}
	if len(hooks.responses) != 1 || !errors.Is(hooks.responses[0].Err, boom) {
		t.Errorf("responses = %+v; want one carrying the transport error", hooks.responses)
	}
}

func TestTransportRestoresRequestBody(t *testing.T) {
	var seen []byte
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen, _ = io.ReadAll(r.Body)
		if r.GetBody == nil {
			t.Error("GetBody was dropped")
		} else {
			again, _ := r.GetBody()
			b, _ := io.ReadAll(again)
			if !bytes.Equal(b, seen) {
				t.Errorf("GetBody() = %q; want %q", b, seen)
			}
		}
		return &http.Response{StatusCode: 200, Body: http.NoBody, Header: http.Header{}}, nil
	})

	hooks := &testHooks{}
	tr, _ := NewTransport(base, hooks, NewMatcher([]string{"api.openai.com"}))
	req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/responses", strings.NewReader(`{"input":"x"}`))
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if string(seen) != `{"input":"x"}` {
		t.Errorf("base saw %q", seen)
	}
	if len(hooks.responses) != 1 || hooks.responses[0].Incomplete {
		t.Errorf("empty body response = %+v; want one complete event", hooks.responses)
	}
}

func TestTransportForwardsRequestBodyError(t *testing.T) {
	errBody := errors.New("body source failed")
	var seen []byte
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		b, err := io.ReadAll(r.Body)
		seen = b
		return nil, err
	})
	hooks := &testHooks{}
	tr, _ := NewTransport(base, hooks, localMatcher())

	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:9/v1/messages",
		io.MultiReader(strings.NewReader(`{"par`), iotest.ErrReader(errBody)))
	_, err := tr.RoundTrip(req)
	if err != errBody {
		t.Errorf("RoundTrip() error = %v; want the body's own error", err)
	}
	if string(seen) != `{"par` {
		t.Errorf("base read %q; want the bytes read before the failure", seen)
	}
	if len(hooks.requests)+len(hooks.responses) != 0 {
		t.Errorf("hooks fired for an unreadable body: %+v", hooks)
	}
}

func TestTransportRecoversHookPanics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr, _ := NewTransport(nil, &testHooks{panics: true}, localMatcher())
	resp, err := (&http.Client{Transport: tr}).Post(srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil || string(body) != `{"ok":true}` {
		t.Errorf("body = %q, err = %v; want untouched response", body, err)
	}
}

func TestNewTransportErrors(t *testing.T) {
	var ie *domain.InterceptionError

	if _, err := NewTransport(nil, nil, nil); !errors.As(err, &ie) {
		t.Errorf("NewTransport(nil hooks) error = %v; want InterceptionError", err)
	}

	tr, err := NewTransport(nil, &testHooks{}, nil)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	if _, err := NewTransport(tr, &testHooks{}, nil); !errors.As(err, &ie) {
		t.Errorf("NewTransport(wrapped) error = %v; want InterceptionError", err)
	}
}

const chatCompletion = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],` +
	`"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`

func TestTransportWithOpenAIClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatCompletion))
	}))
	defer srv.Close()

	hooks := &testHooks{}
	httpClient, err := NewHTTPClient(hooks, localMatcher())
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}
	client := openai.NewClient(
		option.WithBaseURL(srv.URL+"/v1/"),
		option.WithAPIKey("sk-test"),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	completion, err := client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model:    openai.ChatModelGPT4o,
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Completions.New() error = %v", err)
	}
	if completion.Choices[0].Message.Content != "hello" {
		t.Errorf("content = %q; want hello", completion.Choices[0].Message.Content)
	}

	if len(hooks.requests) != 1 {
		t.Fatalf("requests = %d; want 1", len(hooks.requests))
	}
	req := hooks.requests[0]
	if !strings.HasSuffix(req.URL, "/v1/chat/completions") {
		t.Errorf("URL = %q", req.URL)
	}
	if p := decompose.Detect(req.URL, req.Body); p != domain.ProviderOpenAI {
		t.Errorf("Detect() = %q; want openai", p)
	}
	res := decompose.DecomposeResponse(hooks.body(), domain.ProviderOpenAI)
	if res.OutputTokens != 1 || res.InputTokens != 3 {
		t.Errorf("tokens = %d/%d; want 3/1", res.InputTokens, res.OutputTokens)
	}
}

func TestTransportWithOpenAIStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hel", "lo"} {
			w.Write([]byte(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"` + tok + `"}}]}` + "\n\n"))
			w.(http.Flusher).Flush()
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	hooks := &testHooks{}
	httpClient, _ := NewHTTPClient(hooks, localMatcher())
	client := openai.NewClient(
		option.WithBaseURL(srv.URL+"/v1/"),
		option.WithAPIKey("sk-test"),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	stream := client.Chat.Completions.NewStreaming(context.Background(), openai.ChatCompletionNewParams{
		Model:    openai.ChatModelGPT4o,
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")},
	})
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		acc.AddChunk(stream.Current())
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error = %v", err)
	}
	stream.Close()

	if acc.Choices[0].Message.Content != "Hello" {
		t.Errorf("accumulated = %q; want Hello", acc.Choices[0].Message.Content)
	}
	if len(hooks.responses) != 1 || hooks.responses[0].Incomplete {
		t.Fatalf("responses = %+v; want one complete", hooks.responses)
	}
	res := decompose.DecomposeResponse(hooks.body(), domain.ProviderOpenAI)
	if len(res.Spans) == 0 || res.Spans[0].Content != "Hello" {
		t.Errorf("spans = %+v; want text Hello", res.Spans)
	}
}
