package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kaus98/aigateway/pkg/registry"
	"github.com/kaus98/aigateway/pkg/token"
)

func apiKeyEndpoint(baseURL string) registry.Endpoint {
	return registry.Endpoint{
		ID:       "e1",
		Name:     "Upstream",
		BaseURL:  baseURL,
		AuthType: registry.AuthTypeAPIKey,
		APIKey:   "sk-test",
	}
}

func TestForwardNonStreamingRelaysVerbatim(t *testing.T) {
	var upstreamBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		b, _ := io.ReadAll(r.Body)
		upstreamBody.Store(string(b))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","model":"gpt-4","choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	f := NewForwarder(token.NewResolver())
	rec := httptest.NewRecorder()
	in := []byte(`{"model":"gpt-4","endpointId":"e1","messages":[{"role":"user","content":"hello","html":"<p>hello</p>"},{"role":"assistant","content":"hey"}]}`)
	if err := f.ChatCompletion(context.Background(), rec, apiKeyEndpoint(srv.URL), in, ""); err != nil {
		t.Fatalf("forward: %v", err)
	}

	sent := upstreamBody.Load().(string)
	if gjson.Get(sent, "endpointId").Exists() {
		t.Fatalf("endpointId leaked upstream: %s", sent)
	}
	if gjson.Get(sent, "messages.0.html").Exists() {
		t.Fatalf("message html leaked upstream: %s", sent)
	}
	if gjson.Get(sent, "messages.0.content").String() != "hello" {
		t.Fatalf("message content mangled: %s", sent)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "choices.0.message.content").String(); got != "hi" {
		t.Fatalf("relayed body = %s", rec.Body.String())
	}
}

func TestForwardRewritesEchoedModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","model":"llama-3.1-70b"}`))
	}))
	defer srv.Close()

	f := NewForwarder(token.NewResolver())
	rec := httptest.NewRecorder()
	err := f.ChatCompletion(context.Background(), rec, apiKeyEndpoint(srv.URL), []byte(`{"model":"llama-3.1-70b"}`), "Groq/llama-3.1-70b")
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if got := gjson.Get(rec.Body.String(), "model").String(); got != "Groq/llama-3.1-70b" {
		t.Fatalf("model = %q", got)
	}
}

func TestForwardRelaysUpstreamJSONErrorVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	f := NewForwarder(token.NewResolver())
	rec := httptest.NewRecorder()
	if err := f.ChatCompletion(context.Background(), rec, apiKeyEndpoint(srv.URL), []byte(`{"model":"gpt-4"}`), ""); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.message").String(); got != "rate limited" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestForwardGenericErrorForNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>upstream proxy error</html>"))
	}))
	defer srv.Close()

	f := NewForwarder(token.NewResolver())
	rec := httptest.NewRecorder()
	if err := f.ChatCompletion(context.Background(), rec, apiKeyEndpoint(srv.URL), []byte(`{"model":"gpt-4"}`), ""); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error").String(); got != "failed to parse upstream error response" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestForwardStreamingRelaysBytes(t *testing.T) {
	frames := "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{frames[:20], frames[20:]} {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	f := NewForwarder(token.NewResolver())
	rec := httptest.NewRecorder()
	if err := f.ChatCompletion(context.Background(), rec, apiKeyEndpoint(srv.URL), []byte(`{"model":"gpt-4","stream":true}`), ""); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	if rec.Body.String() != frames {
		t.Fatalf("relayed stream = %q, want byte-for-byte copy", rec.Body.String())
	}
	if !rec.Flushed {
		t.Fatal("stream response never flushed")
	}
}

// failingWriter rejects every body write, standing in for a client that
// has gone away mid-stream.
type failingWriter struct {
	header http.Header
}

func (f *failingWriter) Header() http.Header       { return f.header }
func (f *failingWriter) WriteHeader(int)           {}
func (f *failingWriter) Write([]byte) (int, error) { return 0, errors.New("client gone") }
func (f *failingWriter) Flush()                    {}

func TestForwardDownstreamFailureCancelsUpstream(t *testing.T) {
	upstreamCancelled := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(upstreamCancelled)
		case <-time.After(3 * time.Second):
			t.Error("upstream request not cancelled after downstream write failure")
		}
	}))
	defer srv.Close()

	f := NewForwarder(token.NewResolver())
	w := &failingWriter{header: http.Header{}}
	if err := f.ChatCompletion(context.Background(), w, apiKeyEndpoint(srv.URL), []byte(`{"model":"gpt-4","stream":true}`), ""); err != nil {
		t.Fatalf("forward: %v", err)
	}
	select {
	case <-upstreamCancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never observed cancellation")
	}
}
