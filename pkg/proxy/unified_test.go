package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/kaus98/aigateway/pkg/apierr"
	"github.com/kaus98/aigateway/pkg/registry"
	"github.com/kaus98/aigateway/pkg/token"
)

func TestSplitCompositeModel(t *testing.T) {
	cases := []struct {
		in       string
		endpoint string
		model    string
		wantErr  bool
	}{
		{in: "Groq/llama-3.1-70b", endpoint: "Groq", model: "llama-3.1-70b"},
		{in: "a/b/c", endpoint: "a", model: "b/c"},
		{in: "Fireworks/accounts/fireworks/models/llama-v3", endpoint: "Fireworks", model: "accounts/fireworks/models/llama-v3"},
		{in: "/gpt-4", endpoint: "", model: "gpt-4"},
		{in: "gpt-4", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		ep, model, err := SplitCompositeModel(tc.in)
		if tc.wantErr {
			if !apierr.IsValidation(err) {
				t.Errorf("split(%q): err = %v, want ValidationError", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("split(%q): %v", tc.in, err)
			continue
		}
		if ep != tc.endpoint || model != tc.model {
			t.Errorf("split(%q) = (%q, %q), want (%q, %q)", tc.in, ep, model, tc.endpoint, tc.model)
		}
	}
}

func newTestUnified(t *testing.T) (*Unified, *registry.Store) {
	t.Helper()
	reg := registry.NewStore(filepath.Join(t.TempDir(), "config.json"))
	tokens := token.NewResolver()
	return NewUnified(reg, tokens, NewForwarder(tokens)), reg
}

func TestUnifiedChatRequiresModel(t *testing.T) {
	u, _ := newTestUnified(t)
	err := u.ChatCompletion(context.Background(), httptest.NewRecorder(), []byte(`{"messages":[]}`))
	if !apierr.IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestUnifiedChatUnknownEndpoint(t *testing.T) {
	u, _ := newTestUnified(t)
	err := u.ChatCompletion(context.Background(), httptest.NewRecorder(), []byte(`{"model":"Nope/gpt-4"}`))
	if !apierr.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestUnifiedChatRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		// Upstream must see the real model id, never the composite.
		if got := gjson.GetBytes(body, "model").String(); got != "llama-3.1-70b" {
			t.Errorf("upstream model = %q", got)
		}
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","model":"llama-3.1-70b","choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	u, reg := newTestUnified(t)
	if _, _, err := reg.Upsert(registry.UpsertRequest{Name: "Groq", BaseURL: srv.URL}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec := httptest.NewRecorder()
	// Endpoint name matching is case-insensitive; the composite id is
	// echoed back exactly as the caller wrote it.
	err := u.ChatCompletion(context.Background(), rec, []byte(`{"model":"groq/llama-3.1-70b","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "model").String(); got != "groq/llama-3.1-70b" {
		t.Fatalf("echoed model = %q", got)
	}
}

func TestUnifiedListModelsAggregatesAndOmitsFailures(t *testing.T) {
	groq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"llama-3.1-70b","created":1700000000},{"model":"mixtral-8x7b"}]}`))
	}))
	defer groq.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	u, reg := newTestUnified(t)
	for _, req := range []registry.UpsertRequest{
		{Name: "Groq", BaseURL: groq.URL},
		{Name: "Down", BaseURL: down.URL},
	} {
		if _, _, err := reg.Upsert(req); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	models := u.ListModels(context.Background())
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	want := []string{"Groq/llama-3.1-70b", "Groq/mixtral-8x7b"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if models[0].Created != 1700000000 || models[0].OwnedBy != "Groq" {
		t.Fatalf("model = %+v", models[0])
	}
	if models[1].Created == 0 {
		t.Fatal("missing created must default to now")
	}
}
