package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/kaus98/aigateway/pkg/apierr"
	"github.com/kaus98/aigateway/pkg/cache"
	"github.com/kaus98/aigateway/pkg/registry"
	"github.com/kaus98/aigateway/pkg/token"
)

func modelIDs(models []Model) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		out = append(out, m.ID())
	}
	return out
}

func TestFilterDenylist(t *testing.T) {
	in := []Model{
		{"id": "gpt-4"},
		{"id": "text-embedding-3"},
		{"id": "whisper-1"},
		{"id": "gpt-4/whatever"},
	}
	got := modelIDs(Filter(in))
	want := []string{"gpt-4", "gpt-4/whatever"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("filtered = %v, want %v", got, want)
	}
}

func TestFilterDropsEveryDeniedKind(t *testing.T) {
	in := []Model{
		{"id": "text-embedding-ada-002"},
		{"id": "gpt-4o-audio-preview"},
		{"id": "tts-1-hd"},
		{"id": "whisper-large-v3"},
		{"id": "dall-e-3"},
		{"id": "omni-moderation-latest"},
		{"id": "gpt-4o-realtime-preview"},
		{"id": "llama-3.1-70b"},
	}
	got := modelIDs(Filter(in))
	if !reflect.DeepEqual(got, []string{"llama-3.1-70b"}) {
		t.Fatalf("filtered = %v", got)
	}
}

func TestFilterPromotesModelField(t *testing.T) {
	in := []Model{
		{"model": "mistral-small"},
		{"object": "model"}, // no usable id at all
	}
	got := Filter(in)
	if len(got) != 1 || got[0].ID() != "mistral-small" {
		t.Fatalf("filtered = %v", got)
	}
}

func newTestCache(t *testing.T, endpoints ...registry.UpsertRequest) (*Cache, *registry.Store, string) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.NewStore(filepath.Join(dir, "config.json"))
	for _, req := range endpoints {
		if _, _, err := reg.Upsert(req); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	path := filepath.Join(dir, "models.json")
	return New(path, reg, token.NewResolver()), reg, path
}

func TestGetWithoutEndpointsIsNotFound(t *testing.T) {
	c, _, _ := newTestCache(t)
	_, err := c.Get(context.Background(), "")
	if !apierr.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestGetServesCacheWithoutNetwork(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":[{"id":"fresh-model"}]}`))
	}))
	defer srv.Close()

	c, reg, path := newTestCache(t, registry.UpsertRequest{Name: "A", BaseURL: srv.URL})
	ep, _ := reg.Resolve("")
	seed := map[string][]Model{ep.ID: {{"id": "cached-model"}}}
	if err := cache.SaveJSON(path, seed); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	models, err := c.Get(context.Background(), ep.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(models) != 1 || models[0].ID() != "cached-model" {
		t.Fatalf("models = %v", models)
	}
	if calls.Load() != 0 {
		t.Fatal("cache hit must not fetch live")
	}
}

func TestGetMissFetchesLiveAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-live" {
			t.Fatalf("authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4"},{"id":"whisper-1"}]}`))
	}))
	defer srv.Close()

	c, reg, path := newTestCache(t, registry.UpsertRequest{
		Name:    "A",
		BaseURL: srv.URL,
		APIKey:  registry.OptString{Present: true, Value: "sk-live"},
	})
	ep, _ := reg.Resolve("")

	models, err := c.Get(context.Background(), "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := modelIDs(models); !reflect.DeepEqual(got, []string{"gpt-4"}) {
		t.Fatalf("models = %v", got)
	}

	var persisted map[string][]Model
	if err := cache.LoadJSON(path, &persisted); err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if got := modelIDs(persisted[ep.ID]); !reflect.DeepEqual(got, []string{"gpt-4"}) {
		t.Fatalf("persisted = %v", got)
	}
}

func TestFetchLiveUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	c, reg, _ := newTestCache(t, registry.UpsertRequest{Name: "A", BaseURL: srv.URL})
	ep, _ := reg.Resolve("")
	_, err := c.FetchLive(context.Background(), ep)
	upstream, ok := err.(*apierr.UpstreamError)
	if !ok {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if upstream.Status != http.StatusServiceUnavailable || upstream.Body != "overloaded" {
		t.Fatalf("upstream error = %+v", upstream)
	}
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"llama-3.1-70b"}]}`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	bad.Close()

	c, reg, path := newTestCache(t,
		registry.UpsertRequest{Name: "Good", BaseURL: good.URL},
		registry.UpsertRequest{Name: "Bad", BaseURL: bad.URL},
	)

	results, err := c.RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if results["Good"] != "Success" {
		t.Fatalf("good result = %q", results["Good"])
	}
	if results["Bad"] == "" || results["Bad"] == "Success" {
		t.Fatalf("bad result = %q, want Failed: <reason>", results["Bad"])
	}
	if len(results) != 2 {
		t.Fatalf("results = %v, want every endpoint attempted", results)
	}

	// The good endpoint's update is persisted despite the failure.
	goodEp, _ := reg.FindByName("Good")
	var persisted map[string][]Model
	if err := cache.LoadJSON(path, &persisted); err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if got := modelIDs(persisted[goodEp.ID]); !reflect.DeepEqual(got, []string{"llama-3.1-70b"}) {
		t.Fatalf("persisted good = %v", got)
	}
}
