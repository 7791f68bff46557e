// Package catalog maintains the durable per-endpoint cache of
// chat-capable model descriptors. Entries have no TTL: staleness is
// resolved only by an explicit refresh, or lazily on a cache miss.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/kaus98/aigateway/pkg/apierr"
	"github.com/kaus98/aigateway/pkg/cache"
	"github.com/kaus98/aigateway/pkg/registry"
	"github.com/kaus98/aigateway/pkg/token"
)

// Model is a raw upstream model descriptor. All upstream fields are
// preserved; only the id is interpreted.
type Model map[string]any

func (m Model) ID() string {
	if id, ok := m["id"].(string); ok {
		return id
	}
	return ""
}

// Substrings marking models the gateway will never route chat traffic
// to. Matching is against the lower-cased id.
var denylist = []string{
	"embed",
	"audio",
	"tts",
	"whisper",
	"dall-e",
	"moderation",
	"realtime",
}

// ChatCapable reports whether a model id passes the denylist.
func ChatCapable(id string) bool {
	if id == "" {
		return false
	}
	lower := strings.ToLower(id)
	for _, deny := range denylist {
		if strings.Contains(lower, deny) {
			return false
		}
	}
	return true
}

// Filter promotes a "model" field into a missing "id" and drops every
// descriptor that is not chat-capable. It is idempotent.
func Filter(models []Model) []Model {
	out := make([]Model, 0, len(models))
	for _, m := range models {
		if m.ID() == "" {
			if alt, ok := m["model"].(string); ok && alt != "" {
				m["id"] = alt
			}
		}
		if ChatCapable(m.ID()) {
			out = append(out, m)
		}
	}
	return out
}

// Cache is the durable model catalog, keyed by endpoint id.
type Cache struct {
	path     string
	registry *registry.Store
	tokens   *token.Resolver
	client   *http.Client
}

func New(path string, reg *registry.Store, tokens *token.Resolver) *Cache {
	return &Cache{
		path:     path,
		registry: reg,
		tokens:   tokens,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Cache) load() map[string][]Model {
	entries := map[string][]Model{}
	if err := cache.LoadJSON(c.path, &entries); err != nil {
		return map[string][]Model{}
	}
	return entries
}

// Get returns the cached catalog for the endpoint, fetching live and
// persisting on a miss. Cached entries are returned unchanged, however
// stale they may be.
func (c *Cache) Get(ctx context.Context, endpointID string) ([]Model, error) {
	entries := c.load()
	if endpointID != "" {
		if models := entries[endpointID]; len(models) > 0 {
			return models, nil
		}
	}
	ep, ok := c.registry.Resolve(endpointID)
	if !ok {
		return nil, &apierr.NotFoundError{What: "no endpoint configured"}
	}
	if models := entries[ep.ID]; len(models) > 0 {
		return models, nil
	}
	log.Debug("model cache miss, fetching live", "endpoint", ep.Name)
	models, err := c.FetchLive(ctx, ep)
	if err != nil {
		return nil, err
	}
	entries[ep.ID] = models
	if err := cache.SaveJSON(c.path, entries); err != nil {
		log.Warn("persist model cache", "err", err)
	}
	return models, nil
}

// FetchLive queries the endpoint's /models listing and returns the
// filtered chat-capable descriptors.
func (c *Cache) FetchLive(ctx context.Context, ep registry.Endpoint) ([]Model, error) {
	bearer, err := c.tokens.Resolve(ctx, ep)
	if err != nil {
		return nil, err
	}
	u := strings.TrimRight(ep.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch models from %s: %w", ep.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apierr.UpstreamError{Endpoint: ep.Name, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var listing struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode models from %s: %w", ep.Name, err)
	}
	return Filter(listing.Data), nil
}

// RefreshAll fetches every registered endpoint's catalog concurrently.
// Failures are isolated per endpoint and reported in the results map;
// successful entries overwrite their cache slot wholesale and the cache
// file is persisted once after all fetches settle.
func (c *Cache) RefreshAll(ctx context.Context) (map[string]string, error) {
	entries := c.load()
	results := map[string]string{}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ep := range c.registry.Endpoints() {
		wg.Add(1)
		go func(ep registry.Endpoint) {
			defer wg.Done()
			models, err := c.FetchLive(ctx, ep)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("model refresh failed", "endpoint", ep.Name, "err", err)
				results[ep.Name] = "Failed: " + err.Error()
				return
			}
			entries[ep.ID] = models
			results[ep.Name] = "Success"
		}(ep)
	}
	wg.Wait()

	if err := cache.SaveJSON(c.path, entries); err != nil {
		return results, fmt.Errorf("persist model cache: %w", err)
	}
	return results, nil
}
