package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kaus98/aigateway/pkg/apierr"
	"github.com/kaus98/aigateway/pkg/registry"
	"github.com/kaus98/aigateway/pkg/token"
)

// Unified merges every endpoint's models into one namespace and routes
// composite "<endpointName>/<modelId>" requests to the right provider.
type Unified struct {
	registry  *registry.Store
	tokens    *token.Resolver
	forwarder *Forwarder
	client    *http.Client
}

func NewUnified(reg *registry.Store, tokens *token.Resolver, forwarder *Forwarder) *Unified {
	return &Unified{
		registry:  reg,
		tokens:    tokens,
		forwarder: forwarder,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

type UnifiedModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListModels fetches every endpoint's live /models listing concurrently
// and namespaces each model id with its endpoint name. It bypasses the
// catalog cache for call-time freshness. A failing endpoint is logged
// and omitted; the aggregate never fails because of one bad provider.
func (u *Unified) ListModels(ctx context.Context) []UnifiedModel {
	endpoints := u.registry.Endpoints()
	all := make([]UnifiedModel, 0, 64)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep registry.Endpoint) {
			defer wg.Done()
			models, err := u.fetchEndpointModels(ctx, ep)
			if err != nil {
				log.Warn("unified models fetch failed", "endpoint", ep.Name, "err", err)
				return
			}
			mu.Lock()
			all = append(all, models...)
			mu.Unlock()
		}(ep)
	}
	wg.Wait()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func (u *Unified) fetchEndpointModels(ctx context.Context, ep registry.Endpoint) ([]UnifiedModel, error) {
	bearer, err := u.tokens.Resolve(ctx, ep)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(ep.BaseURL, "/")+"/models", nil)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apierr.UpstreamError{Endpoint: ep.Name, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	out := []UnifiedModel{}
	for _, m := range gjson.GetBytes(body, "data").Array() {
		realID := m.Get("id").String()
		if realID == "" {
			realID = m.Get("model").String()
		}
		if realID == "" {
			continue
		}
		created := m.Get("created").Int()
		if created == 0 {
			created = now
		}
		out = append(out, UnifiedModel{
			ID:      ep.Name + "/" + realID,
			Object:  "model",
			Created: created,
			OwnedBy: ep.Name,
		})
	}
	return out, nil
}

// SplitCompositeModel splits "<endpointName>/<realModelId>" on the
// first slash only, so real model ids containing slashes survive.
func SplitCompositeModel(model string) (endpointName, realModelID string, err error) {
	idx := strings.Index(model, "/")
	if idx < 0 {
		return "", "", &apierr.ValidationError{Reason: `invalid model format, expected "EndpointName/ModelID"`}
	}
	return model[:idx], model[idx+1:], nil
}

// ChatCompletion routes a composite-model request to its endpoint. The
// outbound payload carries the real model id; on the non-streaming
// success path the forwarder rewrites the echoed model back to the
// composite id so the caller's addressing scheme holds end to end.
func (u *Unified) ChatCompletion(ctx context.Context, w http.ResponseWriter, body []byte) error {
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return &apierr.ValidationError{Reason: "model is required"}
	}
	endpointName, realModelID, err := SplitCompositeModel(model)
	if err != nil {
		return err
	}
	ep, ok := u.registry.FindByName(endpointName)
	if !ok {
		return &apierr.NotFoundError{What: fmt.Sprintf("endpoint %q not found", endpointName)}
	}
	out, err := sjson.SetBytes(body, "model", realModelID)
	if err != nil {
		return &apierr.ValidationError{Reason: "invalid request body: " + err.Error()}
	}
	log.Info("unified chat", "endpoint", ep.Name, "model", realModelID, "stream", gjson.GetBytes(out, "stream").Bool())
	return u.forwarder.ChatCompletion(ctx, w, ep, out, model)
}

// unifiedAuthOpen reports whether the gate should admit the request.
// With no key ever generated the gate is open; otherwise the exact
// bearer token is required.
func unifiedAuthOpen(key string, r *http.Request) bool {
	if key == "" {
		return true
	}
	return bearerToken(r.Header) == key
}
