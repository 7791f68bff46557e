// Package registry is the durable store of upstream endpoint
// definitions. Every operation re-reads the config file, mutates it and
// writes it back wholesale; there is no authoritative in-memory copy,
// so concurrent writers race and the last write wins. That is an
// accepted property of the single-operator deployment target.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kaus98/aigateway/pkg/cache"
)

const (
	AuthTypeAPIKey = "api-key"
	AuthTypeOAuth2 = "oauth2"
)

// Endpoint is one configured upstream chat-completion provider. Exactly
// one auth kind's fields are meaningful at resolve time; the other set
// may still be stored.
type Endpoint struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	BaseURL      string `json:"baseUrl"`
	AuthType     string `json:"authType"`
	APIKey       string `json:"apiKey,omitempty"`
	TokenURL     string `json:"tokenUrl,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Summary is the caller-facing view of an endpoint: secrets are never
// returned outside the server process, only their presence.
type Summary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	HasKey  bool   `json:"hasKey"`
}

func (e Endpoint) Summary() Summary {
	return Summary{
		ID:      e.ID,
		Name:    e.Name,
		BaseURL: e.BaseURL,
		HasKey:  e.APIKey != "" || e.ClientSecret != "",
	}
}

// GatewayConfig is the full durable gateway state.
type GatewayConfig struct {
	Endpoints         []Endpoint `json:"endpoints"`
	CurrentEndpointID string     `json:"currentEndpointId"`
	UnifiedAPIKey     string     `json:"unifiedApiKey"`
}

// OptString distinguishes an omitted JSON field from an explicit null
// from a value. Upserts use it for keep / clear / set semantics on
// secret fields.
type OptString struct {
	Present bool
	Null    bool
	Value   string
}

func (o *OptString) UnmarshalJSON(b []byte) error {
	o.Present = true
	if bytes.Equal(b, []byte("null")) {
		o.Null = true
		return nil
	}
	return json.Unmarshal(b, &o.Value)
}

func (o OptString) MarshalJSON() ([]byte, error) {
	if !o.Present || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// UpsertRequest carries a partial endpoint definition. A blank or
// omitted secret keeps the stored value; an explicit JSON null clears
// it.
type UpsertRequest struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	BaseURL      string    `json:"baseUrl"`
	AuthType     string    `json:"authType"`
	APIKey       OptString `json:"apiKey"`
	TokenURL     OptString `json:"tokenUrl"`
	ClientID     OptString `json:"clientId"`
	ClientSecret OptString `json:"clientSecret"`
	Scope        OptString `json:"scope"`
}

// Store reads and writes the gateway config file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the config file. A missing or corrupt file yields an empty
// config; that is never fatal. When the file is readable and carries no
// unified API key yet, one is generated and persisted immediately so it
// is stable for the life of the installation.
func (s *Store) Load() GatewayConfig {
	var cfg GatewayConfig
	if err := cache.LoadJSON(s.path, &cfg); err != nil {
		return GatewayConfig{Endpoints: []Endpoint{}}
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = []Endpoint{}
	}
	if strings.TrimSpace(cfg.UnifiedAPIKey) == "" {
		cfg.UnifiedAPIKey = "ag-" + uuid.NewString()
		_ = s.save(cfg)
	}
	return cfg
}

func (s *Store) save(cfg GatewayConfig) error {
	return cache.SaveJSON(s.path, cfg)
}

// List returns masked endpoint summaries and the current endpoint id.
func (s *Store) List() ([]Summary, string) {
	cfg := s.Load()
	out := make([]Summary, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		out = append(out, e.Summary())
	}
	return out, cfg.CurrentEndpointID
}

// Resolve returns the endpoint matching id, or, when id is empty, the
// current endpoint, falling back to the first registered one.
func (s *Store) Resolve(id string) (Endpoint, bool) {
	cfg := s.Load()
	return resolveIn(cfg, id)
}

func resolveIn(cfg GatewayConfig, id string) (Endpoint, bool) {
	if id != "" {
		for _, e := range cfg.Endpoints {
			if e.ID == id {
				return e, true
			}
		}
		return Endpoint{}, false
	}
	for _, e := range cfg.Endpoints {
		if e.ID == cfg.CurrentEndpointID {
			return e, true
		}
	}
	if len(cfg.Endpoints) > 0 {
		return cfg.Endpoints[0], true
	}
	return Endpoint{}, false
}

// FindByName matches an endpoint by name, case-insensitively. The
// unified aggregator addresses endpoints this way.
func (s *Store) FindByName(name string) (Endpoint, bool) {
	cfg := s.Load()
	for _, e := range cfg.Endpoints {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return Endpoint{}, false
}

// UnifiedKey returns the shared unified API key, which may be empty if
// the config file has never been written.
func (s *Store) UnifiedKey() string {
	return s.Load().UnifiedAPIKey
}

// Upsert creates or updates an endpoint. The returned bool reports
// whether OAuth credentials (tokenUrl, clientId, clientSecret) changed,
// so the caller can evict any cached token for the endpoint.
func (s *Store) Upsert(req UpsertRequest) (Endpoint, bool, error) {
	cfg := s.Load()

	req.BaseURL = strings.TrimRight(strings.TrimSpace(req.BaseURL), "/")
	req.Name = strings.TrimSpace(req.Name)

	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].ID != req.ID || req.ID == "" {
			continue
		}
		ep := &cfg.Endpoints[i]
		if req.Name != "" {
			ep.Name = req.Name
		}
		if req.BaseURL != "" {
			ep.BaseURL = req.BaseURL
		}
		if at := normalizeAuthType(req.AuthType); at != "" {
			ep.AuthType = at
		}
		credsChanged := false
		applyOpt(&ep.APIKey, req.APIKey)
		credsChanged = applyOpt(&ep.TokenURL, req.TokenURL) || credsChanged
		credsChanged = applyOpt(&ep.ClientID, req.ClientID) || credsChanged
		credsChanged = applyOpt(&ep.ClientSecret, req.ClientSecret) || credsChanged
		applyOpt(&ep.Scope, req.Scope)
		if err := s.save(cfg); err != nil {
			return Endpoint{}, false, err
		}
		return *ep, credsChanged, nil
	}

	if req.Name == "" {
		return Endpoint{}, false, fmt.Errorf("endpoint name is required")
	}
	if req.BaseURL == "" {
		return Endpoint{}, false, fmt.Errorf("endpoint baseUrl is required")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	ep := Endpoint{
		ID:           id,
		Name:         req.Name,
		BaseURL:      req.BaseURL,
		AuthType:     normalizeAuthType(req.AuthType),
		APIKey:       optValue(req.APIKey),
		TokenURL:     optValue(req.TokenURL),
		ClientID:     optValue(req.ClientID),
		ClientSecret: optValue(req.ClientSecret),
		Scope:        optValue(req.Scope),
	}
	if ep.AuthType == "" {
		ep.AuthType = AuthTypeAPIKey
	}
	cfg.Endpoints = append(cfg.Endpoints, ep)
	if len(cfg.Endpoints) == 1 {
		cfg.CurrentEndpointID = ep.ID
	}
	if err := s.save(cfg); err != nil {
		return Endpoint{}, false, err
	}
	return ep, false, nil
}

// applyOpt mutates dst per the keep / clear / set rules and reports
// whether dst changed.
func applyOpt(dst *string, o OptString) bool {
	switch {
	case !o.Present:
		return false
	case o.Null:
		changed := *dst != ""
		*dst = ""
		return changed
	case strings.TrimSpace(o.Value) == "":
		return false
	default:
		changed := *dst != o.Value
		*dst = o.Value
		return changed
	}
}

func optValue(o OptString) string {
	if !o.Present || o.Null {
		return ""
	}
	return o.Value
}

func normalizeAuthType(at string) string {
	switch strings.ToLower(strings.TrimSpace(at)) {
	case AuthTypeOAuth2:
		return AuthTypeOAuth2
	case AuthTypeAPIKey:
		return AuthTypeAPIKey
	case "":
		return ""
	default:
		return AuthTypeAPIKey
	}
}

// Delete removes the endpoint. If it was current, the first remaining
// endpoint becomes current, or none when the list is empty.
func (s *Store) Delete(id string) error {
	cfg := s.Load()
	kept := cfg.Endpoints[:0]
	for _, e := range cfg.Endpoints {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	cfg.Endpoints = kept
	if cfg.CurrentEndpointID == id {
		if len(cfg.Endpoints) > 0 {
			cfg.CurrentEndpointID = cfg.Endpoints[0].ID
		} else {
			cfg.CurrentEndpointID = ""
		}
	}
	return s.save(cfg)
}

// SelectCurrent marks id as the current endpoint. Existence is not
// validated here; resolution happens at request time.
func (s *Store) SelectCurrent(id string) error {
	cfg := s.Load()
	cfg.CurrentEndpointID = id
	return s.save(cfg)
}

// Endpoints returns all registered endpoints with secrets intact. For
// in-process use only.
func (s *Store) Endpoints() []Endpoint {
	return s.Load().Endpoints
}
