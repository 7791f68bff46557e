// Package token turns an endpoint's credential configuration into a
// usable bearer token. OAuth2 client-credentials tokens are cached in
// memory only: losing them on restart forces a clean grant, which is
// intentional since no refresh token is ever retained.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kaus98/aigateway/pkg/cache"
	"github.com/kaus98/aigateway/pkg/registry"
)

// A cached token is reused only while it stays valid at least this far
// past now.
const expirySkew = 5 * time.Minute

const defaultExpiresIn = 3600 * time.Second

// AuthError reports a rejected or unreachable token fetch. Status is 0
// when the token URL could not be reached at all.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("oauth token fetch failed: %s", e.Body)
	}
	return fmt.Sprintf("oauth token fetch failed: status %d: %s", e.Status, e.Body)
}

// Resolver resolves bearer tokens for endpoints, owning the in-memory
// token cache. It is polymorphic over the endpoint's auth kind.
type Resolver struct {
	tokens *cache.ExpiringMap[string, string]
	client *http.Client
	now    func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{
		tokens: cache.NewExpiringMap[string, string](),
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

// Resolve returns the bearer token for the endpoint. For api-key
// endpoints this is a pure lookup; for oauth2 endpoints a cached token
// is reused until it comes within the expiry skew, then one fresh
// client-credentials grant is issued. Concurrent callers racing past a
// stale cache may each refresh; providers tolerate duplicate grants, so
// there is deliberately no single-flight here.
func (r *Resolver) Resolve(ctx context.Context, ep registry.Endpoint) (string, error) {
	return credentialsFor(ep).resolve(ctx, r)
}

// Invalidate drops any cached token for the endpoint. Call it whenever
// the endpoint's tokenUrl, clientId or clientSecret changes, and on
// endpoint deletion.
func (r *Resolver) Invalidate(endpointID string) {
	r.tokens.Delete(endpointID)
}

type credentials interface {
	resolve(ctx context.Context, r *Resolver) (string, error)
}

func credentialsFor(ep registry.Endpoint) credentials {
	if ep.AuthType == registry.AuthTypeOAuth2 {
		return oauthCredentials{ep: ep}
	}
	return apiKeyCredentials{ep: ep}
}

type apiKeyCredentials struct {
	ep registry.Endpoint
}

func (c apiKeyCredentials) resolve(context.Context, *Resolver) (string, error) {
	// May be empty; forwarded as-is for keyless upstreams.
	return c.ep.APIKey, nil
}

type oauthCredentials struct {
	ep registry.Endpoint
}

func (c oauthCredentials) resolve(ctx context.Context, r *Resolver) (string, error) {
	now := r.now()
	if tok, ok := r.tokens.GetFresh(c.ep.ID, now.Add(expirySkew)); ok {
		return tok, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.ep.ClientID)
	form.Set("client_secret", c.ep.ClientSecret)
	if strings.TrimSpace(c.ep.Scope) != "" {
		form.Set("scope", c.ep.Scope)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ep.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", &AuthError{Body: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &AuthError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &AuthError{Status: resp.StatusCode, Body: "invalid token response: " + err.Error()}
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", &AuthError{Status: resp.StatusCode, Body: "token response missing access_token"}
	}
	ttl := defaultExpiresIn
	if out.ExpiresIn > 0 {
		ttl = time.Duration(out.ExpiresIn) * time.Second
	}
	r.tokens.Set(c.ep.ID, out.AccessToken, now.Add(ttl))
	return out.AccessToken, nil
}
