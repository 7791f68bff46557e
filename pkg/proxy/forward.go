package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kaus98/aigateway/pkg/registry"
	"github.com/kaus98/aigateway/pkg/token"
)

// Forwarder translates one inbound chat-completion request into an
// authenticated upstream call against a single endpoint, relaying the
// response verbatim. One upstream call per inbound request; no retries.
type Forwarder struct {
	tokens *token.Resolver
	// No overall timeout: streaming responses stay open until the
	// upstream finishes or the caller's context is cancelled.
	client *http.Client
}

func NewForwarder(tokens *token.Resolver) *Forwarder {
	return &Forwarder{
		tokens: tokens,
		client: &http.Client{},
	}
}

// sanitizeChatBody strips gateway-internal fields before forwarding:
// the endpoint-routing hint and the per-message rendered html the UI
// attaches, neither of which upstream chat APIs recognize.
func sanitizeChatBody(body []byte) []byte {
	body, _ = sjson.DeleteBytes(body, "endpointId")
	msgs := gjson.GetBytes(body, "messages")
	if msgs.IsArray() {
		for i := range msgs.Array() {
			body, _ = sjson.DeleteBytes(body, fmt.Sprintf("messages.%d.html", i))
		}
	}
	return body
}

// ChatCompletion forwards body to the endpoint's /chat/completions.
// When rewriteModel is non-empty, the echoed model field of a
// non-streaming success response is rewritten to it (the unified
// aggregator uses this to hand the caller back its composite id).
//
// An error return means nothing has been written to w yet; once the
// relay starts, failures are handled in place.
func (f *Forwarder) ChatCompletion(ctx context.Context, w http.ResponseWriter, ep registry.Endpoint, body []byte, rewriteModel string) error {
	bearer, err := f.tokens.Resolve(ctx, ep)
	if err != nil {
		return err
	}

	body = sanitizeChatBody(body)
	stream := gjson.GetBytes(body, "stream").Bool()

	// Cancelling this context on a downstream write failure tears the
	// upstream read down instead of letting it run to completion.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	u := strings.TrimRight(ep.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s unreachable: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		relayUpstreamError(w, ep, resp)
		return nil
	}

	if stream {
		f.relayStream(w, ep, resp, cancel)
		return nil
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read upstream response from %s: %w", ep.Name, err)
	}
	if rewriteModel != "" && gjson.GetBytes(respBody, "model").Exists() {
		respBody, _ = sjson.SetBytes(respBody, "model", rewriteModel)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
	return nil
}

// relayUpstreamError relays the upstream status and parsed JSON error
// body verbatim, or a generic error object when the body is not JSON.
func relayUpstreamError(w http.ResponseWriter, ep registry.Endpoint, resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	log.Warn("upstream error", "endpoint", ep.Name, "status", resp.StatusCode)
	if !json.Valid(body) || len(body) == 0 {
		writeErrorMessage(w, resp.StatusCode, "failed to parse upstream error response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// relayStream copies the upstream byte stream to the caller chunk by
// chunk, preserving arrival order without buffering or reassembly. A
// failed downstream write cancels the upstream request. A mid-stream
// upstream failure just ends the stream; callers treat that as
// truncation.
func (f *Forwarder) relayStream(w http.ResponseWriter, ep registry.Endpoint, resp *http.Response, cancel context.CancelFunc) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				log.Debug("client disconnected mid-stream", "endpoint", ep.Name)
				cancel()
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Warn("upstream stream ended abnormally", "endpoint", ep.Name, "err", readErr)
			}
			return
		}
	}
}
