package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kaus98/aigateway/pkg/apierr"
	"github.com/kaus98/aigateway/pkg/token"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps the error taxonomy onto HTTP statuses. Every handler
// funnels failures through here; nothing escapes as a bare 200 or a
// dead process.
func writeError(w http.ResponseWriter, err error) {
	var (
		notFound   *apierr.NotFoundError
		validation *apierr.ValidationError
		upstream   *apierr.UpstreamError
		auth       *token.AuthError
	)
	switch {
	case errors.As(err, &notFound):
		writeErrorMessage(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &validation):
		writeErrorMessage(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &auth):
		writeErrorMessage(w, http.StatusBadGateway, auth.Error())
	case errors.As(err, &upstream):
		writeErrorMessage(w, http.StatusBadGateway, upstream.Error())
	default:
		writeErrorMessage(w, http.StatusInternalServerError, err.Error())
	}
}
