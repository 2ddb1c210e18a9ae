package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/evhome/chargectl/internal/ctlerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ctlerr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ctlerr.ErrNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, ctlerr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ctlerr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ctlerr.ErrTransportTimeout), errors.Is(err, ctlerr.ErrTransportClosed):
		return http.StatusInternalServerError
	case errors.Is(err, ctlerr.ErrModbus), errors.Is(err, ctlerr.ErrCLI), errors.Is(err, ctlerr.ErrParse), errors.Is(err, ctlerr.ErrValidationRejected):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ctlerr.ErrInvalidInput
	}
	return nil
}
