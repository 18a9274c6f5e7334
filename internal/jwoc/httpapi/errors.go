package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/quaero/internal/jwoc/jwocerr"
)

// decodeJSON reads and decodes the request body into v. An empty body is
// treated as a no-op so action endpoints with an optional body don't fail.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		return err
	}
	return nil
}

// statusFor maps a jwocerr.Kind to the HTTP status the worker/frontend
// contract expects, the one place Kind translates to status code instead of
// scattering errors.Is checks across handlers.
func statusFor(kind jwocerr.Kind) int {
	switch kind {
	case jwocerr.NotFound:
		return http.StatusNotFound
	case jwocerr.IllegalStateTransition, jwocerr.Conflict:
		return http.StatusConflict
	case jwocerr.ValidationError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := jwocerr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":    string(kind),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
