package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/microscopio/microscopio/internal/fsutil"
	"github.com/microscopio/microscopio/internal/logic/experiment"
	"github.com/microscopio/microscopio/internal/logic/illumination"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

var (
	errUnknownCamera = errors.New("camera not found")
	errBadBody       = errors.New("invalid JSON body")
	errInvalidAction = errors.New("invalid action")
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, experiment.ErrInvalidParameters),
		errors.Is(err, fsutil.ErrPathEscape),
		errors.Is(err, fsutil.ErrEmptyPath),
		errors.Is(err, errBadBody),
		errors.Is(err, errInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, errUnknownCamera),
		errors.Is(err, illumination.ErrUnknownDevice),
		errors.Is(err, fsutil.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, experiment.ErrAlreadyRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Status: "error", Message: err.Error()})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are ignored.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}
