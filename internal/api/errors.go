package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-replay/internal/bridges/p20hd"
	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

// Problem is the body of every non-2xx response.
type Problem struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// problemKind pairs an HTTP status with the machine-readable code.
type problemKind struct {
	status int
	code   string
}

var (
	badRequest   = problemKind{http.StatusBadRequest, "bad_request"}
	invalid      = problemKind{http.StatusBadRequest, "validation_error"}
	unauthorised = problemKind{http.StatusUnauthorized, "unauthorised"}
	notFound     = problemKind{http.StatusNotFound, "not_found"}
	rateLimited  = problemKind{http.StatusTooManyRequests, "rate_limited"}
	internal     = problemKind{http.StatusInternalServerError, "internal_error"}
	notReady     = problemKind{http.StatusServiceUnavailable, "not_ready"}
	unavailable  = problemKind{http.StatusServiceUnavailable, "unavailable"}
)

// refusals maps session and bridge errors onto responses. The first
// match wins; anything else is an internal error.
var refusals = []struct {
	err  error
	kind problemKind
}{
	{p20hd.ErrInvalidMessage, invalid},
	{replay.ErrUnknownAction, invalid},
	{replay.ErrInvalidCommand, invalid},
	{replay.ErrNotReady, notReady},
	{replay.ErrSessionClosed, notReady},
	{replay.ErrTransmitFailed, notReady},
}

// classify returns the response kind for err and whether err is one the
// caller may see verbatim.
func classify(err error) (problemKind, bool) {
	for _, r := range refusals {
		if errors.Is(err, r.err) {
			return r.kind, true
		}
	}
	return internal, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone
	}
}

func writeProblem(w http.ResponseWriter, kind problemKind, message string) {
	writeJSON(w, kind.status, Problem{Status: kind.status, Code: kind.code, Message: message})
}
