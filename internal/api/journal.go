package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-replay/internal/journal"
)

// handleListJournal returns a page of session history.
//
// Query parameters: kind, since (RFC3339), limit, offset.
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeProblem(w, unavailable, "journal not configured")
		return
	}

	filter, msg := parseJournalFilter(r)
	if msg != "" {
		writeProblem(w, badRequest, msg)
		return
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("journal query failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeProblem(w, internal, "failed to query journal")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseJournalFilter reads the query string. A non-empty message means
// the request is invalid.
func parseJournalFilter(r *http.Request) (journal.Filter, string) {
	q := r.URL.Query()
	var f journal.Filter

	if kind := q.Get("kind"); kind != "" {
		switch k := journal.Kind(kind); k {
		case journal.KindStatus, journal.KindRejected, journal.KindDeviceError, journal.KindCommand:
			f.Kind = k
		default:
			return f, "unknown kind: " + kind
		}
	}

	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return f, "since must be RFC3339"
		}
		f.Since = t
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, p.name + " must be a non-negative integer"
		}
		*p.dst = n
	}

	return f, ""
}
