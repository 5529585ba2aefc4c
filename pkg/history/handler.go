package history

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Response is the JSON body served by Handler.
type Response struct {
	Host    string    `json:"host,omitempty"`
	Summary *Summary  `json:"summary,omitempty"`
	Records []*Record `json:"records"`
}

// Handler serves recent iterations as JSON.
// Query parameters: host filters by host and adds a summary, limit caps the record count.
func (s *SQLiteStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		host := r.URL.Query().Get("host")
		limit := DefaultLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		records, err := s.Recent(r.Context(), host, limit)
		if err != nil {
			s.log.WithError(err).Warn("Failed to read history")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if records == nil {
			records = []*Record{}
		}

		resp := Response{Host: host, Records: records}
		if host != "" {
			summary, err := s.Summarize(r.Context(), host)
			if err != nil {
				s.log.WithError(err).Warn("Failed to summarize history")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			resp.Summary = summary
		}

		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
