package api

import "net/http"

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// handleMetrics handles GET /api/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"ledger":     s.deps.Ledger.Metrics(),
		"paused":     s.deps.Ledger.Paused(),
		"operations": s.deps.Operations.Stats(),
		"agents":     len(s.deps.Factory.Agents()),
		"clients":    s.rateLimiter.Clients(),
	}
	if s.deps.Sponsor != nil {
		st := s.deps.Sponsor.Stats()
		body["sponsor"] = map[string]interface{}{
			"sponsored":  st.Sponsored,
			"totalCost":  bigString(st.TotalCost),
			"dailyLimit": s.deps.Sponsor.DailyLimit(),
		}
	}
	respondJSON(w, http.StatusOK, body)
}

// handleSponsorQuota handles GET /api/sponsor/quota/{owner}
func (s *Server) handleSponsorQuota(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		badRequest(w, err)
		return
	}
	window, err := s.deps.Sponsor.Window(r.Context(), owner)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"owner":       owner,
		"count":       window.Count,
		"windowStart": window.WindowStart,
		"limit":       s.deps.Sponsor.DailyLimit(),
	})
}

// handleRecentEvents handles GET /api/events?limit=
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultEventLimit)
	if err != nil {
		badRequest(w, err)
		return
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	recent, err := s.deps.Events.Recent(r.Context(), limit)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": recent,
		"count":  len(recent),
	})
}
