package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/bookwatch/bookwatch/internal/crawl"
)

type rangeCrawlRequest struct {
	StartPage int `json:"start_page"`
	EndPage   int `json:"end_page"`
}

// triggerFullCrawl runs a full crawl synchronously and maps the outcome
// to a status code: 202 completed, 409 lock held, 500 failed.
func (s *Server) triggerFullCrawl(w http.ResponseWriter, r *http.Request) {
	s.writeOutcome(w, s.runner.RunFullCrawl(r.Context()))
}

func (s *Server) triggerRangeCrawl(w http.ResponseWriter, r *http.Request) {
	var req rangeCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.StartPage < 1 || req.EndPage < req.StartPage {
		writeError(w, http.StatusBadRequest, "start_page must be >= 1 and end_page >= start_page")
		return
	}
	s.writeOutcome(w, s.runner.RunPageRange(r.Context(), req.StartPage, req.EndPage))
}

func (s *Server) crawlStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.runner.State())})
}

func (s *Server) writeOutcome(w http.ResponseWriter, out crawl.Outcome) {
	switch out.Status {
	case crawl.StatusCompleted:
		writeJSON(w, http.StatusAccepted, out)
	case crawl.StatusSkipped:
		writeJSON(w, http.StatusConflict, out)
	default:
		s.logger.Error("crawl run failed", zap.String("run_id", out.Summary.RunID), zap.Error(out.Err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  out.Status,
			"error":   out.Err.Error(),
			"summary": out.Summary,
		})
	}
}
