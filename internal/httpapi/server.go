package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/service"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/store"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

type Dependencies struct {
	Logger     *zap.Logger
	Addr       string
	Controller *service.Controller
	Ledger     store.Ledger
	Monitor    *service.AgentMonitor
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	controller *service.Controller
	ledger     store.Ledger
	monitor    *service.AgentMonitor
}

func NewServer(d Dependencies) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:     logger,
		controller: d.Controller,
		ledger:     d.Ledger,
		monitor:    d.Monitor,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/card-sequences", s.handleRunSequence)
	mux.HandleFunc("POST /v1/card-sequences/retry", s.handleRetryFailed)
	mux.HandleFunc("GET /v1/card-issues", s.handleListIssues)
	mux.HandleFunc("GET /v1/card-issues/{id}", s.handleGetIssue)
	mux.HandleFunc("POST /v1/card-issues/{id}/retry", s.handleRetryIssue)
	mux.HandleFunc("GET /v1/agent/status", s.handleAgentStatus)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           loggingMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ── Sequences ────────────────────────────────────────────────────────────────

func (s *Server) handleRunSequence(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	out, err := s.controller.RunSequence(r.Context(), req)
	s.writeOutcome(w, out, err)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	var req types.RetryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	out, err := s.controller.RetryFailed(r.Context(), req)
	s.writeOutcome(w, out, err)
}

// writeOutcome answers 200 for every finished run, partial or not.  A
// cancelled run still reports what it got done.
func (s *Server) writeOutcome(w http.ResponseWriter, out types.SequenceOutcome, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, service.ErrRunCancelled):
		writeJSON(w, http.StatusGatewayTimeout, out)
	default:
		s.writeServiceError(w, err)
	}
}

// ── Issues ───────────────────────────────────────────────────────────────────

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hotelID := q.Get("hotel_id")
	if hotelID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "hotel_id is required")
		return
	}

	f := store.IssueFilter{BookingID: q.Get("booking_id")}
	if st := q.Get("status"); st != "" {
		f.Status = types.IssueStatus(st)
		if !f.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown status "+st)
			return
		}
	}

	issues, err := s.ledger.GetCardIssues(r.Context(), hotelID, f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if issues == nil {
		issues = []types.CardIssue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	iss, err := s.ledger.GetCardIssue(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

func (s *Server) handleRetryIssue(w http.ResponseWriter, r *http.Request) {
	iss, err := s.controller.RetryIssue(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

// ── Agent ────────────────────────────────────────────────────────────────────

type agentStatus struct {
	types.Availability
	LastChecked *time.Time `json:"last_checked,omitempty"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	resp := agentStatus{Availability: s.monitor.Current(r.Context())}
	if at := s.monitor.LastChecked(); !at.IsZero() {
		resp.LastChecked = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Errors ───────────────────────────────────────────────────────────────────

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidHotelID),
		errors.Is(err, service.ErrInvalidBookingID),
		errors.Is(err, service.ErrInvalidBooking):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, store.ErrIssueNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrReaderBusy):
		writeError(w, http.StatusConflict, "reader_busy", err.Error())
	case errors.Is(err, store.ErrNotRetryable), errors.Is(err, service.ErrNothingToRetry):
		writeError(w, http.StatusConflict, "not_retryable", err.Error())
	case errors.Is(err, types.ErrAgentUnavailable):
		writeError(w, http.StatusServiceUnavailable, "agent_unavailable", err.Error())
	case errors.Is(err, types.ErrReaderNotConnected):
		writeError(w, http.StatusServiceUnavailable, "reader_not_connected", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}
