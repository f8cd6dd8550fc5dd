package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

type Dependencies struct {
	Logger  *zap.Logger
	Addr    string
	Conn    *ConnectionManager
	Encoder *Encoder
	Now     func() time.Time
}

// Server is the bridge HTTP surface consumed by the agent client.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	conn       *ConnectionManager
	encoder    *Encoder
	now        func() time.Time
}

func NewServer(d Dependencies) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	s := &Server{
		logger:  logger,
		conn:    d.Conn,
		encoder: d.Encoder,
		now:     now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/reader/status", s.handleReaderStatus)
	mux.HandleFunc("POST /api/reader/reconnect", s.handleReconnect)
	mux.HandleFunc("POST /api/card/detect", s.handleDetect)
	mux.HandleFunc("POST /api/card/program", s.handleProgram)
	mux.HandleFunc("POST /api/card/program-sequence", s.handleProgramSequence)
	mux.HandleFunc("GET /api/devices", s.handleDevices)

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

// Health always answers 200; a missing reader is reported in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.BridgeHealthResponse{
		Status:          "ok",
		ReaderConnected: s.conn.Connected(),
		Timestamp:       s.now(),
	})
}

func (s *Server) handleReaderStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.conn.Status())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.Reconnect(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ReconnectResponse{Success: true, Connected: true})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	card, err := s.encoder.Detect(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DetectResponse{Success: true, Card: &card})
}

func (s *Server) handleProgram(w http.ResponseWriter, r *http.Request) {
	pb := isProtobuf(r)

	var req types.ProgramRequest
	var err error
	if pb {
		err = readProtoStruct(r, &req)
	} else {
		err = decodeJSON(r, &req)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, types.CodeBadRequest, "invalid request body")
		return
	}

	res, err := s.encoder.Program(r.Context(), req)
	if err != nil {
		status, code := failureStatus(err)
		resp := types.ProgramResponse{Success: false, Error: err.Error(), Code: code}
		if pb {
			writeStruct(w, status, resp)
		} else {
			writeJSON(w, status, resp)
		}
		return
	}

	resp := types.ProgramResponse{Success: true, Result: &res}
	if pb {
		writeStruct(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Per-card failures are reported in the 200 body; only failures that stop
// the sequence from starting use an error status.
func (s *Server) handleProgramSequence(w http.ResponseWriter, r *http.Request) {
	var req types.ProgramSequenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeBadRequest, "invalid request body")
		return
	}

	resp, err := s.encoder.ProgramSequence(r.Context(), req.BookingData.Booking())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.conn.Devices(r.Context())
	if err != nil {
		s.logger.Error("device enumeration failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "device enumeration failed")
		return
	}
	writeJSON(w, http.StatusOK, types.DevicesResponse{Devices: devs})
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status, code := failureStatus(err)
	if status >= http.StatusInternalServerError && code != types.CodeReaderNotConnected {
		s.logger.Error("bridge request failed", zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

// failureStatus maps the error taxonomy onto HTTP.
func failureStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, types.CodeBadRequest
	case errors.Is(err, types.ErrCardDetectionTimeout):
		return http.StatusBadRequest, types.CodeDetectionTimeout
	case errors.Is(err, ErrReaderBusy):
		return http.StatusConflict, types.CodeReaderBusy
	case errors.Is(err, types.ErrReaderNotConnected):
		return http.StatusServiceUnavailable, types.CodeReaderNotConnected
	default:
		return http.StatusInternalServerError, types.CodeEncodeFailed
	}
}

func decodeJSON(r *http.Request, v any) error {
	return decodeStrict(io.LimitReader(r.Body, maxRequestBody), v)
}

// decodeStrict is the one decoder behind both request encodings; unknown
// fields are rejected either way.
func decodeStrict(rd io.Reader, v any) error {
	dec := json.NewDecoder(rd)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ErrorResponse{Success: false, Error: msg, Code: code})
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("bridge request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("from", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("dur", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
