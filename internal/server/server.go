// Package server exposes the load bank runtime over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
	"github.com/shaunagostinho/loadbank-link/internal/link"
	"github.com/shaunagostinho/loadbank-link/internal/loadbank"
)

// Server wires the runtime, the contactor controller and the WebSocket hub
// to HTTP handlers.
type Server struct {
	cfg  *Config
	rt   *link.Runtime
	ctl  *loadbank.Controller
	hub  *Hub
	id   string
	log  zerolog.Logger
	boot time.Time
}

// State is the body of GET /api/lb/state and the WebSocket hello message.
type State struct {
	SessionID string             `json:"sessionId"`
	Running   bool               `json:"running"`
	Mode      string             `json:"mode,omitempty"`
	Baud      int                `json:"baud,omitempty"`
	Stats     link.StatsSnapshot `json:"stats"`
	Status    *lbproto.Status    `json:"status,omitempty"`
	Health    *link.Health       `json:"health,omitempty"`
	UptimeMs  int64              `json:"uptimeMs"`
}

type startRequest struct {
	Port           *string `json:"port"` // Omitted = config, "" = auto
	Baud           int     `json:"baud"`
	PollIntervalMs *int    `json:"pollIntervalMs"`
	PollFrame      *string `json:"pollFrame"`
}

type writeRequest struct {
	Hex string `json:"hex"`
}

type pollingRequest struct {
	IntervalMs int    `json:"intervalMs"`
	Frame      string `json:"frame"` // Hex; empty disables the payload
}

type contactorsRequest struct {
	Mask     uint16 `json:"mask"`
	Sequence bool   `json:"sequence"` // All off first, then mask
}

// New creates a Server. The hub and controller must already be registered
// as emitters on rt.
func New(cfg *Config, rt *link.Runtime, ctl *loadbank.Controller, hub *Hub) *Server {
	return &Server{
		cfg:  cfg,
		rt:   rt,
		ctl:  ctl,
		hub:  hub,
		id:   uuid.NewString(),
		log:  log.With().Str("component", "server").Logger(),
		boot: time.Now(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	// Load bank API
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/lb/state", s.handleState)
	mux.HandleFunc("/api/lb/start", s.handleStart)
	mux.HandleFunc("/api/lb/stop", s.handleStop)
	mux.HandleFunc("/api/lb/write", s.handleWrite)
	mux.HandleFunc("/api/lb/polling", s.handlePolling)
	mux.HandleFunc("/api/lb/contactors", s.handleContactors)

	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen(),
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.hub.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartFromConfig starts the runtime with the configured port, baud and
// polling. Used for autostart and by POST /api/lb/start.
func (s *Server) StartFromConfig() error {
	lb := s.cfg.Bank()
	every, frame, err := lb.Polling()
	if err != nil {
		return err
	}
	return s.start(lb.Port, lb.Baud, every, frame)
}

func (s *Server) start(port string, baud int, every time.Duration, frame []byte) error {
	if err := s.rt.Start(port, baud); err != nil {
		return err
	}
	return s.rt.SetPolling(every, frame)
}

func (s *Server) state() State {
	st := State{
		SessionID: s.id,
		Stats:     s.rt.Stats(),
		UptimeMs:  time.Since(s.boot).Milliseconds(),
	}
	st.Mode, st.Baud, st.Running = s.rt.Running()
	if v, ok := s.ctl.LastStatus(); ok {
		st.Status = &v
	}
	if v, ok := s.ctl.LastHealth(); ok {
		st.Health = &v
	}
	return st
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	hello := Message{Kind: "state", Data: s.state()}
	s.hub.ServeWS(w, r, &hello)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn().Err(err).Msg("config save failed")
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.rt.ListPorts())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req startRequest
	if !decode(w, r, &req) {
		return
	}

	lb := s.cfg.Bank()
	if req.Port != nil {
		lb.Port = *req.Port
	}
	if req.Baud != 0 {
		lb.Baud = req.Baud
	}
	if req.PollIntervalMs != nil {
		lb.PollIntervalMs = *req.PollIntervalMs
	}
	if req.PollFrame != nil {
		lb.PollFrame = *req.PollFrame
	}
	every, frame, err := lb.Polling()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.start(lb.Port, lb.Baud, every, frame); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.rt.Stop(); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req writeRequest
	if !decode(w, r, &req) {
		return
	}
	data, err := lbproto.ParseHex(req.Hex)
	if err != nil || len(data) == 0 {
		http.Error(w, "hex: expected at least one byte", http.StatusBadRequest)
		return
	}
	if err := s.rt.Write(data); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handlePolling(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req pollingRequest
	if !decode(w, r, &req) {
		return
	}
	frame, err := lbproto.ParseHex(req.Frame)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.rt.SetPolling(time.Duration(req.IntervalMs)*time.Millisecond, frame); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleContactors(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req contactorsRequest
	if !decode(w, r, &req) {
		return
	}

	var (
		st  lbproto.Status
		err error
	)
	if req.Sequence {
		st, err = s.ctl.ApplyMask(r.Context(), req.Mask)
	} else {
		st, err = s.ctl.SetContactors(r.Context(), req.Mask)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// writeErr maps runtime errors to HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, link.ErrInvalidBaud):
		code = http.StatusBadRequest
	case errors.Is(err, link.ErrNoActiveSession), errors.Is(err, loadbank.ErrNoStatus):
		code = http.StatusConflict
	case errors.Is(err, link.ErrChannelClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, loadbank.ErrTimeout):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
