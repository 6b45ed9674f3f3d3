package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/restyle/internal/config"
	"github.com/ent0n29/restyle/internal/history"
	"github.com/ent0n29/restyle/internal/logging"
	"github.com/ent0n29/restyle/internal/observability"
	"github.com/ent0n29/restyle/internal/protocol"
	"github.com/ent0n29/restyle/internal/relay"
	"github.com/ent0n29/restyle/internal/rephrase"
	"github.com/ent0n29/restyle/internal/session"
	"github.com/ent0n29/restyle/internal/style"
)

// Rephraser starts and cancels sessions.
type Rephraser interface {
	Start(ctx context.Context, text string) (string, error)
	Cancel(id string) rephrase.CancelStatus
	Styles() style.Table
}

type Deps struct {
	Rephraser    Rephraser
	Relay        *relay.Relay
	Registry     *session.Registry
	History      history.Store
	UpstreamMode string
	Metrics      *observability.Metrics
	Logger       *log.Logger
}

type Server struct {
	cfg       config.Config
	rephraser Rephraser
	relay     *relay.Relay
	registry  *session.Registry
	history   history.Store
	upstream  string
	metrics   *observability.Metrics
	logger    *log.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		cfg:       cfg,
		rephraser: deps.Rephraser,
		relay:     deps.Relay,
		registry:  deps.Registry,
		history:   deps.History,
		upstream:  deps.UpstreamMode,
		metrics:   deps.Metrics,
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Post("/process", s.handleProcess)
	r.Get("/stream", s.handleStream)
	r.Get("/stream/ws", s.handleStreamWS)
	r.Post("/cancel", s.handleCancel)
	r.Get("/styles", s.handleStyles)
	r.Get("/history", s.handleHistory)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	historyMode := "disabled"
	if s.history != nil {
		historyMode = s.history.Mode()
	}
	active := 0
	if s.registry != nil {
		active = s.registry.ActiveCount()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"upstream_mode":      s.upstream,
		"history_store_mode": historyMode,
		"active_sessions":    active,
	})
}

type processRequest struct {
	Text string `json:"text"`
}

type processResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.rephraser.Start(r.Context(), req.Text)
	switch {
	case errors.Is(err, rephrase.ErrTextRequired):
		respondDetail(w, http.StatusBadRequest, rephrase.ErrTextRequired.Error())
		return
	case err != nil:
		s.logger.Error("start session", "err", err)
		respondDetail(w, http.StatusInternalServerError, "could not start session")
		return
	}
	respondJSON(w, http.StatusOK, processResponse{SessionID: id})
}

// claimSession resolves the session query parameter and claims the
// subscriber slot, writing the error response itself on failure.
func (s *Server) claimSession(w http.ResponseWriter, r *http.Request) (*session.Record, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("session"))
	if id == "" {
		respondDetail(w, http.StatusBadRequest, "session query parameter is required")
		return nil, false
	}
	rec, err := s.relay.Open(id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondDetail(w, http.StatusNotFound, session.ErrNotFound.Error())
		return nil, false
	case errors.Is(err, session.ErrAlreadySubscribed):
		respondDetail(w, http.StatusConflict, session.ErrAlreadySubscribed.Error())
		return nil, false
	case err != nil:
		respondDetail(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return rec, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sink, err := relay.NewSSESink(w)
	if err != nil {
		respondDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	rec, ok := s.claimSession(w, r)
	if !ok {
		return
	}

	sink.WriteHeaders()
	if err := s.relay.Forward(r.Context(), rec, sink); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("sse stream ended early", "session_id", rec.ID, "err", err)
	}
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.claimSession(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.relay.Release(rec)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(64 << 10)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				s.logger.Debug("ignoring client message", "session_id", rec.ID, "err", err)
				continue
			}
			ctrl, ok := parsed.(protocol.ClientControl)
			if !ok || ctrl.Action != protocol.ActionCancel {
				continue
			}
			if ctrl.SessionID != "" && ctrl.SessionID != rec.ID {
				s.logger.Debug("ignoring cancel for another session", "session_id", rec.ID, "target", ctrl.SessionID)
				continue
			}
			s.rephraser.Cancel(rec.ID)
		}
	}()

	sink := relay.NewWSSink(conn)
	err = s.relay.Forward(ctx, rec, sink)
	if err == nil {
		_ = sink.Close()
	} else if !errors.Is(err, context.Canceled) {
		s.logger.Debug("ws stream ended early", "session_id", rec.ID, "err", err)
	}
	_ = conn.Close()
	<-readerDone
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
}

type cancelResponse struct {
	Status rephrase.CancelStatus `json:"status"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondDetail(w, http.StatusBadRequest, "session_id is required")
		return
	}
	respondJSON(w, http.StatusOK, cancelResponse{Status: s.rephraser.Cancel(req.SessionID)})
}

func (s *Server) handleStyles(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"styles": s.rephraser.Styles().Definitions()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.HistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondDetail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit <= 0 || n < limit {
			limit = n
		}
	}
	if s.history == nil {
		respondJSON(w, http.StatusOK, map[string]any{"items": []history.Record{}})
		return
	}

	items, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list history", "err", err)
		respondDetail(w, http.StatusInternalServerError, "could not load history")
		return
	}
	if items == nil {
		items = []history.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) originAllowed(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	if strings.EqualFold(origin, strings.TrimSpace(s.cfg.FrontendOrigin)) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			h := w.Header()
			switch {
			case s.cfg.AllowAnyOrigin:
				h.Set("Access-Control-Allow-Origin", "*")
			case strings.EqualFold(origin, strings.TrimSpace(s.cfg.FrontendOrigin)):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
					h.Set("Access-Control-Allow-Headers", reqHeaders)
				}
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

type detailResponse struct {
	Detail string `json:"detail"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, detailResponse{Detail: detail})
}
