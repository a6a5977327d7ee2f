package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/companion-voice/internal/audio"
	"github.com/ent0n29/companion-voice/internal/config"
	"github.com/ent0n29/companion-voice/internal/observability"
	"github.com/ent0n29/companion-voice/internal/protocol"
	"github.com/ent0n29/companion-voice/internal/voice"
)

// VoiceClient is the part of voice.Client the control API drives.
type VoiceClient interface {
	ConnectErr(ctx context.Context, personalityID string, onEvent protocol.EventHandler) error
	Cleanup(ctx context.Context)
	State() voice.State
	SessionID() string
}

type Server struct {
	cfg      config.Config
	client   VoiceClient
	metrics  *observability.Metrics
	hub      *EventHub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, client VoiceClient, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		client:  client,
		metrics: metrics,
		hub:     NewEventHub(metrics),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may subscribe to conversation events.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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
			},
		},
	}
}

// Hub exposes the event fan-out so other front ends can publish into it.
func (s *Server) Hub() *EventHub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/v1/voice/status", s.handleStatus)
	r.Post("/v1/voice/connect", s.handleConnect)
	r.Post("/v1/voice/cleanup", s.handleCleanup)
	r.Get("/v1/voice/events", s.handleEventsWS)
	r.Get("/v1/perf/connect", s.handlePerfConnect)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if strings.TrimSpace(s.cfg.VoiceWSURL) == "" {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "VOICE_WS_URL is not configured",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"store_mode":    s.storeMode(),
		"audio_backend": s.cfg.AudioBackend,
	})
}

type statusResponse struct {
	State       voice.State `json:"state"`
	SessionID   string      `json:"session_id,omitempty"`
	Subscribers int         `json:"subscribers"`
}

func (s *Server) status() statusResponse {
	return statusResponse{
		State:       s.client.State(),
		SessionID:   s.client.SessionID(),
		Subscribers: s.hub.Count(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

type connectRequest struct {
	PersonalityID string `json:"personality_id"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.PersonalityID = strings.TrimSpace(req.PersonalityID)
	if req.PersonalityID == "" {
		respondError(w, http.StatusBadRequest, "missing_personality_id", "personality_id is required")
		return
	}

	if err := s.client.ConnectErr(r.Context(), req.PersonalityID, s.hub.Publish); err != nil {
		status, code := connectErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.status())
}

func connectErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, voice.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, voice.ErrCancelled):
		return http.StatusConflict, "cancelled"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "device_unavailable"
	case errors.Is(err, voice.ErrChannelOpen), errors.Is(err, voice.ErrConfigSend):
		return http.StatusBadGateway, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "connect_failed"
	}
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	s.client.Cleanup(r.Context())
	respondJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(event); err != nil {
					s.logger.Debug("event subscriber write failed", zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	// Subscribers only listen; reads just detect the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	}
	cancel()
	<-writerDone
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) == "" {
		return "in-memory"
	}
	return "postgres"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
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

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
