package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/chat"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/profile"
	"github.com/ent0n29/companion/internal/ratelimit"
	"github.com/ent0n29/companion/internal/session"
)

const maxUserIDLen = 128

// Backends describes which storage and completion implementations are wired.
type Backends struct {
	StoreMode          string
	WindowStoreMode    string
	CompletionProvider string
}

type Server struct {
	cfg      config.Config
	chat     *chat.Service
	metrics  *observability.Metrics
	logger   *zap.Logger
	backends Backends
	upgrader websocket.Upgrader
	now      func() time.Time
}

func New(cfg config.Config, svc *chat.Service, metrics *observability.Metrics, logger *zap.Logger, backends Backends) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		chat:     svc,
		metrics:  metrics,
		logger:   logger.Named("http"),
		backends: backends,
		now:      func() time.Time { return time.Now().UTC() },
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers must come from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/personalities", s.handlePersonalities)

	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Use(requireUserID)
		r.Put("/profile", s.handlePutProfile)
		r.Get("/profile", s.handleGetProfile)
		r.Post("/session", s.handleLogin)
		r.Delete("/session", s.handleLogout)
		r.Post("/messages", s.handleSendMessage)
		r.Get("/messages", s.handleListMessages)
		r.Delete("/messages", s.handleClearMessages)
		r.Get("/rate-limit", s.handleRateLimit)
		r.Get("/ws", s.handleChatWS)
	})

	return r
}

func requireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "userID"))
		if id == "" || len(id) > maxUserIDLen {
			respondError(w, http.StatusBadRequest, "invalid_user_id", "user id must be 1-128 characters")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userIDFrom(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "userID"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"store_mode":          s.backends.StoreMode,
		"window_store_mode":   s.backends.WindowStoreMode,
		"completion_provider": s.backends.CompletionProvider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.chat.Sessions().ActiveCount(),
		"tracked_quotas":  s.chat.TrackedQuotas(),
	})
}

func (s *Server) handlePersonalities(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"default":       profile.DefaultPersonality,
		"personalities": profile.Personalities,
	})
}

type profileResponse struct {
	Profile  memory.Profile `json:"profile"`
	Greeting string         `json:"greeting"`
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req profile.Setup
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	saved, err := s.chat.SaveProfile(r.Context(), userIDFrom(r), req)
	if err != nil {
		var verr *profile.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusUnprocessableEntity, validationResponse{
				Error:  verr.Error(),
				Code:   "invalid_profile",
				Fields: verr.Fields,
			})
			return
		}
		s.logger.Error("save profile failed", zap.String("user_id", userIDFrom(r)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "profile_save_failed", "could not save profile")
		return
	}
	respondJSON(w, http.StatusOK, profileResponse{Profile: saved, Greeting: profile.Greeting(saved)})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p := s.chat.Profile(r.Context(), userIDFrom(r))
	if p == nil {
		respondError(w, http.StatusNotFound, "profile_required", chat.ErrProfileRequired.Error())
		return
	}
	respondJSON(w, http.StatusOK, profileResponse{Profile: *p, Greeting: profile.Greeting(*p)})
}

type loginResponse struct {
	Session   session.LoginResponse `json:"session"`
	Greeting  string                `json:"greeting"`
	Messages  []memory.Turn         `json:"messages"`
	RateLimit rateLimitResponse     `json:"rate_limit"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	conv, resp, err := s.chat.Login(r.Context(), userID)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, loginResponse{
		Session:   resp,
		Greeting:  conv.Greeting(),
		Messages:  conv.Messages(),
		RateLimit: s.rateResponse(conv.RateStatus(r.Context())),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.Logout(userIDFrom(r)); err != nil {
		s.writeChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ex, err := s.chat.Send(r.Context(), userIDFrom(r), req.Text)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exchangeResponse{
		UserTurn:  ex.UserTurn,
		Reply:     ex.Reply,
		Failed:    ex.Failed,
		RateLimit: s.rateResponse(ex.RateLimit),
	})
}

type exchangeResponse struct {
	UserTurn  memory.Turn       `json:"user_turn"`
	Reply     memory.Turn       `json:"reply"`
	Failed    bool              `json:"failed"`
	RateLimit rateLimitResponse `json:"rate_limit"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := s.chat.Conversation(userIDFrom(r))
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"state":    conv.State(),
		"greeting": conv.Greeting(),
		"messages": conv.Messages(),
	})
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.Clear(r.Context(), userIDFrom(r)); err != nil {
		s.writeChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.rateResponse(s.chat.RateStatus(r.Context(), userIDFrom(r))))
}

type rateLimitResponse struct {
	ratelimit.Status
	Wait string `json:"wait,omitempty"`
}

func (s *Server) rateResponse(st ratelimit.Status) rateLimitResponse {
	return rateLimitResponse{Status: st, Wait: ratelimit.TimeUntilReset(st, s.now())}
}

type rateLimitedResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code"`
	ResetAt   *time.Time       `json:"reset_at,omitempty"`
	Wait      string           `json:"wait,omitempty"`
	RateLimit ratelimit.Status `json:"rate_limit"`
}

type validationResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields"`
}

func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	var limited *chat.RateLimitedError
	switch {
	case errors.As(err, &limited):
		respondJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
			Error:     limited.Error(),
			Code:      "rate_limited",
			ResetAt:   limited.Status.ResetAt,
			Wait:      limited.Wait,
			RateLimit: limited.Status,
		})
	case errors.Is(err, chat.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
	case errors.Is(err, chat.ErrBusy):
		respondError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, chat.ErrNotReady):
		respondError(w, http.StatusConflict, "not_ready", err.Error())
	case errors.Is(err, chat.ErrProfileRequired):
		respondError(w, http.StatusConflict, "profile_required", err.Error())
	case errors.Is(err, chat.ErrNoSession), errors.Is(err, chat.ErrLoggedOut):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
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
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
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
