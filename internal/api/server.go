package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/store"
)

// MaxWebhookBodyBytes caps the size of inbound webhook bodies.
const MaxWebhookBodyBytes = 1 << 20

// Dispatcher hands parsed messages to background processing and returns immediately.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs []models.InboundMessage)
}

// cloudWebhook is implemented by messaging.CloudAPI.
type cloudWebhook interface {
	VerifyHandshake(mode, token string) bool
	VerifySignature(body []byte, header string) bool
}

// twilioWebhook is implemented by messaging.TwilioService.
type twilioWebhook interface {
	VerifyRequest(form url.Values, signature string) bool
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	msgService messaging.Service
	dispatcher Dispatcher
	sessions   store.SessionStore
	faqEntries int
	adminToken string
	cloud      cloudWebhook
	twilio     twilioWebhook
}

// NewServer creates a Server. Webhook routes are enabled according to what msgService supports.
func NewServer(msgService messaging.Service, dispatcher Dispatcher, sessions store.SessionStore, faqEntries int, adminToken string) *Server {
	s := &Server{
		msgService: msgService,
		dispatcher: dispatcher,
		sessions:   sessions,
		faqEntries: faqEntries,
		adminToken: adminToken,
	}
	if c, ok := msgService.(cloudWebhook); ok {
		s.cloud = c
	}
	if t, ok := msgService.(twilioWebhook); ok {
		s.twilio = t
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	if s.cloud != nil {
		r.Get("/webhook", s.webhookVerifyHandler)
		r.Post("/webhook", s.webhookHandler)
	}
	if s.twilio != nil {
		r.Post("/twilio/webhook", s.twilioWebhookHandler)
	}
	if s.adminToken != "" && s.sessions != nil {
		r.Get("/sessions", s.sessionsHandler)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	})
	return r
}

// requestLogger logs one debug line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request handled",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}
