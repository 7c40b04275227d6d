package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/models"
)

const (
	// eventReceived is the acknowledgement body of every webhook delivery.
	eventReceived = "EVENT_RECEIVED"
	// emptyTwiML tells Twilio not to send anything on our behalf.
	emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)

type healthResponse struct {
	Status     string `json:"status"`
	FAQEntries int    `json:"faq_entries"`
	Backend    string `json:"backend"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	backend := ""
	if s.msgService != nil {
		backend = s.msgService.Name()
	}
	writeJSONResponse(w, http.StatusOK, healthResponse{
		Status:     string(models.APIStatusOK),
		FAQEntries: s.faqEntries,
		Backend:    backend,
	})
}

// webhookVerifyHandler answers the provider's subscription handshake.
func (s *Server) webhookVerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	if !s.cloud.VerifyHandshake(mode, q.Get("hub.verify_token")) {
		slog.Warn("Server.webhookVerifyHandler: handshake rejected", "mode", mode)
		writeTextResponse(w, http.StatusForbidden, "text/plain; charset=utf-8", "Forbidden")
		return
	}
	slog.Info("Server.webhookVerifyHandler: webhook verified")
	writeTextResponse(w, http.StatusOK, "text/plain; charset=utf-8", q.Get("hub.challenge"))
}

// webhookHandler acknowledges a delivery before looking at it, then dispatches every text
// message it carries.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, readErr := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	writeTextResponse(w, http.StatusOK, "text/plain; charset=utf-8", eventReceived)

	if readErr != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(readErr, &tooLarge) {
			slog.Warn("Server.webhookHandler: payload too large, dropped", "limit", tooLarge.Limit)
		} else {
			slog.Warn("Server.webhookHandler: failed to read payload", "error", readErr)
		}
		return
	}
	if !s.cloud.VerifySignature(body, r.Header.Get(messaging.SignatureHeader)) {
		slog.Warn("Server.webhookHandler: signature mismatch, payload dropped", "remote", r.RemoteAddr)
		return
	}

	msgs := messaging.ParseWebhookPayload(body)
	slog.Debug("Server.webhookHandler: payload parsed", "messages", len(msgs))
	if len(msgs) > 0 {
		s.dispatcher.Dispatch(r.Context(), msgs)
	}
}

// twilioWebhookHandler handles Twilio's form-encoded inbound messages.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes)
	parseErr := r.ParseForm()
	writeTextResponse(w, http.StatusOK, "text/xml", emptyTwiML)

	if parseErr != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", parseErr)
		return
	}
	if !s.twilio.VerifyRequest(r.PostForm, r.Header.Get(messaging.TwilioSignatureHeader)) {
		slog.Warn("Server.twilioWebhookHandler: signature mismatch, request dropped", "remote", r.RemoteAddr)
		return
	}
	msg, ok := messaging.ParseTwilioForm(r.PostForm)
	if !ok {
		return
	}
	s.dispatcher.Dispatch(r.Context(), []models.InboundMessage{msg})
}

// sessionsHandler lists every stored session. Requires the admin bearer token.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		slog.Warn("Server.sessionsHandler: unauthorized request", "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
		return
	}

	sessions, err := s.sessions.ListAll(r.Context())
	if err != nil {
		slog.Error("Server.sessionsHandler: failed to list sessions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list sessions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}
