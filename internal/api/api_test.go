package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/PromptRelay/internal/faq"
	"github.com/BTreeMap/PromptRelay/internal/genai"
	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/relay"
	"github.com/BTreeMap/PromptRelay/internal/store"
	"github.com/BTreeMap/PromptRelay/internal/testutil"
	"github.com/BTreeMap/PromptRelay/internal/twiliowhatsapp"
)

// graphFake records messages posted to the Cloud API send endpoint.
type graphFake struct {
	mu   sync.Mutex
	sent []messaging.SentMessage
}

func (g *graphFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text struct {
			Body string `json:"body"`
		} `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	g.mu.Lock()
	g.sent = append(g.sent, messaging.SentMessage{To: req.To, Body: req.Text.Body})
	g.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.out"}]}`)
}

func (g *graphFake) messages() []messaging.SentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]messaging.SentMessage(nil), g.sent...)
}

// assistantsFake serves one thread whose run ends in finalStatus after a single poll.
type assistantsFake struct {
	finalStatus string
	mu          sync.Mutex
	requests    []string
}

func (a *assistantsFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, r.Method+" "+r.URL.Path)
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/threads":
		io.WriteString(w, `{"id":"thread_1","object":"thread","created_at":1700000000,"metadata":{}}`)
	case r.Method == http.MethodPost && r.URL.Path == "/threads/thread_1/messages":
		io.WriteString(w, `{"id":"msg_user","object":"thread.message","created_at":1700000001,"thread_id":"thread_1","role":"user","content":[]}`)
	case r.Method == http.MethodPost && r.URL.Path == "/threads/thread_1/runs":
		io.WriteString(w, `{"id":"run_1","object":"thread.run","thread_id":"thread_1","assistant_id":"asst_1","status":"queued"}`)
	case r.Method == http.MethodGet && r.URL.Path == "/threads/thread_1/runs/run_1":
		io.WriteString(w, `{"id":"run_1","object":"thread.run","thread_id":"thread_1","assistant_id":"asst_1","status":"`+a.finalStatus+`"}`)
	case r.Method == http.MethodGet && r.URL.Path == "/threads/thread_1/messages":
		io.WriteString(w, `{"object":"list","has_more":false,"data":[`+
			`{"id":"msg_2","object":"thread.message","created_at":1700000003,"thread_id":"thread_1","role":"assistant","run_id":"run_1","content":[{"type":"text","text":{"value":"Hi there!","annotations":[]}}]}`+
			`]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"message":"not found"}}`)
	}
}

func (a *assistantsFake) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.requests...)
}

type testEnv struct {
	router     http.Handler
	relay      *relay.Relay
	graph      *graphFake
	assistants *assistantsFake
	store      *store.InMemoryStore
}

const faqQuestion = "What are your opening hours?"
const faqAnswer = "We are open 9am to 5pm, Monday to Friday."

func newTestEnv(t *testing.T, finalStatus string, cloudOpts ...messaging.CloudAPIOption) *testEnv {
	t.Helper()
	graph := &graphFake{}
	graphSrv := httptest.NewServer(graph)
	t.Cleanup(graphSrv.Close)

	assistants := &assistantsFake{finalStatus: finalStatus}
	assistantsSrv := httptest.NewServer(assistants)
	t.Cleanup(assistantsSrv.Close)

	cloud, err := messaging.NewCloudAPI(append([]messaging.CloudAPIOption{
		messaging.WithAPIKey("graph-token"),
		messaging.WithPhoneNumberID("1234567890"),
		messaging.WithVerifyToken("verify-me"),
		messaging.WithGraphAPIURL(graphSrv.URL),
	}, cloudOpts...)...)
	require.NoError(t, err)

	st := store.NewInMemoryStore()
	matcher := faq.New([]models.FAQEntry{{Question: faqQuestion, Answer: faqAnswer}})
	assistant, err := genai.NewAssistant(st, matcher,
		genai.WithAPIKey("test-key"),
		genai.WithBaseURL(assistantsSrv.URL+"/"),
		genai.WithAssistantID("asst_1"),
		genai.WithPollInterval(time.Millisecond),
		genai.WithRunTimeout(5*time.Second),
		genai.WithRequestTimeout(5*time.Second),
	)
	require.NoError(t, err)

	rl := relay.New(assistant, cloud, relay.WithDedup(st))
	server := NewServer(cloud, rl, st, matcher.Len(), "admin-secret")
	return &testEnv{router: server.Router(), relay: rl, graph: graph, assistants: assistants, store: st}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func cloudPayload(id, from, text string) string {
	return fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"id":"WABA","changes":[{"field":"messages","value":{`+
		`"contacts":[{"profile":{"name":"Alice"},"wa_id":%q}],`+
		`"messages":[{"from":%q,"id":%q,"timestamp":"1700000000","type":"text","text":{"body":%q}}]}}]}]}`,
		from, from, id, text)
}

func postWebhook(t *testing.T, body string) *http.Request {
	return testutil.CreateJSONRequest(t, http.MethodPost, "/webhook", body)
}

func assertAcknowledged(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook delivery")
	assert.Equal(t, "EVENT_RECEIVED", rr.Body.String())
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, "completed")

	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	assert.Equal(t, float64(1), response["faq_entries"])
	assert.Equal(t, messaging.BackendCloudAPI, response["backend"])
}

func TestWebhookHandshake(t *testing.T) {
	env := newTestEnv(t, "completed")

	tests := []struct {
		name   string
		query  string
		status int
		body   string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusForbidden, ""},
		{"missing params", "", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil))
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, "handshake")
			if tt.body != "" {
				assert.Equal(t, tt.body, rr.Body.String())
				assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain"))
			}
		})
	}
}

func TestWebhook_FAQAnswerSkipsAssistant(t *testing.T) {
	env := newTestEnv(t, "completed")

	rr := env.do(postWebhook(t, cloudPayload("wamid.1", "15551234567", "what are your opening hours")))
	assertAcknowledged(t, rr)
	env.relay.Wait()

	sent := env.graph.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "15551234567", sent[0].To)
	assert.Equal(t, faqAnswer, sent[0].Body)
	assert.Empty(t, env.assistants.calls())
	testutil.AssertSessionCount(t, env.store, 0, "FAQ answers keep no session")
}

func TestWebhook_AssistantReply(t *testing.T) {
	env := newTestEnv(t, "completed")

	rr := env.do(postWebhook(t, cloudPayload("wamid.2", "15551234567", "Tell me something new")))
	assertAcknowledged(t, rr)
	env.relay.Wait()

	sent := env.graph.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi there!", sent[0].Body)
	assert.Equal(t, []string{
		"POST /threads",
		"POST /threads/thread_1/messages",
		"POST /threads/thread_1/runs",
		"GET /threads/thread_1/runs/run_1",
		"GET /threads/thread_1/messages",
	}, env.assistants.calls())

	testutil.AssertSessionCount(t, env.store, 1, "assistant conversation")
	sessions, err := env.store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thread_1", sessions[0].ThreadID)
}

func TestWebhook_FailedRunSendsApologyOnce(t *testing.T) {
	env := newTestEnv(t, "failed")

	rr := env.do(postWebhook(t, cloudPayload("wamid.3", "15551234567", "Tell me something new")))
	assertAcknowledged(t, rr)
	env.relay.Wait()

	sent := env.graph.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, genai.ReplyRunFailed, sent[0].Body)
}

func TestWebhook_AlwaysAcknowledges(t *testing.T) {
	env := newTestEnv(t, "completed")

	bodies := []string{
		`{"object":"whatsapp_business_account","entry":[]}`,
		`not json`,
		``,
		`{"entry":[{"changes":[{"field":"statuses","value":{}}]}]}`,
	}
	for _, body := range bodies {
		assertAcknowledged(t, env.do(postWebhook(t, body)))
	}
	env.relay.Wait()
	assert.Empty(t, env.graph.messages())
}

func TestWebhook_OversizedPayloadDropped(t *testing.T) {
	env := newTestEnv(t, "completed")

	body := cloudPayload("wamid.big", "15551234567", strings.Repeat("a", MaxWebhookBodyBytes))
	assertAcknowledged(t, env.do(postWebhook(t, body)))
	env.relay.Wait()
	assert.Empty(t, env.graph.messages())
}

func TestWebhook_DuplicateDeliveryAnsweredOnce(t *testing.T) {
	env := newTestEnv(t, "completed")
	body := cloudPayload("wamid.dup", "15551234567", faqQuestion)

	assertAcknowledged(t, env.do(postWebhook(t, body)))
	env.relay.Wait()
	assertAcknowledged(t, env.do(postWebhook(t, body)))
	env.relay.Wait()

	assert.Len(t, env.graph.messages(), 1)
}

func TestWebhook_SignatureCheck(t *testing.T) {
	env := newTestEnv(t, "completed", messaging.WithAppSecret("app-secret"))
	body := cloudPayload("wamid.sig", "15551234567", faqQuestion)

	unsigned := postWebhook(t, body)
	assertAcknowledged(t, env.do(unsigned))
	env.relay.Wait()
	assert.Empty(t, env.graph.messages())

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(body))
	signed := postWebhook(t, body)
	signed.Header.Set(messaging.SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	assertAcknowledged(t, env.do(signed))
	env.relay.Wait()
	assert.Len(t, env.graph.messages(), 1)
}

func TestSessionsHandler(t *testing.T) {
	env := newTestEnv(t, "completed")
	testutil.SeedSessions(t, env.store, map[string]string{"15551234567": "thread_x"})

	rr := env.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions", nil))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "sessions without token")
	testutil.AssertJSONResponse(t, rr, "error")

	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, env.do(req).Code, "sessions with wrong token")

	req = testutil.CreateHTTPRequest(t, http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rr = env.do(req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "sessions with token")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	result, ok := response["result"].([]interface{})
	require.True(t, ok, "expected result list, got %v", response["result"])
	require.Len(t, result, 1)
	assert.Equal(t, "thread_x", result[0].(map[string]interface{})["thread_id"])
}

func TestSessionsHandler_DisabledWithoutAdminToken(t *testing.T) {
	svc := messaging.NewMockService()
	server := NewServer(svc, relay.New(nil, svc), store.NewInMemoryStore(), 0, "")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "sessions disabled")
}

func TestRoutesFollowBackend(t *testing.T) {
	svc := messaging.NewMockService()
	server := NewServer(svc, relay.New(nil, svc), store.NewInMemoryStore(), 0, "")
	router := server.Router()

	for _, path := range []string{"/webhook", "/twilio/webhook"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, path, map[string]string{}))
		testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, path)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "POST /health")
}

type staticResponder string

func (s staticResponder) GetResponse(ctx context.Context, userID, message string) string {
	return string(s)
}

func TestTwilioWebhook(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := messaging.NewTwilioService(client)
	rl := relay.New(staticResponder("twilio reply"), svc)
	router := NewServer(svc, rl, store.NewInMemoryStore(), 0, "").Router()

	form := url.Values{
		"From":       {"whatsapp:+15551234567"},
		"Body":       {"hello"},
		"MessageSid": {"SM1"},
	}
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	rl.Wait()

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")
	assert.Equal(t, emptyTwiML, rr.Body.String())
	assert.Equal(t, "text/xml", rr.Header().Get("Content-Type"))

	sent := client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "15551234567", sent[0].To)
	assert.Equal(t, "twilio reply", sent[0].Body)
}

func TestTwilioWebhook_RejectsBadSignature(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := messaging.NewTwilioService(client, messaging.WithTwilioSignatureCheck("token", "https://relay.example.com/twilio/webhook"))
	rl := relay.New(staticResponder("twilio reply"), svc)
	router := NewServer(svc, rl, store.NewInMemoryStore(), 0, "").Router()

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hello"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(messaging.TwilioSignatureHeader, "forged")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	rl.Wait()

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")
	assert.Empty(t, client.Sent())
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svc := messaging.NewMockService()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Deps{
			Messaging:  svc,
			Store:      store.NewInMemoryStore(),
			Responder:  staticResponder("pong"),
			FAQEntries: 3,
		}, WithListener(ln), WithShutdownTimeout(2*time.Second))
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status     string `json:"status"`
		FAQEntries int    `json:"faq_entries"`
	}
	testutil.MustUnmarshalJSON(t, body, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.FAQEntries)
	assert.True(t, svc.Started())

	svc.Deliver(models.InboundMessage{ID: "m1", From: "15551234567", Text: "ping"})
	require.Eventually(t, func() bool { return len(svc.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pong", svc.Sent()[0].Body)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_RequiresDeps(t *testing.T) {
	err := Run(context.Background(), Deps{})
	assert.Error(t, err)
}
