package testutil

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/PromptRelay/internal/store"
)

// recordingT captures failures so the helpers' failure paths can be checked.
// Fatal calls abort the helper with errFatal, mirroring runtime.Goexit in a real test.
type recordingT struct {
	failures []string
}

var errFatal = errors.New("fatal")

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func (r *recordingT) Error(args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprint(args...))
}

func (r *recordingT) Fatalf(format string, args ...interface{}) {
	r.Errorf(format, args...)
	panic(errFatal)
}

func (r *recordingT) Fatal(args ...interface{}) {
	r.Error(args...)
	panic(errFatal)
}

// failures runs fn against a recordingT and returns what it reported.
func failures(fn func(TB)) []string {
	rec := &recordingT{}
	func() {
		defer func() {
			if p := recover(); p != nil && p != errFatal {
				panic(p)
			}
		}()
		fn(rec)
	}()
	return rec.failures
}

func recorderWith(body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	rr.WriteString(body)
	return rr
}

func TestHelpersReportMismatches(t *testing.T) {
	st := store.NewInMemoryStore()
	SeedSessions(t, st, map[string]string{"15551111111": "thread_a"})

	tests := []struct {
		name     string
		fn       func(TB)
		wantFail bool
	}{
		{"status match", func(tb TB) { AssertHTTPStatus(tb, http.StatusOK, http.StatusOK, "health") }, false},
		{"status mismatch", func(tb TB) { AssertHTTPStatus(tb, http.StatusOK, http.StatusNotFound, "health") }, true},
		{"json status match", func(tb TB) { AssertJSONResponse(tb, recorderWith(`{"status":"ok"}`), "ok") }, false},
		{"json status mismatch", func(tb TB) { AssertJSONResponse(tb, recorderWith(`{"status":"error"}`), "ok") }, true},
		{"json status missing", func(tb TB) { AssertJSONResponse(tb, recorderWith(`{"result":1}`), "ok") }, true},
		{"json body invalid", func(tb TB) { AssertJSONResponse(tb, recorderWith(`EVENT_RECEIVED`), "ok") }, true},
		{"session count match", func(tb TB) { AssertSessionCount(tb, st, 1, "seeded") }, false},
		{"session count mismatch", func(tb TB) { AssertSessionCount(tb, st, 2, "seeded") }, true},
		{"seed empty user", func(tb TB) {
			SeedSessions(tb, store.NewInMemoryStore(), map[string]string{"": "thread_x"})
		}, true},
		{"unmarshal invalid", func(tb TB) {
			var v map[string]any
			MustUnmarshalJSON(tb, []byte("{"), &v)
		}, true},
		{"marshal unsupported", func(tb TB) { MustMarshalJSON(tb, make(chan int)) }, true},
		{"request bad method", func(tb TB) { CreateJSONRequest(tb, "BAD METHOD", "/webhook", "{}") }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := failures(tt.fn)
			if tt.wantFail && len(got) == 0 {
				t.Error("expected the helper to report a failure")
			}
			if !tt.wantFail && len(got) != 0 {
				t.Errorf("unexpected failures: %v", got)
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/sessions", map[string]string{"user_id": "15551111111"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type, got %q", req.Header.Get("Content-Type"))
	}
	buf, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var body map[string]string
	MustUnmarshalJSON(t, buf, &body)
	if body["user_id"] != "15551111111" {
		t.Errorf("unexpected body %v", body)
	}

	req = CreateHTTPRequest(t, http.MethodGet, "/health", nil)
	if req.Header.Get("Content-Type") != "" || req.ContentLength != 0 {
		t.Errorf("expected a bare GET, got content type %q length %d", req.Header.Get("Content-Type"), req.ContentLength)
	}
}
