package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/vladkesler/agentd/internal/config"
)

func newTestWebhook(t *testing.T, secret string, handler Handler) *webhookDriver {
	t.Helper()
	drv, err := newWebhookDriver(config.Trigger{
		Type:         "webhook",
		Path:         "/hook",
		Port:         0,
		Method:       "POST",
		Secret:       secret,
		RateLimitRPM: 600,
	}, handler, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return drv.(*webhookDriver)
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookAcceptsSignedRequest(t *testing.T) {
	var got *Event
	w := newTestWebhook(t, "s3cret", func(ev *Event) { got = ev })

	body := `{"deploy":"v1.2.3"}`
	req := httptest.NewRequest("POST", "/hook", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("s3cret", body))
	rec := httptest.NewRecorder()

	w.serve(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if got == nil {
		t.Fatal("handler was not invoked")
	}
	if got.Type != TypeWebhook || got.Prompt != body {
		t.Errorf("event = %+v, want webhook event carrying the body", got)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %q, want ok envelope", rec.Body.String())
	}
}

func TestWebhookRejectsWrongMethod(t *testing.T) {
	w := newTestWebhook(t, "s", func(*Event) { t.Error("handler must not run") })

	rec := httptest.NewRecorder()
	w.serve(rec, httptest.NewRequest("GET", "/hook", nil))

	if rec.Code != 405 {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	w := newTestWebhook(t, "s3cret", func(*Event) { t.Error("handler must not run") })

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong secret", sign("other", "payload")},
		{"not hex", "sha256=zzzz"},
		{"no prefix", "deadbeef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/hook", strings.NewReader("payload"))
			if tt.header != "" {
				req.Header.Set("X-Hub-Signature-256", tt.header)
			}
			rec := httptest.NewRecorder()
			w.serve(rec, req)
			if rec.Code != 403 {
				t.Errorf("status = %d, want 403", rec.Code)
			}
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	w := newTestWebhook(t, "s", func(*Event) { t.Error("handler must not run") })

	req := httptest.NewRequest("POST", "/hook", strings.NewReader("x"))
	req.ContentLength = maxWebhookBody + 1
	rec := httptest.NewRecorder()
	w.serve(rec, req)

	if rec.Code != 413 {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestWebhookRateLimits(t *testing.T) {
	w := newTestWebhook(t, "s3cret", func(*Event) {})
	w.limiter = rate.NewLimiter(rate.Limit(0.001), 1)

	body := "payload"
	for i, wantCode := range []int{200, 429} {
		req := httptest.NewRequest("POST", "/hook", strings.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sign("s3cret", body))
		rec := httptest.NewRecorder()
		w.serve(rec, req)
		if rec.Code != wantCode {
			t.Errorf("request %d: status = %d, want %d", i, rec.Code, wantCode)
		}
	}
}

func TestWebhookGeneratesSecretWhenUnset(t *testing.T) {
	drv, err := newWebhookDriver(config.Trigger{
		Type: "webhook", Path: "/h", Method: "POST", RateLimitRPM: 60,
	}, func(*Event) {}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if drv.(*webhookDriver).secret == "" {
		t.Error("secret was not generated")
	}
}
