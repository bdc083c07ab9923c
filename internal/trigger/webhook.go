package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vladkesler/agentd/internal/config"
)

// maxWebhookBody caps request bodies at 1 MiB.
const maxWebhookBody = 1 << 20

// webhookDriver runs a loopback-only HTTP listener that converts
// incoming requests into events. A reverse proxy is expected in front
// of it for any non-local exposure.
type webhookDriver struct {
	path    string
	port    int
	method  string
	secret  string
	limiter *rate.Limiter
	handler Handler
	logger  *slog.Logger
}

func newWebhookDriver(cfg config.Trigger, handler Handler, logger *slog.Logger) (Driver, error) {
	secret := cfg.Secret
	if secret == "" {
		generated, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("generate webhook secret: %w", err)
		}
		secret = generated
		logger.Warn("webhook secret not configured, generated one for this process",
			"secret", secret,
		)
	}

	rpm := float64(cfg.RateLimitRPM)
	burst := cfg.RateLimitRPM / 6
	if burst < 1 {
		burst = 1
	}

	return &webhookDriver{
		path:    cfg.Path,
		port:    cfg.Port,
		method:  cfg.Method,
		secret:  secret,
		limiter: rate.NewLimiter(rate.Limit(rpm/60.0), burst),
		handler: handler,
		logger:  logger,
	}, nil
}

func (w *webhookDriver) Name() string { return "webhook" }

func (w *webhookDriver) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.serve)

	addr := fmt.Sprintf("127.0.0.1:%d", w.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webhook listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	w.logger.Info("webhook listening", "addr", addr, "path", w.path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (w *webhookDriver) serve(rw http.ResponseWriter, r *http.Request) {
	if r.Method != w.method {
		writeJSONError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.ContentLength > maxWebhookBody {
		writeJSONError(rw, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if !w.limiter.Allow() {
		writeJSONError(rw, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeJSONError(rw, http.StatusBadRequest, "cannot read body")
		return
	}
	if len(body) > maxWebhookBody {
		writeJSONError(rw, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if !w.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		w.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		writeJSONError(rw, http.StatusForbidden, "invalid signature")
		return
	}

	prompt := strings.ToValidUTF8(string(body), "")
	w.logger.Info("webhook received", "bytes", len(body), "remote", r.RemoteAddr)

	w.handler(NewEvent(TypeWebhook, prompt, map[string]string{
		"path":   w.path,
		"remote": r.RemoteAddr,
	}))

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
}

// verifySignature checks the GitHub-style sha256 HMAC header in
// constant time.
func (w *webhookDriver) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func writeJSONError(rw http.ResponseWriter, code int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(map[string]string{"error": msg})
}

func randomSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
