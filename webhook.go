package invoicesync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of a pushed invalidation body.
const SignatureHeader = "X-Invoicesync-Signature"

const maxWebhookBody = 1 << 20

// ============================================================================
// Signatures
// ============================================================================

// SignPayload returns the "sha256=<hex>" signature of body under secret.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature in constant time. The
// "sha256=" prefix is optional.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	expected := strings.TrimPrefix(SignPayload(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseFrame decodes a realtime frame, rejecting bodies without a type.
func ParseFrame(body []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid JSON in frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, errors.New("missing type field in frame")
	}
	return f, nil
}

// ============================================================================
// InvalidationWebhook
// ============================================================================

// InvalidationWebhook accepts signed invalidation frames over plain HTTP POST
// and feeds them to the router, for deployments where the server pushes to
// the device instead of holding a realtime channel open.
type InvalidationWebhook struct {
	secret string
	router *Router
	logger *slog.Logger
}

// NewInvalidationWebhook creates the receiver. secret is required.
func NewInvalidationWebhook(secret string, router *Router, logger *slog.Logger) (*InvalidationWebhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InvalidationWebhook{secret: secret, router: router, logger: logger.With("component", "webhook")}, nil
}

// Handle verifies and dispatches one body. It returns the status code and
// response body for the caller to write.
func (w *InvalidationWebhook) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	f, err := ParseFrame(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	matched := w.router.Dispatch(f)
	w.logger.Debug("webhook frame dispatched", "type", f.Type, "matched", matched)
	return http.StatusOK, map[string]any{"ok": true, "matched": matched}
}

// ServeHTTP implements http.Handler.
func (w *InvalidationWebhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	status, data := w.Handle(body, r.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
