package labinterface

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/platform/apperr"
)

// Webhook rejection codes recorded on audit entries.
const (
	CodeIPDenied         = "WEBHOOK_IP_DENIED"
	CodeRateLimited      = "WEBHOOK_RATE_LIMITED"
	CodeAPIKeyInvalid    = "WEBHOOK_API_KEY_INVALID"
	CodeSignatureInvalid = "WEBHOOK_SIGNATURE_INVALID"
)

// WebhookRequest is what the HTTP layer knows about an inbound webhook call.
type WebhookRequest struct {
	RemoteIP string
	Header   http.Header
	Body     []byte
}

// WebhookAuthenticator applies an integration's webhook security settings.
// Checks run in order: IP allowlist, API key, HMAC signature, rate limit.
// A check whose setting is empty is skipped. Only requests that passed the
// credential checks are charged against the integration's rate limit.
type WebhookAuthenticator struct {
	reveal func(c *integration.Config, field integration.CredentialField) (string, error)

	mu       sync.Mutex
	limiters map[uuid.UUID]*windowLimiter
}

type windowLimiter struct {
	limit  int
	window int
	*rate.Limiter
}

func NewWebhookAuthenticator(reveal func(*integration.Config, integration.CredentialField) (string, error)) *WebhookAuthenticator {
	return &WebhookAuthenticator{reveal: reveal, limiters: make(map[uuid.UUID]*windowLimiter)}
}

func denied(code, msg string) error {
	return apperr.New(apperr.KindAuth, code, msg)
}

// Authenticate returns nil when req may be processed for c.
func (a *WebhookAuthenticator) Authenticate(c *integration.Config, req *WebhookRequest, now time.Time) error {
	if !c.WebhookEnabled {
		return nil
	}
	if len(c.WebhookIPAllowlist) > 0 && !ipAllowed(c.WebhookIPAllowlist, req.RemoteIP) {
		return denied(CodeIPDenied, "source address is not allowed")
	}
	if c.WebhookAPIKeyEnc != "" {
		want, err := a.reveal(c, integration.CredentialWebhookAPIKey)
		if err != nil {
			return err
		}
		got := req.Header.Get(c.WebhookAPIKeyHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return denied(CodeAPIKeyInvalid, "missing or invalid API key")
		}
	}
	if c.WebhookHMACSecretEnc != "" {
		secret, err := a.reveal(c, integration.CredentialWebhookHMACSecret)
		if err != nil {
			return err
		}
		if !VerifySignature(req.Body, secret, req.Header.Get(c.WebhookSignatureHeader)) {
			return denied(CodeSignatureInvalid, "missing or invalid signature")
		}
	}
	if c.WebhookRateLimit > 0 && !a.limiter(c).AllowN(now, 1) {
		return denied(CodeRateLimited, "webhook rate limit exceeded")
	}
	return nil
}

// limiter returns the integration's limiter, rebuilding it when the limit or
// window changed since it was created.
func (a *WebhookAuthenticator) limiter(c *integration.Config) *windowLimiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[c.ID]
	if ok && l.limit == c.WebhookRateLimit && l.window == c.WebhookRateWindowSec {
		return l
	}
	window := time.Duration(c.WebhookRateWindowSec) * time.Second
	l = &windowLimiter{
		limit:   c.WebhookRateLimit,
		window:  c.WebhookRateWindowSec,
		Limiter: rate.NewLimiter(rate.Every(window/time.Duration(c.WebhookRateLimit)), c.WebhookRateLimit),
	}
	a.limiters[c.ID] = l
	return l
}

func ipAllowed(allowlist []string, remote string) bool {
	ip := net.ParseIP(strings.TrimSpace(remote))
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		block, err := integration.ParseAllowlistEntry(entry)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// SignPayload returns the hex HMAC-SHA256 of body.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature, optionally prefixed
// with "sha256=".
func VerifySignature(body []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
