package polar

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// extractSignature returns the signature header value, accepting both header
// names Polar has used.
func extractSignature(r *http.Request) string {
	sig := strings.TrimSpace(r.Header.Get(signatureHeader))
	if sig == "" {
		sig = strings.TrimSpace(r.Header.Get(signatureHeaderAlt))
	}
	return sig
}

// verifySignature checks an HMAC-SHA256 hex signature over the exact raw
// body bytes. The header value may carry a "sha256=" prefix. Comparison is
// constant-time; malformed hex rejects rather than erroring.
func (p *Provider) verifySignature(body []byte, signature string) bool {
	if len(p.webhookSecret) == 0 || signature == "" {
		return false
	}

	signature = strings.TrimPrefix(signature, "sha256=")

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, p.webhookSecret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the hex HMAC-SHA256 signature for a body with the given
// secret. Exported for callers that need to produce test fixtures or verify
// outbound replays.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
