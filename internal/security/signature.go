// Package security guards inbound webhooks against replay and forgery.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// GenerateSignature returns the lowercase hex HMAC-SHA256 of payload.
func GenerateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature over payload. The
// signature may carry a "sha256=" prefix; prefix and hex digits are both
// case-insensitive. The comparison is constant-time; missing or malformed
// input yields false.
func VerifySignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if len(signature) >= len(signaturePrefix) && strings.EqualFold(signature[:len(signaturePrefix)], signaturePrefix) {
		signature = signature[len(signaturePrefix):]
	}
	if signature == "" || secret == "" {
		return false
	}
	expected := GenerateSignature(payload, secret)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

// SignedPayload builds the bytes a webhook delivery signs:
// timestamp + "." + nonce + "." + body. Binding the replay headers into the
// MAC means a captured signature is only valid with its original timestamp
// and nonce.
func SignedPayload(timestamp, nonce string, body []byte) []byte {
	out := make([]byte, 0, len(timestamp)+len(nonce)+len(body)+2)
	out = append(out, timestamp...)
	out = append(out, '.')
	out = append(out, nonce...)
	out = append(out, '.')
	return append(out, body...)
}
