package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strings"
)

const SignatureHeader = "X-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature authenticates server-to-server callbacks signed with a shared secret.
// The header may carry a "sha256=" prefix.
func VerifySignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				log.Printf("[SIGNATURE] No secret configured for %s, rejecting", r.URL.Path)
				http.Error(w, "Signature verification unavailable", http.StatusUnauthorized)
				return
			}

			signature := strings.TrimPrefix(r.Header.Get(SignatureHeader), "sha256=")
			if signature == "" {
				http.Error(w, "Signature required", http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
			if err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}

			expected := Sign(secret, body)
			if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
				log.Printf("[SIGNATURE] Invalid signature on %s", r.URL.Path)
				http.Error(w, "Invalid signature", http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
