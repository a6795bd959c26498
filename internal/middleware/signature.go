package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

// SignatureHeader содержит hex-представление HMAC-SHA256 тела запроса.
const SignatureHeader = "X-Trigger-Signature"

const maxSignedBodySize = 1 << 20

// SignatureMiddleware проверяет подпись тела запроса от источника событий уведомлений.
type SignatureMiddleware struct {
	secretKey []byte
}

// NewSignatureMiddleware создаёт middleware проверки подписи.
// С пустым секретом проверка отключена.
func NewSignatureMiddleware(secret string) *SignatureMiddleware {
	return &SignatureMiddleware{secretKey: []byte(secret)}
}

// Middleware отклоняет запросы без корректной подписи со статусом 401
// и тела больше maxSignedBodySize со статусом 413.
func (s *SignatureMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.secretKey) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodySize+1))
		_ = r.Body.Close()
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if len(body) > maxSignedBodySize {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}

		signature, err := hex.DecodeString(r.Header.Get(SignatureHeader))
		if err != nil || !hmac.Equal(signature, s.Sign(body)) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Sign вычисляет подпись тела.
func (s *SignatureMiddleware) Sign(body []byte) []byte {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(body)
	return mac.Sum(nil)
}
