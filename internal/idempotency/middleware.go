package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	apierrors "github.com/CedrosPay/ticketing/internal/errors"
	"github.com/CedrosPay/ticketing/internal/logger"
)

const (
	// HeaderKey carries the client-chosen idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderReplay is set on responses served from the store.
	HeaderReplay = "X-Idempotency-Replay"

	// DefaultTTL is how long responses are kept when no TTL is configured.
	DefaultTTL = 24 * time.Hour

	maxKeyLength  = 255
	maxBodyToHash = 1 << 20
)

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (cw *captureWriter) WriteHeader(status int) {
	cw.status = status
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	cw.body.Write(b)
	return cw.ResponseWriter.Write(b)
}

// storable reports whether a response is final for its request. Server
// errors and rate limits may succeed on retry, so they are never replayed.
func storable(status int) bool {
	return status >= 200 && status < 500 && status != http.StatusTooManyRequests
}

// Middleware replays responses for repeated Idempotency-Key requests.
//
// Keys are scoped by method and path. The stored response remembers a hash
// of the request body; reusing a key with a different body is rejected with
// 422 rather than replaying an answer to another request.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(rawKey) > maxKeyLength {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "Idempotency-Key is too long")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyToHash))
			if err != nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "could not read request body")
				return
			}
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
			fingerprint := fingerprintOf(body)

			key := r.Method + ":" + r.URL.Path + ":" + rawKey
			log := logger.FromContext(r.Context())

			if cached, ok := store.Get(r.Context(), key); ok {
				if cached.Fingerprint != "" && cached.Fingerprint != fingerprint {
					log.Warn().Str("path", r.URL.Path).Msg("idempotency.key_reused")
					apierrors.WriteSimpleError(w, apierrors.ErrCodeIdempotencyReuse,
						"Idempotency-Key was already used with a different request body")
					return
				}
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				log.Debug().Str("path", r.URL.Path).Int("status", cached.StatusCode).Msg("idempotency.replayed")
				return
			}

			cw := &captureWriter{ResponseWriter: w}
			next.ServeHTTP(cw, r)
			if cw.status == 0 {
				cw.status = http.StatusOK
			}
			if !storable(cw.status) {
				return
			}

			headers := make(map[string]string, len(w.Header()))
			for k := range w.Header() {
				headers[k] = w.Header().Get(k)
			}
			resp := &Response{
				StatusCode:  cw.status,
				Headers:     headers,
				Body:        cw.body.Bytes(),
				Fingerprint: fingerprint,
				CachedAt:    time.Now().UTC(),
			}
			if err := store.Set(r.Context(), key, resp, ttl); err != nil {
				log.Warn().Err(err).Msg("idempotency.store_failed")
			}
		})
	}
}

func fingerprintOf(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
