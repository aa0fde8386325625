package middleware

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayHeader      = "Idempotent-Replay"

	idempotencyPrefix = "idem:"
	inflightTTL       = time.Minute
)

// cachedResponse is what gets stored in Redis per idempotency key. Status 0 marks a request still in flight.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        string `json:"body"`
}

var inflightMarker = mustMarshal(cachedResponse{})

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// IdempotencyKey scopes the client's header to caller and path
func IdempotencyKey(r *http.Request) string {
	caller := "anonymous"
	if p, ok := PrincipalFrom(r.Context()); ok {
		caller = p.UserID
	}
	return idempotencyPrefix + caller + ":" + r.URL.Path + ":" + r.Header.Get(IdempotencyHeader)
}

// Idempotency replays the stored response for a repeated Idempotency-Key on POST requests.
// Without Redis, or when Redis fails, requests pass through unchanged.
func Idempotency(rdb *redis.Client, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rdb == nil || r.Method != http.MethodPost || r.Header.Get(IdempotencyHeader) == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			key := IdempotencyKey(r)

			stored, err := rdb.Get(ctx, key).Result()
			switch {
			case err == nil:
				replay(w, key, stored)
				return
			case err != redis.Nil:
				log.Printf("[IDEMPOTENCY] Redis lookup failed for %s, passing through: %v", key, err)
				next.ServeHTTP(w, r)
				return
			}

			acquired, err := rdb.SetNX(ctx, key, inflightMarker, inflightTTL).Result()
			if err != nil {
				log.Printf("[IDEMPOTENCY] Redis reserve failed for %s, passing through: %v", key, err)
				next.ServeHTTP(w, r)
				return
			}
			if !acquired {
				http.Error(w, "A request with this Idempotency-Key is in progress", http.StatusConflict)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				if err := rdb.Del(ctx, key).Err(); err != nil {
					log.Printf("[IDEMPOTENCY] Failed to release %s: %v", key, err)
				}
				return
			}

			value := mustMarshal(cachedResponse{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.String(),
			})
			if err := rdb.Set(ctx, key, value, ttl).Err(); err != nil {
				log.Printf("[IDEMPOTENCY] Failed to store response for %s: %v", key, err)
			}
		})
	}
}

func replay(w http.ResponseWriter, key, stored string) {
	var resp cachedResponse
	if err := json.Unmarshal([]byte(stored), &resp); err != nil {
		log.Printf("[IDEMPOTENCY] Corrupt cached response for %s: %v", key, err)
		http.Error(w, "Stored response unreadable", http.StatusInternalServerError)
		return
	}
	if resp.Status == 0 {
		http.Error(w, "A request with this Idempotency-Key is in progress", http.StatusConflict)
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(resp.Status)
	w.Write([]byte(resp.Body))
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
