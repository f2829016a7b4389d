package httpapi

import (
	"context"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			log.Printf("%s %s websocket closed", r.Method, r.URL.Path)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		if recorder.status == 0 {
			recorder.status = http.StatusOK
		}
		log.Printf("%s %s %d %dB %s", r.Method, r.URL.Path, recorder.status, recorder.bytes, time.Since(start))
	})
}

type RateLimitResponse struct {
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// Limiter is satisfied by services.RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, scope, ip string) (bool, time.Duration)
}

// RateLimit rejects clients that exceed the limiter's window for scope.
// A nil limiter lets everything through.
func RateLimit(limiter Limiter, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, wait := limiter.Allow(r.Context(), scope, clientIP(r))
			if !allowed {
				retry := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				WriteJSON(w, http.StatusTooManyRequests, RateLimitResponse{Message: "Too many requests", RetryAfter: retry})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
