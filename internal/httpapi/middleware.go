package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/msageha/fleetguard/internal/model"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyActor     ctxKey = "actor"
)

// HeaderActor carries the operator identity set by the fronting proxy.
const HeaderActor = "X-Actor-Id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(HeaderActor))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	})
}

// actorFromContext returns the caller's identity, or "" when none was sent.
func actorFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeyActor).(string)
	return s
}

// idParamMiddleware answers not_found for an {id} that is not a well-formed
// ID of kind, before any store lookup.
func (s *Server) idParamMiddleware(kind model.IDType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := model.CheckID(kind, chi.URLParam(r, "id")); err != nil {
				s.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "panic", rec)
				writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrumentMiddleware counts requests by route pattern and status class
// and logs each request at debug level.
func (s *Server) instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%dxx", rec.status/100)).Inc()
		s.logger.Debug("request", "method", r.Method, "route", route, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(), "request_id", requestIDFromContext(r.Context()))
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = strings.Trim(remoteAddr, "[]")
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// opsAuthMiddleware admits loopback callers, and everyone else only with
// the configured ops token.
func (s *Server) opsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		if s.opsToken == "" {
			writeError(w, r, http.StatusForbidden, "forbidden", "ops endpoints are loopback-only")
			return
		}
		tok := bearerToken(r.Header.Get("Authorization"))
		if tok == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(s.opsToken)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid or missing ops token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) opsRateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opsLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := s.opsLimiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "ops rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
