package router

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/internal/access"
	"github.com/ovaphlow/pitchfork/service-account/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-account/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-account/internal/user"
	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

const requestIDHeader = "X-Request-ID"

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware tags each request with an id, logs it at debug level and
// records it in m.
func LoggingMiddleware(logger *zap.SugaredLogger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get(requestIDHeader)
			if reqID == "" {
				reqID = utilities.NewKSUID()
			}
			w.Header().Set(requestIDHeader, reqID)

			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			m.Request(r.Method, strconv.Itoa(status), dur.Seconds())
			logger.Debugw("http request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware returns a middleware that sets common HTTP security headers.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Cache-Control", "no-store")
			if w.Header().Get("Content-Security-Policy") == "" {
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			// HSTS only over TLS, 30 days.
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authenticator turns a bearer token into an actor.
type Authenticator interface {
	Authenticate(token string) (access.Actor, error)
}

// AuthMiddleware requires a valid bearer token and stores its actor in the
// request context. Failures are a plain 401 with no detail.
func AuthMiddleware(auth Authenticator, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}
			actor, err := auth.Authenticate(raw)
			if err != nil {
				logger.Debugw("bearer token rejected", "path", r.URL.Path, "err", err)
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(access.WithActor(r.Context(), actor)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="account"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": user.ErrUnauthenticated.Error()})
}

// Deps are the collaborators mounted by RegisterRoutes.
type Deps struct {
	Users   *user.Handler
	Auth    Authenticator
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	// MetricsHandler serves /metrics; nil leaves it unmounted.
	MetricsHandler http.Handler
	Logger         *zap.SugaredLogger
}

// RegisterRoutes mounts HTTP handlers using the standard library's http.ServeMux.
func RegisterRoutes(d Deps) http.Handler {
	mux := http.NewServeMux()
	logger := d.Logger

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.MetricsHandler != nil {
		mux.Handle("GET /metrics", d.MetricsHandler)
	}

	authed := AuthMiddleware(d.Auth, logger)
	limited := func(route string, h http.HandlerFunc) http.Handler {
		return ratelimit.Middleware(d.Limiter, route, d.Metrics, logger)(h)
	}

	const base = "/api/users"
	u := d.Users

	// public
	mux.Handle("POST "+base+"/signup", limited("signup", u.Signup))
	mux.Handle("POST "+base+"/signin", limited("signin", u.Signin))
	mux.HandleFunc("GET "+base+"/verify_email/{token}", u.VerifyEmail)
	mux.Handle("POST "+base+"/resend_verification", limited("resend_verification", u.ResendVerification))
	mux.Handle("POST "+base+"/request_reset_password", limited("request_reset_password", u.RequestPasswordReset))
	mux.Handle("POST "+base+"/reset_password", limited("reset_password", u.ResetPassword))

	// bearer token required
	mux.Handle("POST "+base+"/create_user", authed(http.HandlerFunc(u.CreateUser)))
	mux.Handle("GET "+base+"/get_users", authed(http.HandlerFunc(u.ListUsers)))
	mux.Handle("GET "+base+"/user/{id}", authed(http.HandlerFunc(u.GetUser)))
	mux.Handle("PUT "+base+"/update/{id}", authed(http.HandlerFunc(u.UpdateUser)))
	mux.Handle("DELETE "+base+"/user/{id}", authed(http.HandlerFunc(u.DeleteUser)))

	// wrap with security headers middleware then logging middleware
	return LoggingMiddleware(logger, d.Metrics)(SecurityHeadersMiddleware()(mux))
}
