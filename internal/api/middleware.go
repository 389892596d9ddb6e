package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
)

// tokenHeader carries the shared control-API token.
const tokenHeader = "X-REALMS-Token"

// authenticate counts every request and rejects any whose token header does
// not match the configured value.
func authenticate(token string, stats *appstate.Stats) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			stats.Increment(appstate.StatJSONRequests)
			if r.Header.Get(tokenHeader) != token {
				stats.Increment(appstate.StatJSONUnauthorized)
				errJSON(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoverer converts a handler panic into a crash log, the crash counter,
// and a 500 with a short summary body. User-visible errors stay confined to
// the HTTP response; diagnostics go to the log.
func recoverer(stats *appstate.Stats) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					err := appstate.CrashFromPanic(v)
					stats.LogCrash("api", err)
					errJSON(w, http.StatusInternalServerError, "Internal error: "+err.Error())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each request with method, path, status and size.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
