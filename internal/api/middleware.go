package api

import (
	"net/http"
	"runtime/debug"

	"github.com/harrylevesque/keybar/internal/auth"
	"github.com/harrylevesque/keybar/internal/utils"
)

// Recovery turns a panicking handler into a 500.
func Recovery(log *utils.Logger, next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("panic", "error", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
				auth.JSONResponse(w, http.StatusInternalServerError, errorBody(http.StatusText(http.StatusInternalServerError)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
