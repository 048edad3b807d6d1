package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/harrylevesque/keybar/internal/httpsig"
	"github.com/harrylevesque/keybar/internal/models"
)

// Identity is the authenticated caller: exactly one device and its owner.
type Identity struct {
	Device *models.Device
	User   *models.User
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity bound by Middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}

// challenge names the scheme and the minimum header set a client must sign.
var challenge = fmt.Sprintf(`Signature realm="keybar",headers="%s"`, strings.Join(httpsig.RequiredHeaders, " "))

// Middleware authenticates every request before it reaches next. Rejected
// requests get a uniform body; the reason is logged only.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			var rej *Rejection
			if errors.As(err, &rej) {
				a.log.Warn("request rejected",
					"reason", string(rej.Reason),
					"device_id", r.Header.Get("X-Device-Id"),
					"remote", r.RemoteAddr,
					"method", r.Method,
					"path", r.URL.Path,
				)
				if rej.Status() == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", challenge)
				}
				JSONResponse(w, rej.Status(), map[string]string{"error": "authentication failed"})
				return
			}
			a.log.Error("authentication error", "error", err, "remote", r.RemoteAddr)
			JSONResponse(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
	})
}

// JSONResponse writes a JSON response.
func JSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
