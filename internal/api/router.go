// Package api exposes device enrollment and management over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/harrylevesque/keybar/internal/auth"
	"github.com/harrylevesque/keybar/internal/registry"
	"github.com/harrylevesque/keybar/internal/utils"
)

// Deps are the services the router needs.
type Deps struct {
	Devices       *registry.Registry
	Users         UserDirectory
	Authenticator *auth.Authenticator
	EnrollLimiter *IPRateLimiter
	Logger        *utils.Logger
	Now           func() time.Time
}

// NewRouter builds the HTTP handler. Everything below /api/v1 except
// enrollment requires a signed request.
func NewRouter(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = utils.Discard()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	h := &Handler{
		devices: d.Devices,
		users:   d.Users,
		limiter: d.EnrollLimiter,
		log:     log.With("component", "api"),
		now:     now,
	}
	signed := func(fn handlerFunc) http.Handler {
		return d.Authenticator.Middleware(h.handle(fn))
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/time", h.GetTimeHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Handle("/devices", h.handle(h.EnrollHandler)).Methods(http.MethodPost)
	v1.Handle("/devices", signed(h.ListDevicesHandler)).Methods(http.MethodGet)
	v1.Handle("/devices/self", signed(h.SelfHandler)).Methods(http.MethodGet)
	v1.Handle("/devices/{id}/authorize", signed(h.AuthorizeDeviceHandler)).Methods(http.MethodPost)
	v1.Handle("/devices/{id}", signed(h.RenameDeviceHandler)).Methods(http.MethodPatch)
	v1.Handle("/devices/{id}", signed(h.DeleteDeviceHandler)).Methods(http.MethodDelete)
	v1.Handle("/users", signed(h.ListUsersHandler)).Methods(http.MethodGet)
	v1.Handle("/users/me", signed(h.MeHandler)).Methods(http.MethodGet)

	return Recovery(h.log, r)
}
