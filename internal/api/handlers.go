package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/harrylevesque/keybar/internal/auth"
	"github.com/harrylevesque/keybar/internal/crypto"
	"github.com/harrylevesque/keybar/internal/models"
	"github.com/harrylevesque/keybar/internal/registry"
	"github.com/harrylevesque/keybar/internal/utils"
)

// maxRequestBytes bounds JSON request bodies on unauthenticated routes.
const maxRequestBytes = 64 << 10

// UserDirectory resolves device owners. Unknown users are reported as
// models.ErrUserNotFound.
type UserDirectory interface {
	LookupUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	LookupByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context) []*models.User
}

// Handler serves the device API.
type Handler struct {
	devices *registry.Registry
	users   UserDirectory
	limiter *IPRateLimiter
	log     *utils.Logger
	now     func() time.Time
}

// DeviceView is the public representation of a device.
type DeviceView struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Fingerprint string               `json:"fingerprint"`
	Authorized  models.Authorization `json:"authorized"`
	CreatedAt   time.Time            `json:"created_at"`
}

func viewOf(d *models.Device) DeviceView {
	return DeviceView{
		ID:          d.KeyID(),
		Name:        d.Name,
		Fingerprint: d.Fingerprint(),
		Authorized:  d.Authorized,
		CreatedAt:   d.CreatedAt,
	}
}

// UserView is the public representation of a user.
type UserView struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	IsActive    bool      `json:"is_active"`
	IsSuperuser bool      `json:"is_superuser"`
	DateJoined  time.Time `json:"date_joined"`
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle writes the status carried by a returned error. Errors without a
// status are logged and answered with a bare 500.
func (h *Handler) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		status, msg := utils.StatusOf(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("request failed", "error", err, "method", r.Method, "path", r.URL.Path)
		}
		auth.JSONResponse(w, status, errorBody(msg))
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return utils.Wrap(http.StatusBadRequest, "invalid JSON", err)
	}
	return nil
}

// GetTimeHandler returns the current server time in RFC3339 format.
func (h *Handler) GetTimeHandler(w http.ResponseWriter, r *http.Request) {
	auth.JSONResponse(w, http.StatusOK, map[string]string{
		"time": h.now().UTC().Format(time.RFC3339),
		"http": h.now().UTC().Format(http.TimeFormat),
	})
}

// HealthHandler reports liveness.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	auth.JSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enrollRequest struct {
	OwnerEmail string `json:"owner_email"`
	PublicKey  string `json:"public_key"`
	Name       string `json:"name"`
}

// EnrollHandler registers a new, not yet authorized device.
func (h *Handler) EnrollHandler(w http.ResponseWriter, r *http.Request) error {
	if !h.limiter.Allow(clientIP(r)) {
		w.Header().Set("Retry-After", "60")
		return utils.New(http.StatusTooManyRequests, "too many enrollment attempts")
	}
	var req enrollRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.OwnerEmail == "" || req.PublicKey == "" {
		return utils.New(http.StatusBadRequest, "owner_email and public_key are required")
	}

	owner, err := h.users.LookupByEmail(r.Context(), req.OwnerEmail)
	if errors.Is(err, models.ErrUserNotFound) || (err == nil && !owner.IsActive) {
		return utils.New(http.StatusNotFound, "unknown owner")
	}
	if err != nil {
		return err
	}

	d, err := h.devices.Create(r.Context(), owner.ID, req.PublicKey, req.Name)
	switch {
	case errors.Is(err, crypto.ErrKeyFormat):
		return utils.Wrap(http.StatusBadRequest, "unsupported public key", err)
	case errors.Is(err, registry.ErrInvalidName):
		return utils.Wrap(http.StatusBadRequest, "invalid device name", err)
	case errors.Is(err, registry.ErrDuplicateKey):
		return utils.Wrap(http.StatusConflict, "public key already registered", err)
	case err != nil:
		return err
	}
	auth.JSONResponse(w, http.StatusCreated, viewOf(d))
	return nil
}

// identity is only called behind the authenticator middleware.
func identity(r *http.Request) *auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// SelfHandler returns the calling device.
func (h *Handler) SelfHandler(w http.ResponseWriter, r *http.Request) error {
	id := identity(r)
	auth.JSONResponse(w, http.StatusOK, viewOf(id.Device))
	return nil
}

// MeHandler returns the user owning the calling device.
func (h *Handler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	auth.JSONResponse(w, http.StatusOK, userViewOf(identity(r).User))
	return nil
}

// ListUsersHandler lists every user. Superusers only.
func (h *Handler) ListUsersHandler(w http.ResponseWriter, r *http.Request) error {
	if !identity(r).User.IsSuperuser {
		return utils.New(http.StatusForbidden, "superuser required")
	}
	users := h.users.List(r.Context())
	out := make([]UserView, 0, len(users))
	for _, u := range users {
		out = append(out, userViewOf(u))
	}
	auth.JSONResponse(w, http.StatusOK, out)
	return nil
}

func userViewOf(u *models.User) UserView {
	return UserView{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.DisplayName(),
		IsActive:    u.IsActive,
		IsSuperuser: u.IsSuperuser,
		DateJoined:  u.DateJoined,
	}
}

// ListDevicesHandler lists the devices of the caller's owner.
func (h *Handler) ListDevicesHandler(w http.ResponseWriter, r *http.Request) error {
	id := identity(r)
	devices, err := h.devices.ListByOwner(r.Context(), id.User.ID)
	if err != nil {
		return err
	}
	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, viewOf(d))
	}
	auth.JSONResponse(w, http.StatusOK, out)
	return nil
}

// target resolves the {id} route variable to a device the caller may
// manage: one of the same owner, or any device for a superuser.
func (h *Handler) target(r *http.Request) (*models.Device, error) {
	deviceID, err := models.ParseKeyID(mux.Vars(r)["id"])
	if err != nil {
		return nil, utils.New(http.StatusNotFound, "device not found")
	}
	d, err := h.devices.LookupByID(r.Context(), deviceID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, utils.New(http.StatusNotFound, "device not found")
	}
	if err != nil {
		return nil, err
	}
	caller := identity(r).User
	if d.OwnerID != caller.ID && !caller.IsSuperuser {
		return nil, utils.New(http.StatusForbidden, "not the owner of this device")
	}
	return d, nil
}

type authorizeRequest struct {
	Authorized *bool `json:"authorized"`
}

// AuthorizeDeviceHandler records the owner's decision for a device.
func (h *Handler) AuthorizeDeviceHandler(w http.ResponseWriter, r *http.Request) error {
	d, err := h.target(r)
	if err != nil {
		return err
	}
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Authorized == nil {
		return utils.New(http.StatusBadRequest, "authorized is required")
	}
	if err := h.devices.Authorize(r.Context(), d.ID, *req.Authorized); err != nil {
		return notFoundOr(err)
	}
	d.Authorized = models.AuthorizationFromBool(*req.Authorized)
	auth.JSONResponse(w, http.StatusOK, viewOf(d))
	return nil
}

type renameRequest struct {
	Name string `json:"name"`
}

// RenameDeviceHandler changes a device label.
func (h *Handler) RenameDeviceHandler(w http.ResponseWriter, r *http.Request) error {
	d, err := h.target(r)
	if err != nil {
		return err
	}
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := h.devices.Rename(r.Context(), d.ID, req.Name); err != nil {
		if errors.Is(err, registry.ErrInvalidName) {
			return utils.Wrap(http.StatusBadRequest, "invalid device name", err)
		}
		return notFoundOr(err)
	}
	updated, err := h.devices.LookupByID(r.Context(), d.ID)
	if err != nil {
		return notFoundOr(err)
	}
	auth.JSONResponse(w, http.StatusOK, viewOf(updated))
	return nil
}

// DeleteDeviceHandler removes a device.
func (h *Handler) DeleteDeviceHandler(w http.ResponseWriter, r *http.Request) error {
	d, err := h.target(r)
	if err != nil {
		return err
	}
	if err := h.devices.Delete(r.Context(), d.ID); err != nil {
		return notFoundOr(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func notFoundOr(err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return utils.New(http.StatusNotFound, "device not found")
	}
	return fmt.Errorf("registry: %w", err)
}
