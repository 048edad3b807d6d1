package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason classifies a rejected request. It is logged, never sent to clients.
type Reason string

const (
	ReasonMalformedSignature  Reason = "MalformedSignature"
	ReasonMissingSignedHeader Reason = "MissingSignedHeader"
	ReasonStaleRequest        Reason = "StaleRequest"
	ReasonBodyTampered        Reason = "BodyTampered"
	ReasonUnknownDevice       Reason = "UnknownDevice"
	ReasonDeviceNotAuthorized Reason = "DeviceNotAuthorized"
	ReasonInvalidSignature    Reason = "InvalidSignature"
	ReasonReplayedRequest     Reason = "ReplayedRequest"
)

// Rejection is the error returned for every authentication failure.
type Rejection struct {
	Reason Reason
	Err    error
}

func reject(reason Reason, err error) *Rejection {
	return &Rejection{Reason: reason, Err: err}
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("authentication rejected: %s: %v", r.Reason, r.Err)
	}
	return fmt.Sprintf("authentication rejected: %s", r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Status maps the reason onto the HTTP answer: only an unauthorized device
// with a valid signature gets 403.
func (r *Rejection) Status() int {
	if r.Reason == ReasonDeviceNotAuthorized {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// ReasonOf extracts the rejection reason from err.
func ReasonOf(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
