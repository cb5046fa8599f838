package api

import (
	"github.com/ruteri/attribute-key-manager/interfaces"
)

// StatusResponse is returned by GET /admin/status.
type StatusResponse struct {
	// State is "sealed", "recovering" or "unsealed"
	State string `json:"state"`

	// SharesReceived and Threshold are set while recovering
	SharesReceived int `json:"shares_received,omitempty"`
	Threshold      int `json:"threshold,omitempty"`
}

// ShareSubmission is the body of POST /admin/share. Share and Signature
// are base64 encoded; the signature covers the raw share bytes.
type ShareSubmission struct {
	ShareIndex int    `json:"share_index"`
	Share      string `json:"share"`
	Signature  string `json:"signature"`
}

// RevokeRequest is the optional body of the revocation endpoints.
type RevokeRequest struct {
	// LengthOverrides maps a metadata value to the length of its rotated key
	LengthOverrides map[string]int `json:"length_overrides,omitempty"`
}

// RevokeResponse reports a completed revocation. FailedUsers lists the
// remaining holders that did not receive the rotated keys; they are
// brought up to date by reconciling the attribute.
type RevokeResponse struct {
	User        interfaces.UserID   `json:"user"`
	Attributes  []string            `json:"attributes"`
	FailedUsers []interfaces.UserID `json:"failed_users,omitempty"`
}

// ReconcileResponse is returned by POST /admin/reconcile/{attribute}.
// FailedUsers are holders that are still behind.
type ReconcileResponse struct {
	Attribute   string              `json:"attribute"`
	Issued      int                 `json:"issued"`
	FailedUsers []interfaces.UserID `json:"failed_users,omitempty"`
}

// MessageResponse carries a human readable outcome.
type MessageResponse struct {
	Message string `json:"message"`
}
