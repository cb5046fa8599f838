// Package adminhandler serves the authenticated admin API: unsealing the
// master secret from Shamir shares, revocation and reconciliation.
package adminhandler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/attribute-key-manager/api"
	"github.com/ruteri/attribute-key-manager/interfaces"
	"github.com/ruteri/attribute-key-manager/kms"
	"github.com/ruteri/attribute-key-manager/metrics"
)

// Header names of the admin request signature.
const (
	HeaderAdminID        = "X-Admin-ID"
	HeaderAdminSignature = "X-Admin-Signature"
	HeaderRequestID      = "X-Request-ID"
	HeaderTimestamp      = "X-Admin-Timestamp"
)

// maxBodyBytes bounds request bodies read for signature verification.
const maxBodyBytes = 1 << 20

// MaxClockSkew is how far a signed request's timestamp may be from the
// server clock. Request IDs are remembered for twice that long.
const MaxClockSkew = 5 * time.Minute

// Handler serves the admin routes. Mutating key operations are serialized.
type Handler struct {
	mu       sync.Mutex
	log      *slog.Logger
	unsealer *kms.Unsealer
	wrapper  interfaces.Wrapper
	collab   kms.Collaborators
	metrics  *metrics.KeyManagerMetrics

	seenMu sync.Mutex
	seen   map[string]time.Time
	now    func() time.Time
}

// NewHandler creates a handler. Admins are the ones registered with
// unsealer; m may be nil.
func NewHandler(log *slog.Logger, unsealer *kms.Unsealer, wrapper interfaces.Wrapper, collab kms.Collaborators, m *metrics.KeyManagerMetrics) *Handler {
	h := &Handler{
		log:      log,
		unsealer: unsealer,
		wrapper:  wrapper,
		collab:   collab,
		metrics:  m,
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
	m.SetUnsealed(unsealer.IsUnsealed())
	unsealer.OnUnseal(func(*kms.KeyDeriver) {
		m.SetUnsealed(true)
		m.ObserveOperation(metrics.OpUnseal, nil)
	})
	return h
}

func (h *Handler) AdminRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.handleStatus)
	r.Post("/unseal/init", h.requireAdmin(h.handleUnsealInit))
	r.Post("/share", h.requireAdmin(h.handleSubmitShare))
	r.Post("/seal", h.requireAdmin(h.handleSeal))
	r.Post("/revoke/{user_id}/{attribute}", h.requireAdmin(h.handleRevoke))
	r.Post("/revoke/{user_id}", h.requireAdmin(h.handleRevokeAll))
	r.Post("/reconcile/{attribute}", h.requireAdmin(h.handleReconcile))

	return r
}

type adminHandlerFunc func(w http.ResponseWriter, r *http.Request, adminID string)

func (h *Handler) requireAdmin(next adminHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminID, ok := h.verifyAdmin(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, adminID)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := api.StatusResponse{State: h.unsealer.State()}
	if resp.State == kms.StateRecovering {
		resp.SharesReceived, resp.Threshold = h.unsealer.Progress()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUnsealInit(w http.ResponseWriter, r *http.Request, adminID string) {
	if err := h.unsealer.BeginRecovery(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	_, threshold := h.unsealer.Progress()
	h.log.Info("Unseal recovery initiated", "adminID", adminID, "threshold", threshold)
	writeJSON(w, http.StatusOK, api.StatusResponse{State: kms.StateRecovering, Threshold: threshold})
}

func (h *Handler) handleSubmitShare(w http.ResponseWriter, r *http.Request, adminID string) {
	var submission api.ShareSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	share, err := base64.StdEncoding.DecodeString(submission.Share)
	if err != nil {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}

	signature, err := base64.StdEncoding.DecodeString(submission.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}

	adminPubKeyPEM, _ := h.unsealer.AdminPublicKey(adminID)
	err = h.unsealer.SubmitShare(submission.ShareIndex, share, signature, adminPubKeyPEM)
	switch {
	case errors.Is(err, kms.ErrNotRecovering), errors.Is(err, kms.ErrAlreadyUnsealed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.log.Error("Share submission failed", "err", err, "adminID", adminID)
		http.Error(w, "Share submission failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	received, threshold := h.unsealer.Progress()
	h.log.Info("Share accepted", "adminID", adminID, "shareIndex", submission.ShareIndex)
	writeJSON(w, http.StatusOK, api.StatusResponse{
		State:          h.unsealer.State(),
		SharesReceived: received,
		Threshold:      threshold,
	})
}

func (h *Handler) handleSeal(w http.ResponseWriter, r *http.Request, adminID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsealer.Seal()
	h.metrics.SetUnsealed(false)
	h.log.Info("Master secret sealed", "adminID", adminID)
	writeJSON(w, http.StatusOK, api.StatusResponse{State: kms.StateSealed})
}

// coordinator returns a coordinator over the current deriver. Callers
// hold h.mu.
func (h *Handler) coordinator(w http.ResponseWriter) (*kms.Coordinator, bool) {
	deriver, err := h.unsealer.Deriver()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return kms.NewCoordinator(deriver, h.wrapper, h.collab, h.log), true
}

func decodeRevokeRequest(r *http.Request) (api.RevokeRequest, error) {
	var req api.RevokeRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return req, err
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request, adminID string) {
	user := interfaces.UserID(urlParam(r, "user_id"))
	attribute := urlParam(r, "attribute")
	listAttributes := func(context.Context) ([]string, error) {
		return []string{attribute}, nil
	}
	h.revoke(w, r, adminID, metrics.OpRevoke, user, listAttributes, func(c *kms.Coordinator, req api.RevokeRequest) error {
		return c.Revoke(r.Context(), user, attribute, req.LengthOverrides)
	})
}

func (h *Handler) handleRevokeAll(w http.ResponseWriter, r *http.Request, adminID string) {
	user := interfaces.UserID(urlParam(r, "user_id"))
	listAttributes := func(ctx context.Context) ([]string, error) {
		attributes, err := h.collab.UserAttrs.AttributesByUser(ctx, user)
		if err != nil {
			return nil, err
		}
		attributes = slices.Clone(attributes)
		slices.Sort(attributes)
		return attributes, nil
	}
	h.revoke(w, r, adminID, metrics.OpRevokeAll, user, listAttributes, func(c *kms.Coordinator, req api.RevokeRequest) error {
		return c.RevokeAllAttributes(r.Context(), user, req.LengthOverrides)
	})
}

// revoke runs a revocation under the handler lock. The attributes reported
// in the response are listed under the same lock, before run.
func (h *Handler) revoke(w http.ResponseWriter, r *http.Request, adminID, op string, user interfaces.UserID, listAttributes func(context.Context) ([]string, error), run func(*kms.Coordinator, api.RevokeRequest) error) {
	req, err := decodeRevokeRequest(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	coord, ok := h.coordinator(w)
	if !ok {
		return
	}

	attributes, err := listAttributes(r.Context())
	if err != nil {
		h.log.Error("Failed to list attributes", "err", err, "user", user)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	err = run(coord, req)
	h.metrics.ObserveOperation(op, err)

	resp := api.RevokeResponse{User: user, Attributes: attributes}
	var redist *kms.RedistributionError
	switch {
	case err == nil:
		h.log.Info("Revocation complete", "adminID", adminID, "user", user, "attributes", attributes)
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &redist):
		h.log.Warn("Revocation complete with redistribution failures", "adminID", adminID, "user", user, "err", err)
		resp.FailedUsers = redist.Users()
		writeJSON(w, http.StatusMultiStatus, resp)
	case isValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error("Revocation failed", "adminID", adminID, "user", user, "err", err)
		http.Error(w, "Revocation failed: "+err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request, adminID string) {
	attribute := urlParam(r, "attribute")

	h.mu.Lock()
	defer h.mu.Unlock()

	coord, ok := h.coordinator(w)
	if !ok {
		return
	}

	issued, err := coord.Reconcile(r.Context(), attribute)
	h.metrics.ObserveOperation(metrics.OpReconcile, err)
	h.metrics.ObserveReissued(issued)

	resp := api.ReconcileResponse{Attribute: attribute, Issued: issued}
	var redist *kms.RedistributionError
	switch {
	case err == nil:
	case errors.As(err, &redist):
		h.log.Warn("Reconcile left holders behind", "adminID", adminID, "attribute", attribute, "err", err)
		resp.FailedUsers = redist.Users()
		writeJSON(w, http.StatusMultiStatus, resp)
		return
	case isValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		h.log.Error("Reconcile failed", "adminID", adminID, "attribute", attribute, "err", err)
		http.Error(w, "Reconcile failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.log.Info("Reconcile complete", "adminID", adminID, "attribute", attribute, "issued", issued)
	writeJSON(w, http.StatusOK, resp)
}

// urlParam returns a path parameter. chi matches on the raw path when the
// request escaped a reserved character, so those values are unescaped here.
func urlParam(r *http.Request, name string) string {
	value := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return value
	}
	if unescaped, err := url.PathUnescape(value); err == nil {
		return unescaped
	}
	return value
}

func isValidationError(err error) bool {
	return errors.Is(err, interfaces.ErrDelimiterInField) || errors.Is(err, interfaces.ErrInvalidKeyLength)
}

// verifyAdmin checks the request signature against the registered key of
// the admin named by X-Admin-ID. The signature covers the request ID and
// timestamp, so a request is accepted once and only within MaxClockSkew.
// The body is restored for the handler.
func (h *Handler) verifyAdmin(r *http.Request) (string, bool) {
	adminID := r.Header.Get(HeaderAdminID)
	adminSignatureStr := r.Header.Get(HeaderAdminSignature)
	requestID := r.Header.Get(HeaderRequestID)
	timestampStr := r.Header.Get(HeaderTimestamp)

	if adminID == "" || adminSignatureStr == "" || requestID == "" || timestampStr == "" {
		return "", false
	}

	unix, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		h.log.Warn("Authentication failed: invalid timestamp", "adminID", adminID, "err", err)
		return adminID, false
	}
	signedAt := time.Unix(unix, 0)
	if skew := h.now().Sub(signedAt).Abs(); skew > MaxClockSkew {
		h.log.Warn("Authentication failed: timestamp outside allowed skew", "adminID", adminID, "skew", skew)
		return adminID, false
	}

	pubKeyPEM, exists := h.unsealer.AdminPublicKey(adminID)
	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	adminSignature, err := base64.StdEncoding.DecodeString(adminSignatureStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	if err := verifySignature(pubKeyPEM, signedMessage(requestID, timestampStr, r.URL.Path, bodyBytes), adminSignature); err != nil {
		h.log.Warn("Authentication failed", "adminID", adminID, "err", err)
		return adminID, false
	}

	if !h.firstUse(adminID+"/"+requestID, signedAt) {
		h.log.Warn("Authentication failed: replayed request", "adminID", adminID, "requestID", requestID)
		return adminID, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID, "requestID", r.Header.Get(HeaderRequestID))
	return adminID, true
}

// signedMessage is the digest admins sign: SHA-256 of the request ID, the
// timestamp and the path, newline separated, followed by the body.
func signedMessage(requestID, timestamp, path string, body []byte) []byte {
	h := sha256.New()
	io.WriteString(h, requestID+"\n"+timestamp+"\n"+path+"\n")
	h.Write(body)
	return h.Sum(nil)
}

// firstUse records key and reports whether it was not seen before. Keys
// older than twice MaxClockSkew are forgotten; their timestamps no longer
// pass the skew check.
func (h *Handler) firstUse(key string, signedAt time.Time) bool {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()

	cutoff := h.now().Add(-2 * MaxClockSkew)
	for k, at := range h.seen {
		if at.Before(cutoff) {
			delete(h.seen, k)
		}
	}

	if _, ok := h.seen[key]; ok {
		return false
	}
	h.seen[key] = signedAt
	return true
}

var errInvalidSignature = errors.New("invalid signature")

func verifySignature(pubKeyPEM, digest, signature []byte) error {
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return errors.New("failed to decode admin public key PEM")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return err
	}

	switch key := pubKey.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return errInvalidSignature
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, digest, signature) {
			return errInvalidSignature
		}
	default:
		return errors.New("unsupported admin key type")
	}
	return nil
}
