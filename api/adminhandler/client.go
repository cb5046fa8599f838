package adminhandler

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/attribute-key-manager/api"
	"github.com/ruteri/attribute-key-manager/interfaces"
	"github.com/ruteri/attribute-key-manager/kms"
)

// AdminClient calls the admin API as one administrator.
type AdminClient struct {
	baseURL    string
	adminID    string
	privateKey crypto.Signer
	httpClient *http.Client
}

// NewAdminClient creates a client for the admin API mounted at baseURL,
// e.g. "http://127.0.0.1:8080/admin". privateKey is an *ecdsa.PrivateKey
// or an ed25519.PrivateKey.
func NewAdminClient(baseURL, adminID string, privateKey crypto.Signer, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    baseURL,
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// AdminIDFromPEM returns the admin ID the server assigns to a public key.
func AdminIDFromPEM(publicKeyPEM []byte) string {
	return kms.AdminFingerprint(publicKeyPEM)
}

// ParseAdminPrivateKey parses a PEM encoded ECDSA (SEC 1 or PKCS#8) or
// Ed25519 (PKCS#8) private key.
func ParseAdminPrivateKey(privateKeyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode admin private key PEM")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin private key: %w", err)
	}
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, errors.New("admin private key is neither ECDSA nor ED25519 key")
	}
}

// SignShare signs a share the way the unsealer verifies it.
func SignShare(share []byte, privateKey crypto.Signer) ([]byte, error) {
	switch k := privateKey.(type) {
	case *ecdsa.PrivateKey:
		return kms.SignShare(share, k)
	case ed25519.PrivateKey:
		return ed25519.Sign(k, share), nil
	default:
		return nil, errors.New("unsupported admin key type")
	}
}

// GetStatus returns the unseal state. It needs no authentication.
func (c *AdminClient) GetStatus(ctx context.Context) (*api.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	var status api.StatusResponse
	if _, err := c.do(req, &status, http.StatusOK); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return &status, nil
}

// InitUnseal puts the server in recovery mode.
func (c *AdminClient) InitUnseal(ctx context.Context) (*api.StatusResponse, error) {
	var status api.StatusResponse
	if _, err := c.post(ctx, "/unseal/init", nil, &status, http.StatusOK); err != nil {
		return nil, fmt.Errorf("unseal init failed: %w", err)
	}
	return &status, nil
}

// SubmitShare signs and submits one share.
func (c *AdminClient) SubmitShare(ctx context.Context, shareIndex int, share []byte) (*api.StatusResponse, error) {
	signature, err := SignShare(share, c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign share: %w", err)
	}

	body := api.ShareSubmission{
		ShareIndex: shareIndex,
		Share:      base64.StdEncoding.EncodeToString(share),
		Signature:  base64.StdEncoding.EncodeToString(signature),
	}

	var status api.StatusResponse
	if _, err := c.post(ctx, "/share", body, &status, http.StatusOK); err != nil {
		return nil, fmt.Errorf("submit share failed: %w", err)
	}
	return &status, nil
}

// Seal destroys the reconstructed master secret on the server.
func (c *AdminClient) Seal(ctx context.Context) error {
	if _, err := c.post(ctx, "/seal", nil, nil, http.StatusOK); err != nil {
		return fmt.Errorf("seal failed: %w", err)
	}
	return nil
}

// Revoke revokes attribute from user. A response with FailedUsers means
// the revocation completed but some holders still need reconciliation.
func (c *AdminClient) Revoke(ctx context.Context, user interfaces.UserID, attribute string, overrides kms.LengthOverrides) (*api.RevokeResponse, error) {
	path := "/revoke/" + url.PathEscape(string(user)) + "/" + url.PathEscape(attribute)
	return c.revoke(ctx, path, overrides)
}

// RevokeAll revokes every attribute of user.
func (c *AdminClient) RevokeAll(ctx context.Context, user interfaces.UserID, overrides kms.LengthOverrides) (*api.RevokeResponse, error) {
	return c.revoke(ctx, "/revoke/"+url.PathEscape(string(user)), overrides)
}

func (c *AdminClient) revoke(ctx context.Context, path string, overrides kms.LengthOverrides) (*api.RevokeResponse, error) {
	var resp api.RevokeResponse
	body := api.RevokeRequest{LengthOverrides: overrides}
	if _, err := c.post(ctx, path, body, &resp, http.StatusOK, http.StatusMultiStatus); err != nil {
		return nil, fmt.Errorf("revoke failed: %w", err)
	}
	return &resp, nil
}

// Reconcile re-issues the newest keys of attribute to holders behind.
// Holders that could not be served are listed in FailedUsers.
func (c *AdminClient) Reconcile(ctx context.Context, attribute string) (*api.ReconcileResponse, error) {
	var resp api.ReconcileResponse
	if _, err := c.post(ctx, "/reconcile/"+url.PathEscape(attribute), nil, &resp, http.StatusOK, http.StatusMultiStatus); err != nil {
		return nil, fmt.Errorf("reconcile failed: %w", err)
	}
	return &resp, nil
}

func (c *AdminClient) post(ctx context.Context, path string, body any, out any, okCodes ...int) (int, error) {
	var reqJSON []byte
	if body != nil {
		var err error
		reqJSON, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := CreateSignedAdminRequest(http.MethodPost, c.baseURL+path, reqJSON, c.adminID, c.privateKey)
	if err != nil {
		return 0, err
	}
	return c.do(req.WithContext(ctx), out, okCodes...)
}

func (c *AdminClient) do(req *http.Request, out any, okCodes ...int) (int, error) {
	if req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, uuid.NewString())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range okCodes {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// CreateSignedAdminRequest creates a request carrying the admin
// authentication headers. The signature covers the URL path and body.
func CreateSignedAdminRequest(method, reqURL string, body []byte, adminID string, privateKey crypto.Signer) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, signRequest(req, body, adminID, privateKey)
}

// SignAdminRequest adds authentication headers to an existing request.
func SignAdminRequest(req *http.Request, adminID string, privateKey crypto.Signer) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	return signRequest(req, bodyBytes, adminID, privateKey)
}

func signRequest(req *http.Request, body []byte, adminID string, privateKey crypto.Signer) error {
	return signRequestAt(req, body, adminID, privateKey, time.Now())
}

// signRequestAt signs with a fresh request ID and the given timestamp.
func signRequestAt(req *http.Request, body []byte, adminID string, privateKey crypto.Signer, at time.Time) error {
	requestID := uuid.NewString()
	timestamp := strconv.FormatInt(at.Unix(), 10)
	digest := signedMessage(requestID, timestamp, req.URL.Path, body)

	// Ed25519 signs the digest as the message
	opts := crypto.SignerOpts(crypto.SHA256)
	if _, ok := privateKey.(ed25519.PrivateKey); ok {
		opts = crypto.Hash(0)
	}

	signature, err := privateKey.Sign(rand.Reader, digest, opts)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set(HeaderAdminID, adminID)
	req.Header.Set(HeaderAdminSignature, base64.StdEncoding.EncodeToString(signature))
	req.Header.Set(HeaderRequestID, requestID)
	req.Header.Set(HeaderTimestamp, timestamp)
	return nil
}
