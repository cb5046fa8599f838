/*
Package api holds the wire types and server configuration of the key
manager's admin HTTP API.

Subpackages:

  - server: HTTP server lifecycle with liveness, readiness and drain endpoints
  - adminhandler: authenticated admin routes and their Go client

# Authentication

Every admin request carries four headers:

	X-Admin-ID:        hex SHA-256 fingerprint of the admin public key PEM
	X-Request-ID:      unique id, accepted once
	X-Admin-Timestamp: unix seconds, within five minutes of the server clock
	X-Admin-Signature: base64 signature over
	                   SHA-256(request id \n timestamp \n path \n body)

Signatures are ASN.1 ECDSA for P-256 admins and plain Ed25519 otherwise.

# Endpoints

	GET  /admin/status
	POST /admin/unseal/init
	POST /admin/share
	POST /admin/seal
	POST /admin/revoke/{user_id}/{attribute}
	POST /admin/revoke/{user_id}
	POST /admin/reconcile/{attribute}

Revocation and reconciliation answer 503 until enough shares have been
submitted to reconstruct the master secret.
*/
package api
