// Package cryptoutils provides the key wrapping primitives and secret
// handling used by the key manager.
//
// A derived attribute key is never stored in the clear. It is wrapped under
// the recipient's public key with one of the registered schemes:
//
//   - ecies-p256: ECDH over NIST P-256, SHA-256 of the shared secret, AES-GCM
//   - rsa-oaep: RSA-OAEP with SHA-256
//   - hpke-x25519: HPKE base mode, DHKEM(X25519, HKDF-SHA256), ChaCha20-Poly1305
//   - ecies-secp256k1: the go-ethereum ECIES construction over secp256k1
//
// All recipient keys are exchanged as PEM. WrapperFor and GenerateKeypair
// look schemes up by name.
//
// # ECIES P-256 Format
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// The ephemeral key is an uncompressed point and a fresh one is generated
// for every wrap.
//
// # Secrets
//
// LockedSecret keeps the master secret sealed in a memguard enclave and
// only exposes it inside Use. Wipe zeroes transient key material.
// DeriveMasterSecret turns a passphrase into a master secret with Argon2id.
package cryptoutils
