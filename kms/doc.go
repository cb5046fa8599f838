// Package kms derives, distributes and revokes attribute keys.
//
// # KeyDeriver
//
// Derives every attribute key deterministically from one master secret:
//
//	key = HMAC chain over "attribute|version|metadata|length"
//
// The master secret lives in a memguard enclave and is only decrypted for
// the duration of a derivation. SHA-1 is the default hash; SHA-256 and
// SHA3-256 can be selected with WithHash.
//
// # Distributor
//
// Derives the initial keys of a set of users, wraps each one under the
// user's public key and stores the wrapped records, one batch per user.
//
// # Coordinator
//
// Revokes an attribute from a user:
//
//  1. removes the pair from both directions of the index
//  2. mints version+1 of every metadata key the user held and purges the
//     user's records
//  3. wraps the new keys for the remaining holders
//
// Failures in step 3 do not stop the other holders and are reported as a
// *RedistributionError. Reconcile re-issues the newest version, including
// versions recorded in the store's rotation log, to holders that fell
// behind. A revocation that failed before step 3 is finished by calling
// Revoke again.
//
// # Unsealer
//
// The master secret can be split with SplitMasterSecret into Shamir
// shares held by administrators. An Unsealer collects signed shares and
// builds the KeyDeriver once the threshold is reached, so the secret never
// touches disk.
package kms
