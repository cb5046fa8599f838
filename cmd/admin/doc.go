// Command admin is the administrator client of the key manager's admin API.
//
// Commands:
//
//	status            - print the unseal state
//	generate-admin    - generate an administrator key pair
//	generate-config   - write the admins file from admin public keys
//	init-unseal       - put the server in recovery mode
//	submit-share      - decrypt and submit this admin's share
//	seal              - destroy the reconstructed master secret
//	revoke            - revoke an attribute from a user
//	revoke-all        - revoke every attribute of a user
//	reconcile         - re-issue the newest keys of an attribute
//
// Example workflow:
//
//  1. Each administrator generates a key pair:
//     admin generate-admin --admin-privkey-file=admin1-private.pem --admin-pubkey-file=admin1-public.pem
//
//  2. The operator splits the master secret for them:
//     keymanager split-secret --threshold=2 --shares=3 --admin-pubkey-files=admin1-public.pem ...
//
//  3. After the server starts, one admin opens recovery and each submits a share:
//     admin init-unseal
//     admin submit-share --share-file=share-0.yaml
//
//  4. Revocations go through the API once unsealed:
//     admin revoke --user=alice --attribute=admin --length=enc=24
package main
