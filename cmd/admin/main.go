package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/attribute-key-manager/api/adminhandler"
	"github.com/ruteri/attribute-key-manager/cmd/flags"
	"github.com/ruteri/attribute-key-manager/config"
	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/interfaces"
)

var flagServer = &cli.StringFlag{
	Name:    "server-addr",
	Value:   "http://127.0.0.1:8080/admin",
	Usage:   "admin API base URL",
	EnvVars: []string{"KEYMANAGER_ADMIN_URL"},
}
var flagAdminPrivkey = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagAdminsFile = &cli.StringFlag{
	Name:  "admins-file",
	Value: "admins.yaml",
	Usage: "Path to the admins file served to the key manager",
}
var flagShareFile = &cli.StringFlag{
	Name:  "share-file",
	Value: "share.yaml",
	Usage: "Path to this admin's share file",
}
var flagEd25519 = &cli.BoolFlag{
	Name:  "ed25519",
	Usage: "generate an Ed25519 key instead of ECDSA P-256",
}
var flagUser = &cli.StringFlag{Name: "user", Required: true}
var flagAttribute = &cli.StringFlag{Name: "attribute", Required: true}

var clientFlags = []cli.Flag{flagServer, flagAdminPrivkey, flagAdminPubkey}

// adminClient builds a client from the admin key files.
func adminClient(cCtx *cli.Context) (*adminhandler.AdminClient, []byte, error) {
	publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, nil, err
	}

	privateKey, err := adminhandler.ParseAdminPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, nil, err
	}

	client := adminhandler.NewAdminClient(cCtx.String(flagServer.Name), adminhandler.AdminIDFromPEM(publicKeyPEM), privateKey)
	return client, privateKeyPEM, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	app := &cli.App{
		Name:           "admin",
		Usage:          "key manager administrator client",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "print the unseal state",
				Flags: []cli.Flag{flagServer},
				Action: func(cCtx *cli.Context) error {
					status, err := adminhandler.NewAdminClient(cCtx.String(flagServer.Name), "", nil).GetStatus(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "generate-admin",
				Usage: "generate an administrator key pair",
				Flags: []cli.Flag{flagAdminPrivkey, flagAdminPubkey, flagEd25519},
				Action: func(cCtx *cli.Context) error {
					var (
						privateKey     crypto.Signer
						privateKeyDER  []byte
						privateKeyType string
						err            error
					)
					if cCtx.Bool(flagEd25519.Name) {
						_, edKey, genErr := ed25519.GenerateKey(rand.Reader)
						if genErr != nil {
							return fmt.Errorf("failed to generate Ed25519 key: %w", genErr)
						}
						privateKey = edKey
						privateKeyDER, err = x509.MarshalPKCS8PrivateKey(edKey)
						privateKeyType = "PRIVATE KEY"
					} else {
						ecKey, genErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
						if genErr != nil {
							return fmt.Errorf("failed to generate ECDSA key: %w", genErr)
						}
						privateKey = ecKey
						privateKeyDER, err = x509.MarshalECPrivateKey(ecKey)
						privateKeyType = "EC PRIVATE KEY"
					}
					if err != nil {
						return fmt.Errorf("failed to marshal private key: %w", err)
					}

					publicKeyDER, err := x509.MarshalPKIXPublicKey(privateKey.Public())
					if err != nil {
						return fmt.Errorf("failed to marshal public key: %w", err)
					}

					privateKeyPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyType, Bytes: privateKeyDER})
					publicKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyDER})

					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), privateKeyPEM, 0o600); err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), publicKeyPEM, 0o644); err != nil {
						return err
					}

					fmt.Println(adminhandler.AdminIDFromPEM(publicKeyPEM))
					return nil
				},
			},
			{
				Name:  "generate-config",
				Usage: "write the admins file from admin public keys",
				Flags: []cli.Flag{
					flagAdminsFile,
					&cli.StringSliceFlag{Name: "admin-pubkey-files", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					var keys [][]byte
					for _, path := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(path)
						if err != nil {
							return err
						}
						keys = append(keys, publicKeyPEM)
					}
					return config.WriteAdminsFile(cCtx.String(flagAdminsFile.Name), config.NewAdminsFile(keys))
				},
			},
			{
				Name:  "init-unseal",
				Usage: "put the server in recovery mode",
				Flags: clientFlags,
				Action: func(cCtx *cli.Context) error {
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					status, err := client.InitUnseal(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "submit-share",
				Usage: "decrypt and submit this admin's share",
				Flags: append([]cli.Flag{flagShareFile}, clientFlags...),
				Action: func(cCtx *cli.Context) error {
					client, privateKeyPEM, err := adminClient(cCtx)
					if err != nil {
						return err
					}

					shareFile, err := config.ReadShareFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}

					share, err := shareFile.Decode(func(encrypted []byte) ([]byte, error) {
						return cryptoutils.DecryptWithPrivateKey(privateKeyPEM, encrypted)
					})
					if err != nil {
						return fmt.Errorf("failed to decode share: %w", err)
					}
					defer cryptoutils.Wipe(share)

					status, err := client.SubmitShare(cCtx.Context, shareFile.ShareIndex, share)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "seal",
				Usage: "destroy the reconstructed master secret",
				Flags: clientFlags,
				Action: func(cCtx *cli.Context) error {
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					return client.Seal(cCtx.Context)
				},
			},
			{
				Name:  "revoke",
				Usage: "revoke an attribute from a user",
				Flags: append([]cli.Flag{flagUser, flagAttribute, flags.LengthFlag}, clientFlags...),
				Action: func(cCtx *cli.Context) error {
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					overrides, err := flags.ParseLengthOverrides(cCtx.StringSlice(flags.LengthFlag.Name))
					if err != nil {
						return err
					}
					resp, err := client.Revoke(cCtx.Context, interfaces.UserID(cCtx.String(flagUser.Name)), cCtx.String(flagAttribute.Name), overrides)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "revoke-all",
				Usage: "revoke every attribute of a user",
				Flags: append([]cli.Flag{flagUser, flags.LengthFlag}, clientFlags...),
				Action: func(cCtx *cli.Context) error {
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					overrides, err := flags.ParseLengthOverrides(cCtx.StringSlice(flags.LengthFlag.Name))
					if err != nil {
						return err
					}
					resp, err := client.RevokeAll(cCtx.Context, interfaces.UserID(cCtx.String(flagUser.Name)), overrides)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "reconcile",
				Usage: "re-issue the newest keys of an attribute",
				Flags: append([]cli.Flag{flagAttribute}, clientFlags...),
				Action: func(cCtx *cli.Context) error {
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					resp, err := client.Reconcile(cCtx.Context, cCtx.String(flagAttribute.Name))
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
