package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/attribute-key-manager/cmd/flags"
	"github.com/ruteri/attribute-key-manager/config"
	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/kms"
)

var outDirFlag = &cli.StringFlag{
	Name:  "out-dir",
	Value: ".",
	Usage: "directory to write the share files to",
}
var sharesFlag = &cli.IntFlag{
	Name:  "shares",
	Value: 3,
	Usage: "number of shares to create",
}
var adminPubkeyFilesFlag = &cli.StringSliceFlag{
	Name:  "admin-pubkey-files",
	Usage: "P-256 admin public keys, one per share; shares are encrypted to them and an admins file is written",
}

var splitSecretCommand = &cli.Command{
	Name:  "split-secret",
	Usage: "split the master secret into Shamir shares for the admins",
	Flags: withFlags([]cli.Flag{thresholdFlag, sharesFlag, outDirFlag, adminPubkeyFilesFlag}, flags.MasterSecretFlags),
	Action: func(cCtx *cli.Context) error {
		secret, err := flags.MasterSecret(cCtx)
		if err != nil {
			return err
		}
		defer cryptoutils.Wipe(secret)

		total := cCtx.Int(sharesFlag.Name)
		shares, err := kms.SplitMasterSecret(secret, total, cCtx.Int(thresholdFlag.Name))
		if err != nil {
			return err
		}
		defer func() {
			for _, s := range shares {
				cryptoutils.Wipe(s)
			}
		}()

		var adminKeys [][]byte
		for _, path := range cCtx.StringSlice(adminPubkeyFilesFlag.Name) {
			pk, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			adminKeys = append(adminKeys, pk)
		}
		if len(adminKeys) != 0 && len(adminKeys) != total {
			return fmt.Errorf("got %d admin keys for %d shares", len(adminKeys), total)
		}

		outDir := cCtx.String(outDirFlag.Name)
		if err := os.MkdirAll(outDir, 0o700); err != nil {
			return err
		}

		for i, share := range shares {
			file := config.ShareFile{ShareIndex: i}
			if adminKeys == nil {
				file.Share = base64.StdEncoding.EncodeToString(share)
			} else {
				encrypted, err := cryptoutils.EncryptWithPublicKey(adminKeys[i], share)
				if err != nil {
					return fmt.Errorf("encrypting share %d: %w", i, err)
				}
				file.AdminID = kms.AdminFingerprint(adminKeys[i])
				file.EncryptedShare = base64.StdEncoding.EncodeToString(encrypted)
			}
			if err := config.WriteShareFile(filepath.Join(outDir, fmt.Sprintf("share-%d.yaml", i)), file); err != nil {
				return err
			}
		}

		if adminKeys != nil {
			if err := config.WriteAdminsFile(filepath.Join(outDir, "admins.yaml"), config.NewAdminsFile(adminKeys)); err != nil {
				return err
			}
		}

		fmt.Printf("wrote %d shares to %s\n", total, outDir)
		return nil
	},
}

var genSecretCommand = &cli.Command{
	Name:  "gen-secret",
	Usage: "generate a random master secret as hex",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Required: true, Usage: "file to write the hex secret to"},
		flags.MasterSecretSizeFlag,
	},
	Action: func(cCtx *cli.Context) error {
		secret, err := cryptoutils.RandomMasterSecret(cCtx.Int(flags.MasterSecretSizeFlag.Name))
		if err != nil {
			return err
		}
		defer cryptoutils.Wipe(secret)

		encoded := []byte(hex.EncodeToString(secret))
		defer cryptoutils.Wipe(encoded)
		return os.WriteFile(cCtx.String("out"), encoded, 0o600)
	},
}

var genKeypairCommand = &cli.Command{
	Name:  "gen-keypair",
	Usage: "generate a user key pair for a wrapping scheme",
	Flags: []cli.Flag{
		flags.SchemeFlag,
		&cli.StringFlag{Name: "out", Required: true, Usage: "path prefix; writes <out>.pub.pem and <out>.key.pem"},
	},
	Action: func(cCtx *cli.Context) error {
		pub, priv, err := cryptoutils.GenerateKeypair(cCtx.String(flags.SchemeFlag.Name))
		if err != nil {
			return err
		}
		defer cryptoutils.Wipe(priv)

		prefix := cCtx.String("out")
		if err := os.WriteFile(prefix+".pub.pem", pub, 0o644); err != nil {
			return err
		}
		return os.WriteFile(prefix+".key.pem", priv, 0o600)
	},
}
