package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/attribute-key-manager/cmd/flags"
	"github.com/ruteri/attribute-key-manager/config"
	"github.com/ruteri/attribute-key-manager/index"
	"github.com/ruteri/attribute-key-manager/interfaces"
	"github.com/ruteri/attribute-key-manager/kms"
	"github.com/ruteri/attribute-key-manager/storage"
)

var userFlag = &cli.StringFlag{
	Name:     "user",
	Required: true,
	Usage:    "user ID",
}
var attributeFlag = &cli.StringFlag{
	Name:     "attribute",
	Required: true,
	Usage:    "attribute name",
}

// session bundles what the key commands share.
type session struct {
	log     *slog.Logger
	store   *storage.KeyStore
	idx     index.Index
	users   *config.Users
	deriver *kms.KeyDeriver
}

func openSession(cCtx *cli.Context, withDeriver bool) (*session, error) {
	s := &session{log: flags.SetupLogger(cCtx)}

	users, err := config.LoadUsers(cCtx.String(flags.UsersFileFlag.Name))
	if err != nil {
		return nil, err
	}
	s.users = users

	if withDeriver {
		s.deriver, err = flags.KeyDeriver(cCtx)
		if err != nil {
			return nil, err
		}
	}

	s.store, s.idx, err = flags.OpenStores(cCtx, s.log)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if s.deriver != nil {
		s.deriver.Destroy()
	}
	if s.idx != nil {
		if err := s.idx.Close(); err != nil {
			s.log.Error("Failed to close index", "err", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Error("Failed to close key store", "err", err)
		}
	}
}

func (s *session) coordinator() (*kms.Coordinator, error) {
	wrapper, err := s.users.Wrapper()
	if err != nil {
		return nil, err
	}
	return kms.NewCoordinator(s.deriver, wrapper, kms.Collaborators{
		Store:      s.store,
		AttrUsers:  s.idx,
		UserAttrs:  s.idx,
		PublicKeys: s.users.PublicKeys(),
	}, s.log), nil
}

var keyCommandFlags = withFlags([]cli.Flag{flags.UsersFileFlag}, flags.StoreFlags, flags.MasterSecretFlags)

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "grant the configured attributes and distribute the initial keys",
	Flags: keyCommandFlags,
	Action: func(cCtx *cli.Context) error {
		s, err := openSession(cCtx, true)
		if err != nil {
			return err
		}
		defer s.close()
		ctx := cCtx.Context

		wrapper, err := s.users.Wrapper()
		if err != nil {
			return err
		}
		dist := kms.NewDistributor(s.deriver, wrapper, s.log)
		if err := dist.Validate(s.users.Keys); err != nil {
			return err
		}

		for _, user := range interfaces.SortedUserIDs(s.users.Keys) {
			for _, attribute := range config.Attributes(s.users.Keys[user].Keys) {
				if err := s.idx.Grant(ctx, user, attribute); err != nil {
					return fmt.Errorf("granting %q to %s: %w", attribute, user, err)
				}
			}
		}

		if err := dist.InitializeUsers(ctx, s.users.Keys, s.store); err != nil {
			return err
		}

		s.log.Info("Users initialized", "users", len(s.users.Keys), "scheme", s.users.Scheme)
		return nil
	},
}

var revokeCommand = &cli.Command{
	Name:  "revoke",
	Usage: "revoke an attribute from a user and rotate its keys",
	Flags: withFlags([]cli.Flag{userFlag, attributeFlag, flags.LengthFlag}, keyCommandFlags),
	Action: func(cCtx *cli.Context) error {
		overrides, err := flags.ParseLengthOverrides(cCtx.StringSlice(flags.LengthFlag.Name))
		if err != nil {
			return err
		}
		s, err := openSession(cCtx, true)
		if err != nil {
			return err
		}
		defer s.close()

		coord, err := s.coordinator()
		if err != nil {
			return err
		}
		return reportRevocation(s.log, coord.Revoke(cCtx.Context, interfaces.UserID(cCtx.String(userFlag.Name)), cCtx.String(attributeFlag.Name), overrides))
	},
}

var revokeAllCommand = &cli.Command{
	Name:  "revoke-all",
	Usage: "revoke every attribute of a user",
	Flags: withFlags([]cli.Flag{userFlag, flags.LengthFlag}, keyCommandFlags),
	Action: func(cCtx *cli.Context) error {
		overrides, err := flags.ParseLengthOverrides(cCtx.StringSlice(flags.LengthFlag.Name))
		if err != nil {
			return err
		}
		s, err := openSession(cCtx, true)
		if err != nil {
			return err
		}
		defer s.close()

		coord, err := s.coordinator()
		if err != nil {
			return err
		}
		return reportRevocation(s.log, coord.RevokeAllAttributes(cCtx.Context, interfaces.UserID(cCtx.String(userFlag.Name)), overrides))
	},
}

// reportRevocation logs the holders left behind by a partial revocation.
func reportRevocation(log *slog.Logger, err error) error {
	if redist, ok := asRedistributionError(err); ok {
		log.Warn("Revocation completed but some holders did not receive the rotated keys; run reconcile",
			"attribute", redist.Attribute, "users", redist.Users())
	}
	return err
}

func asRedistributionError(err error) (*kms.RedistributionError, bool) {
	var redist *kms.RedistributionError
	ok := errors.As(err, &redist)
	return redist, ok
}

var reconcileCommand = &cli.Command{
	Name:  "reconcile",
	Usage: "re-issue the newest keys of an attribute to holders that fell behind",
	Flags: withFlags([]cli.Flag{attributeFlag}, keyCommandFlags),
	Action: func(cCtx *cli.Context) error {
		s, err := openSession(cCtx, true)
		if err != nil {
			return err
		}
		defer s.close()

		coord, err := s.coordinator()
		if err != nil {
			return err
		}
		issued, err := coord.Reconcile(cCtx.Context, cCtx.String(attributeFlag.Name))
		fmt.Printf("issued %d key(s)\n", issued)
		return reportRevocation(s.log, err)
	},
}

var checkCommand = &cli.Command{
	Name:  "check",
	Usage: "verify that both directions of the attribute index agree",
	Flags: flags.StoreFlags,
	Action: func(cCtx *cli.Context) error {
		log := flags.SetupLogger(cCtx)
		store, idx, err := flags.OpenStores(cCtx, log)
		if err != nil {
			return err
		}
		defer store.Close()
		defer idx.Close()

		mismatches, err := index.CheckMirror(cCtx.Context, idx, idx)
		if err != nil {
			return err
		}
		for _, m := range mismatches {
			fmt.Println(m)
		}
		if len(mismatches) > 0 {
			return fmt.Errorf("index is inconsistent: %d mismatch(es)", len(mismatches))
		}
		fmt.Println("index is consistent")
		return nil
	},
}

var showCommand = &cli.Command{
	Name:  "show",
	Usage: "list the stored key records of a user for an attribute",
	Flags: withFlags([]cli.Flag{userFlag, attributeFlag}, flags.StoreFlags),
	Action: func(cCtx *cli.Context) error {
		log := flags.SetupLogger(cCtx)
		store, idx, err := flags.OpenStores(cCtx, log)
		if err != nil {
			return err
		}
		defer store.Close()
		defer idx.Close()

		user := interfaces.UserID(cCtx.String(userFlag.Name))
		attribute := cCtx.String(attributeFlag.Name)

		attrs, err := idx.AttributesByUser(cCtx.Context, user)
		if err != nil {
			return err
		}
		fmt.Printf("%s holds: %s\n", user, strings.Join(attrs, ", "))

		records, err := store.Records(cCtx.Context, user, attribute)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s\twrapped %d bytes\n", r.KeyIdentity, len(r.WrappedKey))
		}
		return nil
	},
}
