package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/attribute-key-manager/api/adminhandler"
	"github.com/ruteri/attribute-key-manager/api/server"
	"github.com/ruteri/attribute-key-manager/cmd/flags"
	"github.com/ruteri/attribute-key-manager/common"
	"github.com/ruteri/attribute-key-manager/config"
	"github.com/ruteri/attribute-key-manager/kms"
	"github.com/ruteri/attribute-key-manager/metrics"
)

var listenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the admin API",
}
var adminsFileFlag = &cli.StringFlag{
	Name:  "admins",
	Value: "admins.yaml",
	Usage: "file listing the admin public keys",
}
var thresholdFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "number of shares needed to unseal",
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the admin API; the master secret is unsealed from admin shares",
	Flags: withFlags(
		[]cli.Flag{listenAddrFlag, adminsFileFlag, thresholdFlag, flags.UsersFileFlag, flags.HashFlag},
		flags.StoreFlags,
		flags.ServerFlags,
	),
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		users, err := config.LoadUsers(cCtx.String(flags.UsersFileFlag.Name))
		if err != nil {
			return err
		}
		wrapper, err := users.Wrapper()
		if err != nil {
			return err
		}

		adminKeys, err := config.LoadAdmins(cCtx.String(adminsFileFlag.Name))
		if err != nil {
			return err
		}

		deriverOpts, err := flags.DeriverOptions(cCtx)
		if err != nil {
			return err
		}

		unsealer, err := kms.NewUnsealer(kms.UnsealerConfig{
			Threshold:      cCtx.Int(thresholdFlag.Name),
			AdminPubKeys:   adminKeys,
			DeriverOptions: deriverOpts,
		}, logger)
		if err != nil {
			logger.Error("Failed to create unsealer", "err", err)
			return err
		}
		defer unsealer.Seal()

		store, idx, err := flags.OpenStores(cCtx, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		defer idx.Close()

		cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(listenAddrFlag.Name))

		var metricsSrv *metrics.MetricsServer
		if cfg.MetricsAddr != "" {
			metricsSrv, err = metrics.New(common.PackageName, cfg.MetricsAddr)
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}
		}

		var m *metrics.KeyManagerMetrics
		if metricsSrv != nil {
			m = metricsSrv.Metrics()
		}

		handler := adminhandler.NewHandler(logger, unsealer, wrapper, kms.Collaborators{
			Store:      store,
			AttrUsers:  idx,
			UserAttrs:  idx,
			PublicKeys: users.PublicKeys(),
		}, m)

		srv := server.New(cfg, handler, metricsSrv)
		srv.RunInBackground()

		exit := make(chan os.Signal, 1)
		signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

		logger.Info("Server is running sealed, submit admin shares to unseal", "threshold", cCtx.Int(thresholdFlag.Name))
		<-exit
		logger.Info("Shutdown signal received")

		srv.Shutdown()
		logger.Info("Server shutdown complete")
		return nil
	},
}
