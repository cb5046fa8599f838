package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/attribute-key-manager/cmd/flags"
	"github.com/ruteri/attribute-key-manager/common"
)

var ServiceLogFlag = flags.LogServiceFlagFn(common.PackageName)

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var all []cli.Flag
	for _, g := range groups {
		all = append(all, g...)
	}
	return all
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "keymanager",
		Usage:   "Derive, distribute and revoke attribute keys",
		Version: common.Version,
		Flags:   append([]cli.Flag{ServiceLogFlag}, flags.CommonFlags...),
		Commands: []*cli.Command{
			initCommand,
			revokeCommand,
			revokeAllCommand,
			reconcileCommand,
			checkCommand,
			showCommand,
			serveCommand,
			splitSecretCommand,
			genSecretCommand,
			genKeypairCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
