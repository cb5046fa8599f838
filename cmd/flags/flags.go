package flags

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/attribute-key-manager/api/server"
	"github.com/ruteri/attribute-key-manager/common"
	"github.com/ruteri/attribute-key-manager/cryptoutils"
	"github.com/ruteri/attribute-key-manager/index"
	"github.com/ruteri/attribute-key-manager/kms"
	"github.com/ruteri/attribute-key-manager/storage"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *server.Config {
	cfg := server.DefaultConfig(listenAddr, logger)
	cfg.MetricsAddr = cCtx.String(MetricsAddrFlag.Name)
	cfg.EnablePprof = cCtx.Bool(PprofFlag.Name)
	cfg.DrainDuration = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	return cfg
}

// OpenStores opens the key store and the attribute index named by the
// store and index flags. The caller closes both.
func OpenStores(cCtx *cli.Context, logger *slog.Logger) (*storage.KeyStore, index.Index, error) {
	store, err := storage.NewBackendFactory(logger).KeyStoreFor(cCtx.StringSlice(StoreFlag.Name)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open key store: %w", err)
	}

	idx, err := index.Open(cCtx.String(IndexFlag.Name), store, logger)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to open index: %w", err)
	}
	return store, idx, nil
}

// DeriverOptions returns the derivation options selected by HashFlag.
func DeriverOptions(cCtx *cli.Context) ([]kms.KeyDeriverOption, error) {
	alg, err := kms.ParseHashAlgorithm(cCtx.String(HashFlag.Name))
	if err != nil {
		return nil, err
	}
	return []kms.KeyDeriverOption{kms.WithHash(alg)}, nil
}

// MasterSecret reads the master secret from exactly one of the hex, file
// or passphrase flags. The caller wipes the result.
func MasterSecret(cCtx *cli.Context) ([]byte, error) {
	hexSecret := cCtx.String(MasterSecretHexFlag.Name)
	secretFile := cCtx.String(MasterSecretFileFlag.Name)
	passphrase := os.Getenv(cCtx.String(PassphraseEnvFlag.Name))

	set := 0
	for _, s := range []string{hexSecret, secretFile, passphrase} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of --master-secret, --master-secret-file or the passphrase environment variable must be set")
	}

	switch {
	case hexSecret != "":
		return hex.DecodeString(hexSecret)
	case secretFile != "":
		data, err := os.ReadFile(secretFile)
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(string(data))
		if decoded, err := hex.DecodeString(trimmed); err == nil {
			cryptoutils.Wipe(data)
			return decoded, nil
		}
		return data, nil
	default:
		salt := cCtx.String(PassphraseSaltFlag.Name)
		if salt == "" {
			return nil, errors.New("--passphrase-salt is required with a passphrase")
		}
		return cryptoutils.DeriveMasterSecret([]byte(passphrase), []byte(salt), cCtx.Int(MasterSecretSizeFlag.Name)), nil
	}
}

// ParseLengthOverrides parses repeated metadata=length values.
func ParseLengthOverrides(values []string) (kms.LengthOverrides, error) {
	overrides := make(kms.LengthOverrides, len(values))
	for _, v := range values {
		metadata, length, ok := strings.Cut(v, "=")
		if !ok {
			return nil, fmt.Errorf("invalid length override %q, expected metadata=length", v)
		}
		n, err := strconv.Atoi(length)
		if err != nil {
			return nil, fmt.Errorf("invalid length override %q: %w", v, err)
		}
		overrides[metadata] = n
	}
	return overrides, nil
}

// KeyDeriver builds a deriver from the master secret flags.
func KeyDeriver(cCtx *cli.Context) (*kms.KeyDeriver, error) {
	opts, err := DeriverOptions(cCtx)
	if err != nil {
		return nil, err
	}
	secret, err := MasterSecret(cCtx)
	if err != nil {
		return nil, err
	}
	return kms.NewKeyDeriver(secret, opts...)
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics, empty to disable",
}

var StoreFlag = &cli.StringSliceFlag{
	Name:    "store",
	Value:   cli.NewStringSlice("badger://./keymanager-data"),
	Usage:   "key store location URI; repeat to mirror records across stores",
	EnvVars: []string{"KEYMANAGER_STORE"},
}
var IndexFlag = &cli.StringFlag{
	Name:    "index",
	Value:   "badger://./keymanager-data",
	Usage:   "attribute index location URI (memory:// or badger:///path)",
	EnvVars: []string{"KEYMANAGER_INDEX"},
}
var SchemeFlag = &cli.StringFlag{
	Name:  "scheme",
	Value: cryptoutils.DefaultScheme,
	Usage: fmt.Sprintf("key wrapping scheme, one of %s", strings.Join(cryptoutils.Schemes(), ", ")),
}
var HashFlag = &cli.StringFlag{
	Name:  "hash",
	Value: string(kms.HashSHA1),
	Usage: "key derivation hash: sha1, sha256 or sha3-256",
}
var UsersFileFlag = &cli.StringFlag{
	Name:  "users",
	Value: "users.yaml",
	Usage: "user configuration file",
}

var LengthFlag = &cli.StringSliceFlag{
	Name:  "length",
	Usage: "rotated key length for a metadata value, as metadata=length; repeatable",
}

var MasterSecretHexFlag = &cli.StringFlag{
	Name:  "master-secret",
	Usage: "hex encoded master secret",
}
var MasterSecretFileFlag = &cli.StringFlag{
	Name:  "master-secret-file",
	Usage: "file holding the master secret, raw or hex",
}
var PassphraseEnvFlag = &cli.StringFlag{
	Name:  "passphrase-env",
	Value: "KEYMANAGER_PASSPHRASE",
	Usage: "environment variable holding a passphrase to derive the master secret from",
}
var PassphraseSaltFlag = &cli.StringFlag{
	Name:  "passphrase-salt",
	Usage: "salt for passphrase derivation",
}
var MasterSecretSizeFlag = &cli.IntFlag{
	Name:  "master-secret-size",
	Value: 32,
	Usage: "size in bytes of a passphrase-derived master secret",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var StoreFlags = []cli.Flag{
	StoreFlag,
	IndexFlag,
}

var MasterSecretFlags = []cli.Flag{
	MasterSecretHexFlag,
	MasterSecretFileFlag,
	PassphraseEnvFlag,
	PassphraseSaltFlag,
	MasterSecretSizeFlag,
	HashFlag,
}
