package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-module-deployer/common"
	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/httpserver"
	"github.com/ruteri/tee-module-deployer/metrics"
	"github.com/ruteri/tee-module-deployer/modules"
	"github.com/ruteri/tee-module-deployer/toolchain"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

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

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, reg *metrics.Registry) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		Metrics:                  reg,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// ConfigureEnv wires the external toolchain named by the toolchain flags.
func ConfigureEnv(cCtx *cli.Context, logger *slog.Logger, reg *metrics.Registry) modules.Env {
	cfg := toolchain.DefaultConfig()
	cfg.BuildMode = cCtx.String(BuildModeFlag.Name)
	if raClient := cCtx.String(RAClientFlag.Name); raClient != "" {
		cfg.RAClient = []string{raClient}
	}

	runner := toolchain.NewExecRunner(logger)
	env := modules.Env{
		Generator: toolchain.NewCommandGenerator(cfg, runner, logger),
		Toolchain: toolchain.NewCommandToolchain(cfg, runner, logger),
		Attester:  toolchain.NewCommandAttester(cfg, runner, logger),
		WorkDir:   cCtx.String(WorkDirFlag.Name),
		Log:       logger,
		Metrics:   reg,
	}

	if addr := cCtx.String(AttestationServiceFlag.Name); addr != "" {
		remote := toolchain.NewRemoteAttester(addr, logger)
		if cCtx.Bool(VerifyServiceQuoteFlag.Name) {
			remote.VerifyQuote = cryptoutils.VerifyServiceQuote
		}
		env.Attester = remote
	}

	if path := cCtx.String(SPKeyFlag.Name); path != "" {
		env.SPKey = toolchain.SharedFile(path)
	}
	return env
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
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var ConfigFlag = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Required: true,
	Usage:    "deployment descriptor (.json, .yaml or .yml)",
}
var ResultFlag = &cli.StringFlag{
	Name:  "result",
	Usage: "where to write the resulting descriptor; defaults to overwriting --config",
}
var WorkDirFlag = &cli.StringFlag{
	Name:  "workdir",
	Value: "build",
	Usage: "directory for generated sources and build outputs",
}
var DNSServerFlag = &cli.StringFlag{
	Name:  "dns-server",
	Value: "127.0.0.53:53",
	Usage: "DNS server used to resolve node host and srv names",
}

var BuildModeFlag = &cli.StringFlag{
	Name:    "build-mode",
	Value:   "debug",
	Usage:   "cargo build mode: 'debug' or 'release'",
	EnvVars: []string{"DEPLOYER_BUILD_MODE"},
}
var SPKeyFlag = &cli.StringFlag{
	Name:    "sp-key",
	Usage:   "attestation service public key embedded in enclave modules",
	EnvVars: []string{"DEPLOYER_SP_PUBKEY"},
}
var RAClientFlag = &cli.StringFlag{
	Name:    "ra-client",
	Usage:   "remote attestation client binary",
	EnvVars: []string{"DEPLOYER_RA_CLIENT"},
}
var AttestationServiceFlag = &cli.StringFlag{
	Name:    "attestation-service",
	Usage:   "URL of a remote attestation service to use instead of the local client",
	EnvVars: []string{"DEPLOYER_ATTESTATION_SERVICE"},
}
var VerifyServiceQuoteFlag = &cli.BoolFlag{
	Name:    "verify-service-quote",
	Usage:   "require a TDX quote from the attestation service binding each session key",
	EnvVars: []string{"DEPLOYER_VERIFY_SERVICE_QUOTE"},
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
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
	Usage: "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var ToolchainFlags = []cli.Flag{
	WorkDirFlag,
	BuildModeFlag,
	SPKeyFlag,
	RAClientFlag,
	AttestationServiceFlag,
	VerifyServiceQuoteFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
