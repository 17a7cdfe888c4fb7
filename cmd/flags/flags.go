// Package flags holds the command line flags shared by the service binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/federated-kms/api"
	"github.com/ruteri/federated-kms/common"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the process logger from the log-* flags.
func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})
	if cCtx.Bool(LogUidFlag.Name) {
		logger = logger.With("uid", uuid.NewString())
	}
	return logger
}

// ConfigureServer returns the server config for listenAddr. Timeouts not set
// here are filled in by HTTPServerConfig.WithDefaults.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:        listenAddr,
		MetricsAddr:       cCtx.String(MetricsAddrFlag.Name),
		Log:               logger,
		EnablePprof:       cCtx.Bool(PprofFlag.Name),
		DrainDuration:     time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

var ServerAddrFlag = &cli.StringFlag{
	Name:    "kms-server-addr",
	Value:   "http://127.0.0.1:8080",
	Usage:   "base URL of the key service",
	EnvVars: []string{"KMS_SERVER_ADDR"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"KMS_LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"KMS_LOG_DEBUG"},
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
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
	EnvVars: []string{"KMS_METRICS_ADDR"},
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var CommonFlags = append([]cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}, LogFlags...)
