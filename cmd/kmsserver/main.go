package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/federated-kms/api/kmshandler"
	"github.com/ruteri/federated-kms/api/pkihandler"
	"github.com/ruteri/federated-kms/api/server"
	"github.com/ruteri/federated-kms/cmd/flags"
	"github.com/ruteri/federated-kms/cmd/kmscommon"
	"github.com/ruteri/federated-kms/kms"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"
)

var KmsServiceLogFlag = flags.LogServiceFlagFn("kms")

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"KMS_LISTEN_ADDR"},
}
var AllowedOriginsFlag = &cli.StringSliceFlag{
	Name:    "allowed-origin",
	Usage:   "origin allowed to call the provisioning endpoints cross-origin; may be repeated",
	EnvVars: []string{"KMS_ALLOWED_ORIGINS"},
}
var RateLimitFlag = &cli.Float64Flag{
	Name:    "rate-limit",
	Value:   5,
	Usage:   "login requests per second allowed per client IP, 0 disables",
	EnvVars: []string{"KMS_RATE_LIMIT"},
}
var RateBurstFlag = &cli.IntFlag{
	Name:  "rate-burst",
	Value: 20,
	Usage: "login request burst allowed per client IP",
}
var MaxBodyBytesFlag = &cli.Int64Flag{
	Name:  "max-body-bytes",
	Value: 64 << 10,
	Usage: "maximum POST body size",
}
var SweepIntervalFlag = &cli.DurationFlag{
	Name:    "sweep-interval",
	Usage:   "interval of the background expiry sweep, 0 disables it",
	EnvVars: []string{"KMS_SWEEP_INTERVAL"},
}

func main() {
	serverFlags := []cli.Flag{ListenAddrFlag, AllowedOriginsFlag, RateLimitFlag, RateBurstFlag, MaxBodyBytesFlag, SweepIntervalFlag, KmsServiceLogFlag}
	serverFlags = append(serverFlags, kmscommon.StoreFlags...)
	serverFlags = append(serverFlags, kmscommon.FederationFlags...)
	serverFlags = append(serverFlags, kmscommon.MirrorFlags...)
	serverFlags = append(serverFlags, flags.CommonFlags...)

	app := &cli.App{
		Name:  "kms-server",
		Usage: "Serve the federated key escrow service",
		Flags: serverFlags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String(ListenAddrFlag.Name)

			// Setup logger
			logger := flags.SetupLogger(cCtx)

			store, closeStore, err := kmscommon.SetupStore(cCtx, logger)
			if err != nil {
				logger.Error("Failed to open record store", "err", err)
				return err
			}
			defer closeStore() //nolint:errcheck

			bridge, err := kmscommon.SetupFederation(cCtx, store, logger, time.Now)
			if err != nil {
				logger.Error("Failed to set up federation", "err", err)
				return err
			}

			var mirror kms.EscrowMirror
			escrowMirror, err := kmscommon.SetupEscrowMirror(cCtx, logger)
			if err != nil {
				logger.Error("Failed to set up escrow mirror", "err", err)
				return err
			}
			if escrowMirror != nil {
				mirror = escrowMirror
			}

			lifecycle, err := kms.NewLifecycle(store, kms.DefaultConfig(), logger)
			if err != nil {
				logger.Error("Failed to create lifecycle", "err", err)
				return err
			}
			provisioner := kms.NewProvisioner(lifecycle, bridge, mirror, logger)
			sweeper := kms.NewSweeper(store, logger, nil)

			handlerCfg := kmshandler.Config{
				AllowedOrigins: cCtx.StringSlice(AllowedOriginsFlag.Name),
				RateLimit:      rate.Limit(cCtx.Float64(RateLimitFlag.Name)),
				RateBurst:      cCtx.Int(RateBurstFlag.Name),
				MaxBodyBytes:   cCtx.Int64(MaxBodyBytesFlag.Name),
			}

			serverCfg := flags.ConfigureServer(cCtx, logger, listenAddr)
			serverCfg.ReadinessCheck = store.Ping

			srv, err := server.New(serverCfg,
				kmshandler.NewHandler(provisioner, sweeper, handlerCfg, logger),
				pkihandler.NewHandler(kms.NewDirectory(store, logger), sweeper, logger),
			)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			ctx, cancel := context.WithCancel(cCtx.Context)
			defer cancel()
			if interval := cCtx.Duration(SweepIntervalFlag.Name); interval > 0 {
				go sweeper.Run(ctx, interval)
			}

			srv.RunInBackground()

			// Wait for termination signal
			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop", "addr", listenAddr)
			<-exit
			logger.Info("Shutdown signal received")

			cancel()
			srv.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
