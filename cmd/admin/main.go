package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ruteri/federated-kms/cmd/flags"
	"github.com/ruteri/federated-kms/cmd/kmscommon"
	"github.com/ruteri/federated-kms/kms"
	"github.com/ruteri/federated-kms/store/postgres"
	"github.com/urfave/cli/v2"
)

var flagPostgresDSN *cli.StringFlag = &cli.StringFlag{
	Name:     "postgres-dsn",
	Usage:    "postgres connection string",
	Required: true,
	EnvVars:  []string{"KMS_STORE_URL"},
}

var flagIdentity *cli.StringFlag = &cli.StringFlag{
	Name:     "identity",
	Usage:    "identity key (mail address) of the user",
	Required: true,
}

func main() {
	app := &cli.App{
		Name:  "kms admin",
		Usage: "Operate the key escrow service's record store and mirrors",
		Flags: flags.LogFlags,
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "migrate",
				Usage: "apply pending schema migrations",
				Flags: []cli.Flag{flagPostgresDSN},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					store, err := postgres.Open(cCtx.Context, cCtx.String(flagPostgresDSN.Name))
					if err != nil {
						return err
					}
					defer store.Close()

					if err := postgres.Migrate(cCtx.Context, store.DB()); err != nil {
						return err
					}
					logger.Info("Schema is up to date")
					return nil
				},
			},
			&cli.Command{
				Name:  "migration-status",
				Usage: "list schema migrations and whether they are applied",
				Flags: []cli.Flag{flagPostgresDSN},
				Action: func(cCtx *cli.Context) error {
					store, err := postgres.Open(cCtx.Context, cCtx.String(flagPostgresDSN.Name))
					if err != nil {
						return err
					}
					defer store.Close()

					statuses, err := postgres.MigrationStatus(cCtx.Context, store.DB())
					if err != nil {
						return err
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tSOURCE")
					for _, s := range statuses {
						appliedAt := "-"
						if !s.AppliedAt.IsZero() {
							appliedAt = s.AppliedAt.Format(time.RFC3339)
						}
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, appliedAt, s.Source.Path)
					}
					return w.Flush()
				},
			},
			&cli.Command{
				Name:  "sweep",
				Usage: "delete expired authentication requests, challenges and tokens",
				Flags: []cli.Flag{kmscommon.StoreURLFlag},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					store, closeStore, err := kmscommon.OpenStore(cCtx.Context, cCtx.String(kmscommon.StoreURLFlag.Name), false, logger)
					if err != nil {
						return err
					}
					defer closeStore() //nolint:errcheck

					res := kms.NewSweeper(store, logger, nil).Sweep(cCtx.Context)
					fmt.Printf("authn requests: %d, challenges: %d, tokens: %d\n", res.AuthnRequests, res.Challenges, res.Tokens)
					return nil
				},
			},
			&cli.Command{
				Name:  "rename-user",
				Usage: "move a user, its challenge and its token to a new identity key",
				Flags: []cli.Flag{
					kmscommon.StoreURLFlag,
					&cli.StringFlag{Name: "from", Required: true},
					&cli.StringFlag{Name: "to", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					from, to := strings.TrimSpace(cCtx.String("from")), strings.TrimSpace(cCtx.String("to"))
					if from == to {
						return errors.New("identities are equal")
					}

					store, closeStore, err := kmscommon.OpenStore(cCtx.Context, cCtx.String(kmscommon.StoreURLFlag.Name), false, logger)
					if err != nil {
						return err
					}
					defer closeStore() //nolint:errcheck

					if err := store.RenameUser(cCtx.Context, from, to); err != nil {
						return err
					}
					logger.Info("User renamed", "from", from, "to", to)
					return nil
				},
			},
			&cli.Command{
				Name:  "restore",
				Usage: "read a user's escrow record from the mirrors and optionally write it back",
				Flags: append([]cli.Flag{
					kmscommon.StoreURLFlag,
					flagIdentity,
					&cli.BoolFlag{Name: "apply", Usage: "write the record into the record store"},
				}, kmscommon.MirrorFlags...),
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					mirror, err := kmscommon.SetupEscrowMirror(cCtx, logger)
					if err != nil {
						return err
					}
					if mirror == nil {
						return errors.New("at least one --escrow-mirror is required")
					}

					record, err := mirror.Restore(cCtx.Context, cCtx.String(flagIdentity.Name))
					if err != nil {
						return err
					}

					if !cCtx.Bool("apply") {
						enc := json.NewEncoder(os.Stdout)
						enc.SetIndent("", "  ")
						return enc.Encode(record)
					}

					store, closeStore, err := kmscommon.OpenStore(cCtx.Context, cCtx.String(kmscommon.StoreURLFlag.Name), false, logger)
					if err != nil {
						return err
					}
					defer closeStore() //nolint:errcheck

					user, err := kms.RestoreEscrowRecord(cCtx.Context, store, record)
					if err != nil {
						return err
					}
					logger.Info("Escrow record restored", "identity", user.Identity, "keyNameId", user.KeyNameIdentifier)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
