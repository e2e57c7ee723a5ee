package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/studyhawk/common/logging"
	"github.com/telhawk-systems/studyhawk/ingest/internal/bootstrap"
	"github.com/telhawk-systems/studyhawk/ingest/internal/cliout"
	"github.com/telhawk-systems/studyhawk/ingest/internal/config"
	"github.com/telhawk-systems/studyhawk/ingest/internal/keystore"
	"github.com/telhawk-systems/studyhawk/ingest/internal/storage"
)

// env is what every subcommand gets after the root command loads config.
type env struct {
	cfgFile string
	output  string

	cfg     *config.Config
	printer *cliout.Printer
	logger  *logging.Logger
	nats    *bootstrap.NATS
}

func (e *env) blobs(ctx context.Context) (storage.BlobStore, error) {
	return bootstrap.BlobStore(ctx, e.cfg.Storage, e.logger.Logger)
}

func (e *env) keys(ctx context.Context) (*keystore.Store, storage.BlobStore, error) {
	blobs, err := e.blobs(ctx)
	if err != nil {
		return nil, nil, err
	}
	return keystore.NewStore(keystore.NewBlobKeySource(blobs)), blobs, nil
}

func newRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:   "ingestctl",
		Short: "StudyHawk ingest operator CLI",
		Long: `ingestctl provisions device keys, simulates device uploads, decrypts
uploads offline and inspects the forensic error log of the ingest service.

It reads the same configuration file and INGEST_* environment as the
service.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(e.cfgFile)
			if err != nil {
				return err
			}
			format, err := cliout.ParseFormat(e.output)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.printer = cliout.NewPrinter(cmd.OutOrStdout(), format)
			e.logger = logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), "text")
			e.nats = bootstrap.NewNATS("studyhawk-ingestctl")
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.nats != nil {
				e.nats.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&e.cfgFile, "config", "", "config file (default: ./config.yaml or /etc/studyhawk/ingest/config.yaml)")
	root.PersistentFlags().StringVarP(&e.output, "output", "o", "table", "output format: table, json, yaml")

	root.AddCommand(
		newKeysCmd(e),
		newSimulateCmd(e),
		newDecryptCmd(e),
		newForensicsCmd(e),
		newMigrateCmd(e),
		newTokenCmd(e),
	)
	return root
}

func requireFlags(cmd *cobra.Command, names ...string) {
	for _, n := range names {
		if err := cmd.MarkFlagRequired(n); err != nil {
			slog.Error("unknown flag", slog.String("flag", n))
		}
	}
}
