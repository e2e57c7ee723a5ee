package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/studyhawk/ingest/internal/cliout"
	"github.com/telhawk-systems/studyhawk/ingest/internal/repository"
)

func newMigrateCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			version, dirty, err := repository.Migrate(e.cfg.Database.MigrationsPath, e.cfg.Database.URL)
			if err != nil {
				return err
			}
			res := map[string]any{"version": version, "dirty": dirty}
			if err := e.printer.Print(res, func(t *cliout.Table) {
				t.Header("VERSION", "DIRTY")
				t.Row(strconv.FormatUint(uint64(version), 10), strconv.FormatBool(dirty))
			}); err != nil {
				return err
			}
			if dirty {
				e.printer.Warn("schema is dirty at version %d; repair it before migrating again", version)
			} else {
				e.printer.Success("schema at version %d", version)
			}
			return nil
		},
	})
	return cmd
}
