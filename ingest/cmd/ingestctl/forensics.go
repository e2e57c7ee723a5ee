package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/studyhawk/ingest/internal/bootstrap"
	"github.com/telhawk-systems/studyhawk/ingest/internal/cliout"
)

func newForensicsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forensics",
		Short: "Inspect the forensic error log",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent decryption failures, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log, err := bootstrap.Forensics(ctx, e.cfg.Forensics, e.nats, e.logger.Logger)
			if err != nil {
				return err
			}
			entries, err := log.List(ctx, limit)
			if err != nil {
				return err
			}
			return e.printer.Print(entries, func(t *cliout.Table) {
				t.Header("TIME", "KIND", "PATIENT", "FILE", "LINE", "ERROR")
				for _, en := range entries {
					t.Row(en.Timestamp.Format(time.RFC3339), string(en.Kind), en.ParticipantID, en.FileName, strconv.Itoa(en.Line), en.Error)
				}
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show forensic log statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log, err := bootstrap.Forensics(ctx, e.cfg.Forensics, e.nats, e.logger.Logger)
			if err != nil {
				return err
			}
			s := log.Stats(ctx)
			return e.printer.Print(s, func(t *cliout.Table) {
				keys := make([]string, 0, len(s))
				for k := range s {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				t.Header("KEY", "VALUE")
				for _, k := range keys {
					t.Row(k, toString(s[k]))
				}
			})
		},
	}

	var yes bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every entry of a file-backed forensic log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			ctx := cmd.Context()
			log, err := bootstrap.Forensics(ctx, e.cfg.Forensics, e.nats, e.logger.Logger)
			if err != nil {
				return err
			}
			p, ok := log.(purger)
			if !ok {
				return fmt.Errorf("forensics backend %q does not support purge", e.cfg.Forensics.Backend)
			}
			n, err := p.Purge(ctx)
			if err != nil {
				return err
			}
			res := map[string]int{"purged": n}
			if err := e.printer.Print(res, func(t *cliout.Table) {
				t.Header("PURGED")
				t.Row(strconv.Itoa(n))
			}); err != nil {
				return err
			}
			e.printer.Success("purged %d forensic entries", n)
			return nil
		},
	}
	purge.Flags().BoolVar(&yes, "yes", false, "confirm deletion")

	cmd.AddCommand(list, stats, purge)
	return cmd
}

type purger interface {
	Purge(ctx context.Context) (int, error)
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
