package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/studyhawk/ingest/internal/cliout"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
	"github.com/telhawk-systems/studyhawk/ingest/pkg/devicecrypt"
)

type decryptReport struct {
	File         string             `json:"file" yaml:"file"`
	FailureKind  string             `json:"failure_kind" yaml:"failure_kind"`
	Lines        int                `json:"lines" yaml:"lines"`
	FailedLines  int                `json:"failed_lines" yaml:"failed_lines"`
	Failures     []decryptedFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
	ContentBytes int                `json:"content_bytes" yaml:"content_bytes"`
}

type decryptedFailure struct {
	Line  int    `json:"line" yaml:"line"`
	Error string `json:"error" yaml:"error"`
}

func report(file string, out models.DecryptionOutcome) decryptReport {
	r := decryptReport{
		File:         file,
		FailureKind:  out.FailureKind.String(),
		Lines:        len(out.Lines),
		FailedLines:  len(out.Failures),
		ContentBytes: len(out.Content()),
	}
	for _, f := range out.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		r.Failures = append(r.Failures, decryptedFailure{Line: f.Line, Error: msg})
	}
	return r
}

func newDecryptCmd(e *env) *cobra.Command {
	var patient, study, contentOut string

	cmd := &cobra.Command{
		Use:   "decrypt FILE",
		Short: "Decrypt an upload offline and report line failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			keys, _, err := e.keys(ctx)
			if err != nil {
				return err
			}
			km, err := keys.GetPrivateKey(ctx, patient, study)
			if err != nil && !errors.Is(err, devicecrypt.ErrKeyMaterial) {
				return fmt.Errorf("load key for %s: %w", patient, err)
			}

			out, err := devicecrypt.NewEngine().Decrypt(raw, km.PrivateKey)
			if errors.Is(err, devicecrypt.ErrKeyMaterial) {
				out = models.DecryptionOutcome{FailureKind: models.FailureKeyInvalid}
			} else if err != nil {
				return err
			}

			if contentOut != "" && len(out.Lines) > 0 {
				if err := os.WriteFile(contentOut, out.Content(), 0o600); err != nil {
					return err
				}
			}

			r := report(args[0], out)
			return e.printer.Print(r, func(t *cliout.Table) {
				t.Header("LINE", "ERROR")
				for _, f := range r.Failures {
					t.Row(strconv.Itoa(f.Line), f.Error)
				}
				t.Row("-", fmt.Sprintf("%s: %d lines recovered, %d failed", r.FailureKind, r.Lines, r.FailedLines))
			})
		},
	}
	cmd.Flags().StringVar(&patient, "patient", "", "patient id")
	cmd.Flags().StringVar(&study, "study", "", "study id")
	cmd.Flags().StringVar(&contentOut, "content-out", "", "write recovered plaintext to this file")
	requireFlags(cmd, "patient", "study")
	return cmd
}
