package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/studyhawk/ingest/internal/cliout"
	"github.com/telhawk-systems/studyhawk/ingest/internal/operatorauth"
)

type tokenResult struct {
	Operator  string    `json:"operator" yaml:"operator"`
	Studies   []string  `json:"studies,omitempty" yaml:"studies,omitempty"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
	Token     string    `json:"token" yaml:"token"`
}

func newTokenCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Operator API tokens",
	}

	var operator string
	var studies []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for /api/v1/*",
		Example: `  ingestctl token issue --operator alice --study S1 --study S2 --ttl 2h
  curl -H "Authorization: Bearer $TOKEN" localhost:8080/api/v1/stats`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.cfg.OperatorAuth.Secret == "" {
				return errors.New("operator_auth.secret is not configured")
			}
			if ttl <= 0 {
				ttl = e.cfg.OperatorAuth.TokenTTL
			}
			token, expires, err := operatorauth.NewTokenIssuer(e.cfg.OperatorAuth.Secret, ttl).Issue(operator, studies)
			if err != nil {
				return err
			}
			res := tokenResult{Operator: operator, Studies: studies, ExpiresAt: expires.UTC(), Token: token}
			return e.printer.Print(res, func(t *cliout.Table) {
				scope := strings.Join(studies, ",")
				if scope == "" {
					scope = "*"
				}
				t.Header("OPERATOR", "STUDIES", "EXPIRES", "TOKEN")
				t.Row(res.Operator, scope, res.ExpiresAt.Format(time.RFC3339), res.Token)
			})
		},
	}
	issue.Flags().StringVar(&operator, "operator", "", "operator name recorded in the token")
	issue.Flags().StringSliceVar(&studies, "study", nil, "restrict to these studies (repeatable; default all)")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default operator_auth.token_ttl)")
	requireFlags(issue, "operator")

	cmd.AddCommand(issue)
	return cmd
}
