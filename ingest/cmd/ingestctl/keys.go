package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/studyhawk/ingest/internal/bootstrap"
	"github.com/telhawk-systems/studyhawk/ingest/internal/cliout"
	"github.com/telhawk-systems/studyhawk/ingest/internal/keystore"
	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

type keyResult struct {
	PatientID string `json:"patient_id" yaml:"patient_id"`
	StudyID   string `json:"study_id" yaml:"study_id"`
	PublicKey string `json:"public_key" yaml:"public_key"`
}

func (k keyResult) table(t *cliout.Table) {
	t.Header("PATIENT", "STUDY", "PUBLIC KEY")
	t.Row(k.PatientID, k.StudyID, k.PublicKey)
}

func newKeysCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Device key management",
	}

	var patient, study, osType string
	var register bool
	provision := &cobra.Command{
		Use:   "provision",
		Short: "Generate and store a key pair for a participant",
		Long: `Generates a fresh RSA key pair, stores both halves in the blob store and
prints the base64 public key the device app is given. Provisioning again
replaces the pair; uploads sealed with the old key become undecryptable.`,
		Example: `  ingestctl keys provision --patient P100 --study S1 --register`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, blobs, err := e.keys(ctx)
			if err != nil {
				return err
			}
			pub, err := keystore.NewProvisioner(blobs, nil).Provision(ctx, patient, study)
			if err != nil {
				return err
			}

			if register {
				pg, err := bootstrap.Postgres(ctx, e.cfg.Database)
				if err != nil {
					return err
				}
				defer pg.Close()
				if err := pg.UpsertParticipant(ctx, models.Participant{PatientID: patient, StudyID: study, OSType: osType}); err != nil {
					return err
				}
			}

			res := keyResult{PatientID: patient, StudyID: study, PublicKey: pub}
			return e.printer.Print(res, res.table)
		},
	}
	provision.Flags().StringVar(&patient, "patient", "", "patient id")
	provision.Flags().StringVar(&study, "study", "", "study id")
	provision.Flags().StringVar(&osType, "os", "", "device os recorded with --register")
	provision.Flags().BoolVar(&register, "register", false, "also upsert the participant into Postgres")
	requireFlags(provision, "patient", "study")

	var showPatient, showStudy string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print a participant's public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, blobs, err := e.keys(ctx)
			if err != nil {
				return err
			}
			pub, err := keystore.NewProvisioner(blobs, nil).PublicKey(ctx, showPatient, showStudy)
			if err != nil {
				return fmt.Errorf("participant %s in study %s: %w", showPatient, showStudy, err)
			}
			res := keyResult{PatientID: showPatient, StudyID: showStudy, PublicKey: pub}
			return e.printer.Print(res, res.table)
		},
	}
	show.Flags().StringVar(&showPatient, "patient", "", "patient id")
	show.Flags().StringVar(&showStudy, "study", "", "study id")
	requireFlags(show, "patient", "study")

	cmd.AddCommand(provision, show)
	return cmd
}
