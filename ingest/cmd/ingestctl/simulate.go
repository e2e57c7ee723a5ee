package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/studyhawk/ingest/internal/cliout"
	"github.com/telhawk-systems/studyhawk/ingest/internal/keystore"
	"github.com/telhawk-systems/studyhawk/ingest/pkg/devicecrypt"
)

const gpsHeader = "timestamp,UTC time,latitude,longitude,altitude,accuracy"

// gpsRecords fakes a GPS CSV the way the Android app writes it: one header
// line and one fix per minute.
func gpsRecords(f *gofakeit.Faker, n int, start time.Time) []string {
	lat, lon := f.Latitude(), f.Longitude()
	out := make([]string, 0, n+1)
	out = append(out, gpsHeader)
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Minute)
		lat += f.Float64Range(-0.001, 0.001)
		lon += f.Float64Range(-0.001, 0.001)
		out = append(out, fmt.Sprintf("%d,%s,%.6f,%.6f,%.1f,%.1f",
			ts.UnixMilli(), ts.UTC().Format("2006-01-02T15:04:05.000"),
			lat, lon, f.Float64Range(0, 300), f.Float64Range(3, 50)))
	}
	return out
}

// corruptRecords overwrites k interior data lines with text that is not a
// valid record. The key line and the first data line are left intact.
func corruptRecords(raw []byte, k int) []byte {
	lines := bytes.Split(raw, []byte("\n"))
	for i := 2; i < len(lines) && k > 0; i += 2 {
		lines[i] = []byte("corrupted-by-ingestctl")
		k--
	}
	return bytes.Join(lines, []byte("\n"))
}

type simulateResult struct {
	PatientID string `json:"patient_id" yaml:"patient_id"`
	FileName  string `json:"file_name" yaml:"file_name"`
	Lines     int    `json:"lines" yaml:"lines"`
	Corrupted int    `json:"corrupted" yaml:"corrupted"`
	Bytes     int    `json:"bytes" yaml:"bytes"`
	Target    string `json:"target" yaml:"target"`
	Status    int    `json:"status,omitempty" yaml:"status,omitempty"`
}

func newSimulateCmd(e *env) *cobra.Command {
	var (
		patient, study, fileName, out, target string
		lines, corrupt                        int
		seed                                  int64
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Build a sealed GPS upload as a device would",
		Long: `Generates fake GPS records, seals them with the participant's public key
and either writes the upload to a file or POSTs it to an ingest service.
--corrupt damages that many interior records to exercise line recovery.`,
		Example: `  ingestctl simulate --patient P100 --study S1 --lines 50 --out upload.txt
  ingestctl simulate --patient P100 --study S1 --corrupt 2 --url http://localhost:8080/upload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, blobs, err := e.keys(ctx)
			if err != nil {
				return err
			}
			pubB64, err := keystore.NewProvisioner(blobs, nil).PublicKey(ctx, patient, study)
			if err != nil {
				return fmt.Errorf("no public key for %s (run keys provision first): %w", patient, err)
			}
			pub, err := devicecrypt.ParsePublicKeyBase64(pubB64)
			if err != nil {
				return err
			}

			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			start := time.Now().UTC().Truncate(time.Hour)
			recs := gpsRecords(gofakeit.New(seed), lines, start)
			plain := make([][]byte, len(recs))
			for i, r := range recs {
				plain[i] = []byte(r)
			}
			raw, err := devicecrypt.Seal(pub, plain)
			if err != nil {
				return err
			}
			raw = corruptRecords(raw, corrupt)

			if fileName == "" {
				fileName = fmt.Sprintf("%s_gps_%d.csv", patient, start.UnixMilli())
			}
			res := simulateResult{PatientID: patient, FileName: fileName, Lines: len(recs), Corrupted: corrupt, Bytes: len(raw)}

			switch {
			case target != "":
				res.Target = target
				if res.Status, err = postUpload(ctx, target, patient, fileName, raw); err != nil {
					return err
				}
			case out != "":
				res.Target = out
				if err := os.WriteFile(out, raw, 0o644); err != nil {
					return err
				}
			default:
				_, err := cmd.OutOrStdout().Write(raw)
				return err
			}

			if err := e.printer.Print(res, func(t *cliout.Table) {
				t.Header("FILE", "LINES", "CORRUPTED", "BYTES", "TARGET", "STATUS")
				t.Row(res.FileName, strconv.Itoa(res.Lines), strconv.Itoa(res.Corrupted), strconv.Itoa(res.Bytes), res.Target, strconv.Itoa(res.Status))
			}); err != nil {
				return err
			}
			if res.Status >= 400 {
				e.printer.Warn("ingest answered %d; a device would keep the file and retry", res.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&patient, "patient", "", "patient id")
	cmd.Flags().StringVar(&study, "study", "", "study id")
	cmd.Flags().StringVar(&fileName, "file-name", "", "file_name sent with the upload (default <patient>_gps_<ms>.csv)")
	cmd.Flags().IntVar(&lines, "lines", 20, "number of GPS records")
	cmd.Flags().IntVar(&corrupt, "corrupt", 0, "number of interior records to corrupt")
	cmd.Flags().Int64Var(&seed, "seed", 0, "faker seed (default: random)")
	cmd.Flags().StringVar(&out, "out", "", "write the sealed upload to this file")
	cmd.Flags().StringVar(&target, "url", "", "POST the upload to this ingest URL")
	requireFlags(cmd, "patient", "study")
	return cmd
}

// postUpload sends the form-encoded upload the Android app sends.
func postUpload(ctx context.Context, target, patient, fileName string, raw []byte) (int, error) {
	form := url.Values{
		"patient_id": {patient},
		"file_name":  {fileName},
		"file":       {string(raw)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload to %s: %w", target, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
