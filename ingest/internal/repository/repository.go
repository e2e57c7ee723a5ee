package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidParticipant  = errors.New("participant requires patient_id and study_id")
)

// ParticipantRepository resolves the patient_id a device sends.
type ParticipantRepository interface {
	GetParticipant(ctx context.Context, patientID string) (models.Participant, error)
	UpsertParticipant(ctx context.Context, p models.Participant) error
}

func validate(p models.Participant) error {
	if p.PatientID == "" || p.StudyID == "" {
		return ErrInvalidParticipant
	}
	return nil
}
