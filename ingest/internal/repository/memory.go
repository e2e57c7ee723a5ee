package repository

import (
	"context"
	"sync"

	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

// InMemoryRepository backs local development and tests. It also satisfies
// storage.Queue so queue.backend=memory needs no database.
type InMemoryRepository struct {
	participants map[string]models.Participant
	files        map[string]models.ProcessingRecord
	tracking     []models.ProcessingRecord
	mu           sync.RWMutex
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		participants: make(map[string]models.Participant),
		files:        make(map[string]models.ProcessingRecord),
	}
}

func (r *InMemoryRepository) GetParticipant(_ context.Context, patientID string) (models.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[patientID]
	if !ok {
		return models.Participant{}, ErrParticipantNotFound
	}
	return p, nil
}

func (r *InMemoryRepository) UpsertParticipant(_ context.Context, p models.Participant) error {
	if err := validate(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.PatientID] = p
	return nil
}

func (r *InMemoryRepository) Enqueue(ctx context.Context, rec models.ProcessingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[rec.ParticipantID]; !ok {
		return ErrParticipantNotFound
	}
	r.files[rec.StudyID+"/"+rec.FilePath] = rec
	r.tracking = append(r.tracking, rec)
	return nil
}

// PendingFiles returns the records awaiting processing, one per path.
func (r *InMemoryRepository) PendingFiles() []models.ProcessingRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProcessingRecord, 0, len(r.files))
	for _, rec := range r.files {
		out = append(out, rec)
	}
	return out
}

// UploadCount is the number of tracked uploads, including re-uploads.
func (r *InMemoryRepository) UploadCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracking)
}
