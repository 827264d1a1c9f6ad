package report

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	// GetByIDForUpdate locks the row for the rest of the surrounding transaction.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Report, error)
	GetByToken(ctx context.Context, token string) (*Report, error)
	// Update persists the mutable columns only: final_report, status,
	// finalized_at, version and updated_at.
	Update(ctx context.Context, r *Report) error
	// ListByPatient returns reports newest first. An empty radiologistID
	// matches every radiologist.
	ListByPatient(ctx context.Context, patientID, radiologistID string, limit, offset int) ([]*Report, int, error)
}

// PatientDirectory resolves the patient shown on the token view. A patient
// that does not exist yields (nil, nil).
type PatientDirectory interface {
	LookupPublic(ctx context.Context, patientID string) (*PublicPatient, error)
}
