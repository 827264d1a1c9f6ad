package patient

import "context"

type Repository interface {
	// Create returns ErrConflict when PatientID is taken.
	Create(ctx context.Context, p *Patient) error
	GetByPatientID(ctx context.Context, patientID string) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
}
