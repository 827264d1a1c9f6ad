package patient

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound carries the same message as a missing report so lookups
	// do not reveal which identifiers exist.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("patient_id already exists")
)

// Patient is a patient record keyed by the business PatientID that reports
// refer to.
type Patient struct {
	ID            uuid.UUID `json:"id"`
	PatientID     string    `json:"patient_id"`
	Name          string    `json:"name"`
	Age           int       `json:"age"`
	Gender        string    `json:"gender"`
	ClinicalNotes string    `json:"clinical_notes"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type CreateInput struct {
	PatientID     string `json:"patient_id"`
	Name          string `json:"name"`
	Age           *int   `json:"age"`
	Gender        string `json:"gender"`
	ClinicalNotes string `json:"clinical_notes"`
}
