package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radportal/radportal/internal/domain/report"
	"github.com/radportal/radportal/internal/platform/auth"
	"github.com/radportal/radportal/pkg/pagination"
)

const (
	maxPatientIDLen = 64
	maxNameLen      = 255
	maxGenderLen    = 32
	maxAge          = 150
)

// ReportHistory lists a patient's reports for the history view.
type ReportHistory interface {
	ListByPatient(ctx context.Context, c auth.Clinician, patientID string, limit, offset int) ([]*report.Report, int, error)
}

// History is a patient with one page of their reports, newest first.
type History struct {
	Patient *Patient         `json:"patient"`
	Reports []*report.Report `json:"reports"`
	pagination.Page
}

type Service struct {
	patients Repository
	reports  ReportHistory
	logger   zerolog.Logger
}

func NewService(patients Repository, reports ReportHistory, logger zerolog.Logger) *Service {
	return &Service{patients: patients, reports: reports, logger: logger.With().Str("component", "patient").Logger()}
}

func (s *Service) Create(ctx context.Context, c auth.Clinician, in CreateInput) (*Patient, error) {
	if err := auth.Authorize(c, auth.OpManagePatients); err != nil {
		return nil, err
	}
	p := &Patient{
		ID:            uuid.New(),
		PatientID:     strings.TrimSpace(in.PatientID),
		Name:          strings.TrimSpace(in.Name),
		Gender:        strings.TrimSpace(in.Gender),
		ClinicalNotes: in.ClinicalNotes,
		CreatedBy:     c.ID,
	}
	switch {
	case p.PatientID == "" || utf8.RuneCountInString(p.PatientID) > maxPatientIDLen:
		return nil, fmt.Errorf("%w: patient_id is required and must be at most %d characters", ErrInvalidInput, maxPatientIDLen)
	case p.Name == "" || utf8.RuneCountInString(p.Name) > maxNameLen:
		return nil, fmt.Errorf("%w: name is required and must be at most %d characters", ErrInvalidInput, maxNameLen)
	case in.Age == nil || *in.Age < 0 || *in.Age > maxAge:
		return nil, fmt.Errorf("%w: age must be between 0 and %d", ErrInvalidInput, maxAge)
	case p.Gender == "" || utf8.RuneCountInString(p.Gender) > maxGenderLen:
		return nil, fmt.Errorf("%w: gender is required", ErrInvalidInput)
	}
	p.Age = *in.Age

	if err := s.patients.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_uuid", p.ID.String()).Str("created_by", c.ID).Msg("patient created")
	return p, nil
}

func (s *Service) List(ctx context.Context, c auth.Clinician, limit, offset int) ([]*Patient, int, error) {
	if err := auth.Authorize(c, auth.OpManagePatients); err != nil {
		return nil, 0, err
	}
	return s.patients.List(ctx, limit, offset)
}

// History returns the patient and a page of their report history.
func (s *Service) History(ctx context.Context, c auth.Clinician, patientID string, limit, offset int) (*History, error) {
	if err := auth.Authorize(c, auth.OpPatientHistory); err != nil {
		return nil, err
	}
	p, err := s.patients.GetByPatientID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	pg := pagination.Clamp(limit, offset)
	reports, total, err := s.reports.ListByPatient(ctx, c, p.PatientID, pg.Limit, pg.Offset)
	if err != nil {
		return nil, err
	}
	if reports == nil {
		reports = []*report.Report{}
	}
	return &History{
		Patient: p,
		Reports: reports,
		Page:    pagination.NewPage(total, pg),
	}, nil
}

// LookupPublic implements report.PatientDirectory. Reports may name patients
// that were never registered, so a miss is (nil, nil).
func (s *Service) LookupPublic(ctx context.Context, patientID string) (*report.PublicPatient, error) {
	p, err := s.patients.GetByPatientID(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &report.PublicPatient{PatientID: p.PatientID, Name: p.Name, Age: p.Age, Gender: p.Gender}, nil
}
