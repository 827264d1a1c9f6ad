package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/radportal/radportal/internal/platform/inference"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusFinalized Status = "finalized"
)

// ParseStatus accepts the two lifecycle states, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusDraft:
		return StatusDraft, nil
	case StatusFinalized:
		return StatusFinalized, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
}

// Source records how a report entered the system.
type Source string

const (
	SourceUpload    Source = "upload"
	SourcePDFImport Source = "pdf_import"
)

// Report maps to the report table. AIGeneratedReport, PathologyResults,
// SegmentationData, ImageData, RadiologistID and PatientToken are written once
// at creation and never updated.
type Report struct {
	ID                uuid.UUID              `json:"id"`
	PatientID         string                 `json:"patient_id"`
	RadiologistID     string                 `json:"radiologist_id"`
	ClinicalNotes     string                 `json:"clinical_notes"`
	ImageData         []byte                 `json:"image_data,omitempty"`
	ImageContentType  string                 `json:"image_content_type,omitempty"`
	AIGeneratedReport string                 `json:"ai_generated_report"`
	FinalReport       string                 `json:"final_report"`
	PathologyResults  inference.PathologyMap `json:"pathology_results"`
	SegmentationData  inference.Segmentation `json:"segmentation_data"`
	AnalysisDegraded  bool                   `json:"analysis_degraded"`
	Source            Source                 `json:"source"`
	Status            Status                 `json:"status"`
	PatientToken      string                 `json:"patient_token"`
	Version           int                    `json:"version"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	FinalizedAt       *time.Time             `json:"finalized_at,omitempty"`
}

func (r *Report) IsFinalized() bool { return r.Status == StatusFinalized }

// Summary is the history-list view of a report: no image, no findings.
type Summary struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     string     `json:"patient_id"`
	RadiologistID string     `json:"radiologist_id"`
	Status        Status     `json:"status"`
	Source        Source     `json:"source"`
	Detected      []string   `json:"detected_findings"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinalizedAt   *time.Time `json:"finalized_at,omitempty"`
}

func (r *Report) Summary() Summary {
	detected := r.PathologyResults.Detected()
	if detected == nil {
		detected = []string{}
	}
	return Summary{
		ID:            r.ID,
		PatientID:     r.PatientID,
		RadiologistID: r.RadiologistID,
		Status:        r.Status,
		Source:        r.Source,
		Detected:      detected,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		FinalizedAt:   r.FinalizedAt,
	}
}

// Patch is the clinician update body. Only these fields are read; anything
// else in the request is ignored.
type Patch struct {
	FinalReport *string `json:"final_report"`
	Status      *string `json:"status"`
	Version     *int    `json:"version,omitempty"`
}

// CreateInput is what a clinician uploads to start a report.
type CreateInput struct {
	PatientID     string
	ClinicalNotes string
	Image         []byte
	ContentType   string
}

// PublicPatient is the part of a patient record shown on the token view.
type PublicPatient struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	Age       int    `json:"age"`
	Gender    string `json:"gender"`
}

// PublicView is the token-holder read: the report and its patient, if known.
type PublicView struct {
	Report  *Report        `json:"report"`
	Patient *PublicPatient `json:"patient"`
}

// ImportResult is returned after importing an existing PDF report.
type ImportResult struct {
	ReportID      uuid.UUID `json:"report_id"`
	PatientID     string    `json:"patient_id"`
	PatientToken  string    `json:"patient_token"`
	ExtractedText string    `json:"extracted_text"`
	Message       string    `json:"message"`
}
