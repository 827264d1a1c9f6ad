package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radportal/radportal/internal/platform/auth"
	"github.com/radportal/radportal/internal/platform/db"
	"github.com/radportal/radportal/internal/platform/export"
	"github.com/radportal/radportal/internal/platform/imaging"
	"github.com/radportal/radportal/internal/platform/inference"
)

const (
	maxPatientIDLen     = 64
	maxClinicalNotesLen = 10000
	maxFinalReportLen   = 100000
	maxQuestionLen      = 2000
	maxTokenAttempts    = 3
)

const (
	importedTextTemplate = "Extracted text from %s\n\n" +
		"This is a mock implementation. In production, actual PDF text extraction would be performed here."
	importMessage = "PDF uploaded and text extracted successfully"
)

// Providers groups the pluggable analysis back ends used by the lifecycle.
type Providers struct {
	Analyzer  inference.Analyzer
	Segmenter inference.Segmenter
	Answerer  inference.Answerer
}

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	ProviderOutcome(provider string, degraded bool)
	ReportEvent(event string)
}

type nopObserver struct{}

func (nopObserver) ProviderOutcome(string, bool) {}
func (nopObserver) ReportEvent(string)           {}

type Service struct {
	reports   Repository
	tx        db.TxRunner
	providers Providers
	patients  PatientDirectory
	renderer  *export.Renderer
	guard     inference.Guard
	observer  Observer
	logger    zerolog.Logger

	enforceOwnership bool

	newToken func() (string, error)
	now      func() time.Time
}

func NewService(reports Repository, tx db.TxRunner, providers Providers, logger zerolog.Logger) *Service {
	return &Service{
		reports:   reports,
		tx:        tx,
		providers: providers,
		renderer:  export.NewRenderer(),
		guard:     inference.DefaultGuard,
		observer:  nopObserver{},
		logger:    logger.With().Str("component", "report").Logger(),
		newToken:  auth.NewPatientToken,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPatientDirectory attaches the patient lookup used by the public view and
// exports. Without one the patient part is left empty.
func (s *Service) SetPatientDirectory(d PatientDirectory) {
	s.patients = d
}

func (s *Service) SetGuard(g inference.Guard) {
	s.guard = g
}

// SetEnforceOwnership restricts reads and writes of a report to the
// radiologist who created it, plus admins.
func (s *Service) SetEnforceOwnership(on bool) {
	s.enforceOwnership = on
}

func (s *Service) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

func (s *Service) SetRenderer(r *export.Renderer) {
	s.renderer = r
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.InTx(ctx, fn)
}

func (s *Service) checkOwner(c auth.Clinician, r *Report) error {
	if !s.enforceOwnership || c.HasRole(auth.RoleAdmin) || r.RadiologistID == c.ID {
		return nil
	}
	return ErrNotFound
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// -- Create --

func (s *Service) Create(ctx context.Context, c auth.Clinician, in CreateInput) (*Report, error) {
	if err := auth.Authorize(c, auth.OpCreateReport); err != nil {
		return nil, err
	}
	in.PatientID = strings.TrimSpace(in.PatientID)
	if in.PatientID == "" {
		return nil, invalid("patient_id is required")
	}
	if utf8.RuneCountInString(in.PatientID) > maxPatientIDLen {
		return nil, invalid("patient_id must be at most %d characters", maxPatientIDLen)
	}
	if utf8.RuneCountInString(in.ClinicalNotes) > maxClinicalNotesLen {
		return nil, invalid("clinical_notes must be at most %d characters", maxClinicalNotesLen)
	}
	info, err := imaging.Inspect(in.Image, in.ContentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	analysis := inference.Run(ctx, s.guard, inference.DegradedAnalysis(), func(ctx context.Context) (inference.Analysis, error) {
		a, err := s.providers.Analyzer.Analyze(ctx, in.Image)
		if err != nil {
			return inference.Analysis{}, err
		}
		if strings.TrimSpace(a.Narrative) == "" {
			return inference.Analysis{}, errors.New("empty narrative")
		}
		a.Pathology = a.Pathology.Normalize()
		return a, nil
	})
	s.observeProvider(ctx, "analysis", analysis.IsDegraded(), analysis.Err())
	pathology := analysis.Value.Pathology

	segmentation := inference.Run(ctx, s.guard, inference.Segmentation{}, func(ctx context.Context) (inference.Segmentation, error) {
		return s.providers.Segmenter.Segment(ctx, pathology)
	})
	s.observeProvider(ctx, "segmentation", segmentation.IsDegraded(), segmentation.Err())

	r := &Report{
		ID:                uuid.New(),
		PatientID:         in.PatientID,
		RadiologistID:     c.ID,
		ClinicalNotes:     in.ClinicalNotes,
		ImageData:         in.Image,
		ImageContentType:  storedContentType(in.ContentType, info),
		AIGeneratedReport: analysis.Value.Narrative,
		FinalReport:       analysis.Value.Narrative,
		PathologyResults:  pathology,
		SegmentationData:  segmentation.Value.Only(pathology),
		AnalysisDegraded:  analysis.IsDegraded(),
		Source:            SourceUpload,
		Status:            StatusDraft,
		Version:           1,
	}
	if err := s.persistNew(ctx, r); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("report_id", r.ID.String()).
		Str("radiologist_id", c.ID).
		Str("format", info.Format).
		Strs("detected", pathology.Detected()).
		Bool("degraded", r.AnalysisDegraded).
		Msg("report created")
	s.observer.ReportEvent("created")
	return r, nil
}

// persistNew mints the patient token and inserts r, minting again if the
// token is already taken.
func (s *Service) persistNew(ctx context.Context, r *Report) error {
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now
	for attempt := 1; ; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return err
		}
		r.PatientToken = token
		err = s.reports.Create(ctx, r)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTokenTaken) || attempt >= maxTokenAttempts {
			return fmt.Errorf("create report: %w", err)
		}
		s.logger.Warn().Int("attempt", attempt).Msg("patient token collision, minting a new one")
	}
}

func storedContentType(given string, info imaging.Info) string {
	if info.Format == "dicom" {
		return imaging.ContentTypeDICOM
	}
	if strings.HasPrefix(given, "image/") {
		return given
	}
	return "image/" + info.Format
}

func (s *Service) observeProvider(ctx context.Context, provider string, degraded bool, cause error) {
	s.observer.ProviderOutcome(provider, degraded)
	if !degraded {
		return
	}
	ev := s.logger.Warn().Str("provider", provider).Err(cause)
	if ctx.Err() != nil {
		ev = ev.Bool("request_cancelled", true)
	}
	ev.Msg("provider degraded")
}

// -- Clinician reads and writes --

func (s *Service) Get(ctx context.Context, id uuid.UUID, c auth.Clinician) (*Report, error) {
	if err := auth.Authorize(c, auth.OpReadReport); err != nil {
		return nil, err
	}
	r, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwner(c, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Update applies the patch inside a transaction holding the row lock, so the
// finalized check and the write cannot interleave with another update.
func (s *Service) Update(ctx context.Context, id uuid.UUID, c auth.Clinician, p Patch) (*Report, error) {
	if err := auth.Authorize(c, auth.OpUpdateReport); err != nil {
		return nil, err
	}
	var target *Status
	if p.Status != nil {
		st, err := ParseStatus(*p.Status)
		if err != nil {
			return nil, err
		}
		target = &st
	}
	if p.FinalReport != nil && utf8.RuneCountInString(*p.FinalReport) > maxFinalReportLen {
		return nil, invalid("final_report must be at most %d characters", maxFinalReportLen)
	}

	var out *Report
	finalized := false
	err := s.inTx(ctx, func(ctx context.Context) error {
		r, err := s.reports.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.checkOwner(c, r); err != nil {
			return err
		}
		if p.Version != nil && *p.Version != r.Version {
			return ErrVersionConflict
		}
		now := s.now()
		changed, err := applyPatch(r, p.FinalReport, target, now)
		if err != nil {
			return err
		}
		out = r
		if !changed {
			return nil
		}
		finalized = r.IsFinalized()
		r.Version++
		r.UpdatedAt = now
		return s.reports.Update(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("report_id", out.ID.String()).
		Str("radiologist_id", c.ID).
		Str("status", string(out.Status)).
		Int("version", out.Version).
		Msg("report updated")
	if finalized {
		s.observer.ReportEvent("finalized")
	}
	return out, nil
}

// applyPatch mutates r and reports whether anything changed. A finalized
// report only accepts patches that would not change it.
func applyPatch(r *Report, text *string, target *Status, now time.Time) (bool, error) {
	if r.IsFinalized() {
		if target != nil && *target == StatusDraft {
			return false, fmt.Errorf("%w: cannot return to draft", ErrFinalized)
		}
		if text != nil && *text != r.FinalReport {
			return false, fmt.Errorf("%w: final_report can no longer change", ErrFinalized)
		}
		return false, nil
	}

	changed := false
	if text != nil && *text != r.FinalReport {
		r.FinalReport = *text
		changed = true
	}
	if target != nil && *target == StatusFinalized {
		r.Status = StatusFinalized
		r.FinalizedAt = &now
		changed = true
	}
	return changed, nil
}

// ListByPatient returns a patient's reports, newest first. With ownership
// enforcement on, non-admins only see their own.
func (s *Service) ListByPatient(ctx context.Context, c auth.Clinician, patientID string, limit, offset int) ([]*Report, int, error) {
	if err := auth.Authorize(c, auth.OpPatientHistory); err != nil {
		return nil, 0, err
	}
	radiologist := ""
	if s.enforceOwnership && !c.HasRole(auth.RoleAdmin) {
		radiologist = c.ID
	}
	return s.reports.ListByPatient(ctx, patientID, radiologist, limit, offset)
}

// -- Token holder --

// GetByToken resolves a patient token. Tokens that are empty, malformed or
// unknown all produce ErrNotFound.
func (s *Service) GetByToken(ctx context.Context, t auth.TokenHolder) (*Report, error) {
	if !plausibleToken(t.Token) {
		return nil, ErrNotFound
	}
	if err := auth.Authorize(t, auth.OpReadByToken); err != nil {
		return nil, err
	}
	return s.reports.GetByToken(ctx, t.Token)
}

func plausibleToken(token string) bool {
	if token == "" || len(token) > 128 {
		return false
	}
	for i := 0; i < len(token); i++ {
		ch := token[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return false
		}
	}
	return true
}

// PublicView returns the report with its patient summary for the token
// dashboard. A missing patient record is not an error.
func (s *Service) PublicView(ctx context.Context, t auth.TokenHolder) (*PublicView, error) {
	r, err := s.GetByToken(ctx, t)
	if err != nil {
		return nil, err
	}
	s.observer.ReportEvent("token_view")
	view := &PublicView{Report: r}
	if s.patients != nil {
		p, err := s.patients.LookupPublic(ctx, r.PatientID)
		if err != nil {
			return nil, err
		}
		view.Patient = p
	}
	return view, nil
}

// Chat answers a question about the report behind the token. Provider
// failures never surface: the caller gets inference.ChatFallback instead.
func (s *Service) Chat(ctx context.Context, t auth.TokenHolder, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", invalid("query is required")
	}
	if utf8.RuneCountInString(question) > maxQuestionLen {
		return "", invalid("query must be at most %d characters", maxQuestionLen)
	}
	if !plausibleToken(t.Token) {
		return "", ErrNotFound
	}
	if err := auth.Authorize(t, auth.OpChatByToken); err != nil {
		return "", err
	}
	r, err := s.reports.GetByToken(ctx, t.Token)
	if err != nil {
		return "", err
	}

	text := r.FinalReport
	if strings.TrimSpace(text) == "" {
		text = r.AIGeneratedReport
	}
	answer := inference.Run(ctx, s.guard, inference.ChatFallback, func(ctx context.Context) (string, error) {
		a, err := s.providers.Answerer.Answer(ctx, text, question)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(a) == "" {
			return "", inference.ErrNoAnswer
		}
		return a, nil
	})
	s.observeProvider(ctx, "conversational", answer.IsDegraded(), answer.Err())
	s.observer.ReportEvent("chat")
	return answer.Value, nil
}

// -- Export and import --

func (s *Service) Export(ctx context.Context, id uuid.UUID, c auth.Clinician, format export.Format) (export.Rendered, error) {
	if err := auth.Authorize(c, auth.OpExportReport); err != nil {
		return export.Rendered{}, err
	}
	r, err := s.Get(ctx, id, c)
	if err != nil {
		return export.Rendered{}, err
	}

	doc := export.Document{
		ReportID:    r.ID.String(),
		PatientID:   r.PatientID,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		FinalReport: r.FinalReport,
		Record:      r,
	}
	for _, name := range r.PathologyResults.Detected() {
		doc.Findings = append(doc.Findings, export.Finding{Name: name, Probability: r.PathologyResults[name].Probability})
	}
	if s.patients != nil {
		if p, err := s.patients.LookupPublic(ctx, r.PatientID); err == nil && p != nil {
			doc.PatientName = p.Name
		}
	}
	return s.renderer.Render(doc, format)
}

// ImportInput is an existing PDF report uploaded by a clinician.
type ImportInput struct {
	PatientID   string
	Filename    string
	ContentType string
	Data        []byte
}

// ImportPDF stores an externally produced PDF report as a finalized report.
// Text extraction is a placeholder.
func (s *Service) ImportPDF(ctx context.Context, c auth.Clinician, in ImportInput) (*ImportResult, error) {
	if err := auth.Authorize(c, auth.OpImportReport); err != nil {
		return nil, err
	}
	if ct := strings.ToLower(strings.TrimSpace(in.ContentType)); ct != "" && !strings.HasPrefix(ct, "application/pdf") {
		return nil, invalid("file must be a PDF")
	}
	if !bytes.HasPrefix(in.Data, []byte("%PDF-")) {
		return nil, invalid("file must be a PDF")
	}
	in.PatientID = strings.TrimSpace(in.PatientID)
	if in.PatientID == "" {
		in.PatientID = "UPLOAD-" + uuid.NewString()[:8]
	}
	if utf8.RuneCountInString(in.PatientID) > maxPatientIDLen {
		return nil, invalid("patient_id must be at most %d characters", maxPatientIDLen)
	}
	name := strings.TrimSpace(in.Filename)
	if name == "" {
		name = "report.pdf"
	}

	text := fmt.Sprintf(importedTextTemplate, name)
	now := s.now()
	r := &Report{
		ID:                uuid.New(),
		PatientID:         in.PatientID,
		RadiologistID:     c.ID,
		AIGeneratedReport: text,
		FinalReport:       text,
		PathologyResults:  inference.PathologyMap{},
		SegmentationData:  inference.Segmentation{},
		Source:            SourcePDFImport,
		Status:            StatusFinalized,
		Version:           1,
		FinalizedAt:       &now,
	}
	if err := s.persistNew(ctx, r); err != nil {
		return nil, err
	}

	s.logger.Info().Str("report_id", r.ID.String()).Str("radiologist_id", c.ID).Msg("pdf report imported")
	s.observer.ReportEvent("imported")
	return &ImportResult{
		ReportID:      r.ID,
		PatientID:     r.PatientID,
		PatientToken:  r.PatientToken,
		ExtractedText: text,
		Message:       importMessage,
	}, nil
}
