package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radportal/radportal/internal/platform/db"
)

const tokenConstraint = "report_patient_token_key"

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewReportRepoPG(pool *pgxpool.Pool) Repository {
	return &reportRepoPG{pool: pool}
}

func (r *reportRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const reportCols = `id, patient_id, radiologist_id, clinical_notes, image_data, image_content_type,
	ai_generated_report, final_report, pathology_results, segmentation_data,
	analysis_degraded, source, status, patient_token, version,
	created_at, updated_at, finalized_at`

func (r *reportRepoPG) scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	err := row.Scan(&rep.ID, &rep.PatientID, &rep.RadiologistID, &rep.ClinicalNotes, &rep.ImageData, &rep.ImageContentType,
		&rep.AIGeneratedReport, &rep.FinalReport, &rep.PathologyResults, &rep.SegmentationData,
		&rep.AnalysisDegraded, &rep.Source, &rep.Status, &rep.PatientToken, &rep.Version,
		&rep.CreatedAt, &rep.UpdatedAt, &rep.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *reportRepoPG) Create(ctx context.Context, rep *Report) error {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	if rep.Version == 0 {
		rep.Version = 1
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO report (id, patient_id, radiologist_id, clinical_notes, image_data, image_content_type,
			ai_generated_report, final_report, pathology_results, segmentation_data,
			analysis_degraded, source, status, patient_token, version, finalized_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		rep.ID, rep.PatientID, rep.RadiologistID, rep.ClinicalNotes, rep.ImageData, rep.ImageContentType,
		rep.AIGeneratedReport, rep.FinalReport, rep.PathologyResults, rep.SegmentationData,
		rep.AnalysisDegraded, rep.Source, rep.Status, rep.PatientToken, rep.Version, rep.FinalizedAt,
	).Scan(&rep.CreatedAt, &rep.UpdatedAt)
	if db.IsUniqueViolation(err, tokenConstraint) {
		return ErrTokenTaken
	}
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	return r.scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM report WHERE id = $1`, id))
}

func (r *reportRepoPG) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Report, error) {
	return r.scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM report WHERE id = $1 FOR UPDATE`, id))
}

func (r *reportRepoPG) GetByToken(ctx context.Context, token string) (*Report, error) {
	return r.scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM report WHERE patient_token = $1`, token))
}

func (r *reportRepoPG) Update(ctx context.Context, rep *Report) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE report SET final_report=$2, status=$3, finalized_at=$4, version=$5, updated_at=$6
		WHERE id = $1`,
		rep.ID, rep.FinalReport, rep.Status, rep.FinalizedAt, rep.Version, rep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *reportRepoPG) ListByPatient(ctx context.Context, patientID, radiologistID string, limit, offset int) ([]*Report, int, error) {
	where := `patient_id = $1 AND ($2 = '' OR radiologist_id = $2)`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM report WHERE `+where, patientID, radiologistID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM report WHERE `+where+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, patientID, radiologistID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Report
	for rows.Next() {
		rep, err := r.scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rep)
	}
	return items, total, rows.Err()
}
