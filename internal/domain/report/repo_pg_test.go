package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radportal/radportal/internal/platform/db"
	"github.com/radportal/radportal/internal/platform/db/dbtest"
	"github.com/radportal/radportal/internal/platform/inference"
)

func pgReport(patientID, token string) *Report {
	return &Report{
		ID:                uuid.New(),
		PatientID:         patientID,
		RadiologistID:     "rad-1",
		ClinicalNotes:     "cough",
		ImageData:         []byte{0x89, 'P', 'N', 'G'},
		ImageContentType:  "image/png",
		AIGeneratedReport: "AI narrative",
		FinalReport:       "AI narrative",
		PathologyResults: inference.PathologyMap{
			"Effusion": inference.NewFinding(0.8),
			"Mass":     inference.NewFinding(0.1),
		},
		SegmentationData: inference.Segmentation{
			"Effusion": {{RegionID: "r1", AnatomicalLocation: "left lower lobe", Confidence: 0.8, BoundingBox: [4]float64{0.1, 0.2, 0.3, 0.4}}},
		},
		Source:       SourceUpload,
		Status:       StatusDraft,
		PatientToken: token,
		Version:      1,
	}
}

func TestReportRepoPG_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	repo := NewReportRepoPG(dbtest.NewPool(t))

	r := pgReport("P-100", "tok-create")
	if err := repo.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
		t.Error("expected timestamps from the database")
	}

	byID, err := repo.GetByID(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	byToken, err := repo.GetByToken(ctx, "tok-create")
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if byID.ID != byToken.ID {
		t.Fatalf("id and token lookups disagree: %s vs %s", byID.ID, byToken.ID)
	}
	if !byID.PathologyResults["Effusion"].Detected || byID.PathologyResults["Mass"].Detected {
		t.Errorf("pathology not round-tripped: %+v", byID.PathologyResults)
	}
	if got := byID.SegmentationData["Effusion"]; len(got) != 1 || got[0].AnatomicalLocation != "left lower lobe" {
		t.Errorf("segmentation not round-tripped: %+v", byID.SegmentationData)
	}
	if string(byID.ImageData) != string(r.ImageData) {
		t.Error("image bytes not round-tripped")
	}
	if byID.FinalizedAt != nil {
		t.Error("draft should have no finalized_at")
	}
}

func TestReportRepoPG_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewReportRepoPG(dbtest.NewPool(t))

	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID: expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetByToken(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByToken: expected ErrNotFound, got %v", err)
	}
	if err := repo.Update(ctx, pgReport("P", "x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update: expected ErrNotFound, got %v", err)
	}
}

func TestReportRepoPG_TokenTaken(t *testing.T) {
	ctx := context.Background()
	repo := NewReportRepoPG(dbtest.NewPool(t))

	if err := repo.Create(ctx, pgReport("P-1", "dup")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Create(ctx, pgReport("P-2", "dup")); !errors.Is(err, ErrTokenTaken) {
		t.Fatalf("expected ErrTokenTaken, got %v", err)
	}
}

func TestReportRepoPG_UpdateLeavesWriteOnceColumns(t *testing.T) {
	ctx := context.Background()
	repo := NewReportRepoPG(dbtest.NewPool(t))

	r := pgReport("P-1", "tok-upd")
	if err := repo.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	changed := *r
	changed.FinalReport = "edited"
	changed.Status = StatusFinalized
	changed.FinalizedAt = &now
	changed.Version = 2
	changed.UpdatedAt = now
	changed.AIGeneratedReport = "tampered"
	changed.PatientToken = "tampered"
	changed.RadiologistID = "someone-else"
	if err := repo.Update(ctx, &changed); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := repo.GetByID(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.FinalReport != "edited" || got.Status != StatusFinalized || got.Version != 2 || got.FinalizedAt == nil {
		t.Errorf("mutable columns not written: %+v", got)
	}
	if got.AIGeneratedReport != "AI narrative" || got.PatientToken != "tok-upd" || got.RadiologistID != "rad-1" {
		t.Error("write-once columns must not change")
	}
}

func TestReportRepoPG_ListByPatient(t *testing.T) {
	ctx := context.Background()
	repo := NewReportRepoPG(dbtest.NewPool(t))

	for i, rad := range []string{"rad-1", "rad-2", "rad-1"} {
		r := pgReport("P-LIST", uuid.NewString())
		r.RadiologistID = rad
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	if err := repo.Create(ctx, pgReport("P-OTHER", uuid.NewString())); err != nil {
		t.Fatalf("Create other: %v", err)
	}

	tests := []struct {
		name        string
		radiologist string
		limit       int
		wantItems   int
		wantTotal   int
	}{
		{"all radiologists", "", 10, 3, 3},
		{"one radiologist", "rad-1", 10, 2, 2},
		{"paged", "", 2, 2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, total, err := repo.ListByPatient(ctx, "P-LIST", tt.radiologist, tt.limit, 0)
			if err != nil {
				t.Fatalf("ListByPatient: %v", err)
			}
			if len(items) != tt.wantItems || total != tt.wantTotal {
				t.Errorf("got %d items / total %d, want %d / %d", len(items), total, tt.wantItems, tt.wantTotal)
			}
			for i := 1; i < len(items); i++ {
				if items[i].CreatedAt.After(items[i-1].CreatedAt) {
					t.Error("expected newest first")
				}
			}
		})
	}
}

// Two clinicians race: one finalizes, the other edits. The row lock makes
// the outcome one of the two serial orders, never a finalized report whose
// text changed afterwards.
func TestService_ConcurrentFinalizeAndEdit(t *testing.T) {
	pool := dbtest.NewPool(t)
	svc := NewService(NewReportRepoPG(pool), db.NewTxRunner(pool), defaultProviders(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r := createReport(t, svc)

		var wg sync.WaitGroup
		var finalizeErr, editErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, finalizeErr = svc.Update(ctx, r.ID, radiologist, Patch{Status: strPtr("finalized")})
		}()
		go func() {
			defer wg.Done()
			_, editErr = svc.Update(ctx, r.ID, radiologist, Patch{FinalReport: strPtr("edited text")})
		}()
		wg.Wait()

		if finalizeErr != nil {
			t.Fatalf("finalize: %v", finalizeErr)
		}
		got, err := svc.Get(ctx, r.ID, radiologist)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != StatusFinalized {
			t.Fatalf("expected finalized, got %s", got.Status)
		}
		switch {
		case editErr == nil && got.FinalReport != "edited text":
			t.Fatalf("edit succeeded but text is %q", got.FinalReport)
		case errors.Is(editErr, ErrFinalized) && got.FinalReport != r.FinalReport:
			t.Fatalf("edit rejected but text changed to %q", got.FinalReport)
		case editErr != nil && !errors.Is(editErr, ErrFinalized):
			t.Fatalf("unexpected edit error: %v", editErr)
		}
	}
}
