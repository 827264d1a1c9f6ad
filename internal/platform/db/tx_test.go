package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
	if q := ConnFromContext(context.Background()); q != nil {
		t.Error("expected nil querier from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tokenErr := &pgconn.PgError{Code: "23505", ConstraintName: "report_patient_token_key"}
	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{"any unique violation", tokenErr, "", true},
		{"matching constraint", tokenErr, "report_patient_token_key", true},
		{"wrapped", fmt.Errorf("insert report: %w", tokenErr), "report_patient_token_key", true},
		{"other constraint", tokenErr, "patient_patient_id_key", false},
		{"other code", &pgconn.PgError{Code: "23503"}, "", false},
		{"plain error", errors.New("boom"), "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err, tt.constraint); got != tt.want {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}
