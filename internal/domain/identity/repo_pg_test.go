package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/radportal/radportal/internal/platform/auth"
	"github.com/radportal/radportal/internal/platform/db/dbtest"
)

func TestUserRepoPG(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepoPG(dbtest.NewPool(t))

	u := &User{Email: "pg@example.org", PasswordHash: "hash", FullName: "PG User", Role: auth.RoleRadiologist}
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == uuid.Nil || u.CreatedAt.IsZero() {
		t.Errorf("expected id and created_at, got %+v", u)
	}

	byEmail, err := repo.GetByEmail(ctx, "pg@example.org")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	byID, err := repo.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if byEmail.ID != byID.ID || byID.PasswordHash != "hash" {
		t.Errorf("lookups disagree: %+v vs %+v", byEmail, byID)
	}

	dup := &User{Email: "pg@example.org", PasswordHash: "x", FullName: "Other", Role: auth.RoleRadiologist}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}
	if _, err := repo.GetByEmail(ctx, "nobody@example.org"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_RegisterAndLoginPG(t *testing.T) {
	svc := NewService(NewUserRepoPG(dbtest.NewPool(t)), auth.NewTokenIssuer(testJWT), zerolog.Nop())
	svc.SetHashCost(bcrypt.MinCost)
	ctx := context.Background()

	if _, err := svc.Register(ctx, validRegistration()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, validRegistration()); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken on second register, got %v", err)
	}
	sess, err := svc.Login(ctx, LoginInput{Email: "dr.house@example.org", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	me, err := svc.Me(ctx, sess.User.ID)
	if err != nil || me.Email != "dr.house@example.org" {
		t.Fatalf("Me: %v %+v", err, me)
	}
}
