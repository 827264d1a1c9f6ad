package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/radportal/radportal/internal/platform/auth"
)

// -- Mock Repository --

type mockUserRepo struct {
	users map[uuid.UUID]*User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[uuid.UUID]*User)}
}

func (m *mockUserRepo) Create(_ context.Context, u *User) error {
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now()
	m.users[u.ID] = u
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

var testJWT = auth.JWTConfig{
	Issuer:     "radportal-test",
	SigningKey: []byte("0123456789abcdef0123456789abcdef"),
	TTL:        time.Hour,
}

func newTestService() (*Service, *mockUserRepo) {
	repo := newMockUserRepo()
	svc := NewService(repo, auth.NewTokenIssuer(testJWT), zerolog.Nop())
	svc.SetHashCost(bcrypt.MinCost)
	return svc, repo
}

func validRegistration() RegisterInput {
	return RegisterInput{Email: "Dr.House@Example.org ", Password: "correct horse", FullName: "Greg House"}
}

func TestRegister(t *testing.T) {
	svc, repo := newTestService()
	sess, err := svc.Register(context.Background(), validRegistration())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if sess.TokenType != "bearer" || sess.AccessToken == "" {
		t.Errorf("unexpected session %+v", sess)
	}
	if sess.User.Email != "dr.house@example.org" {
		t.Errorf("email not normalized: %q", sess.User.Email)
	}
	if sess.User.Role != auth.RoleRadiologist {
		t.Errorf("expected default role radiologist, got %q", sess.User.Role)
	}

	stored := repo.users[sess.User.ID]
	if stored.PasswordHash == "correct horse" || bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("correct horse")) != nil {
		t.Error("password must be stored as a bcrypt hash")
	}

	clinician, err := auth.NewTokenIssuer(testJWT).Parse(sess.AccessToken)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if clinician.ID != sess.User.ID.String() || !clinician.HasRole(auth.RoleRadiologist) {
		t.Errorf("unexpected clinician %+v", clinician)
	}
}

func TestRegister_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegisterInput)
	}{
		{"bad email", func(in *RegisterInput) { in.Email = "not-an-email" }},
		{"display name email", func(in *RegisterInput) { in.Email = "Greg <greg@example.org>" }},
		{"short password", func(in *RegisterInput) { in.Password = "short" }},
		{"long password", func(in *RegisterInput) { in.Password = strings.Repeat("p", 73) }},
		{"missing name", func(in *RegisterInput) { in.FullName = "  " }},
		{"self-registered admin", func(in *RegisterInput) { in.Role = auth.RoleAdmin }},
		{"unknown role", func(in *RegisterInput) { in.Role = "patient" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newTestService()
			in := validRegistration()
			tt.mutate(&in)
			if _, err := svc.Register(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if len(repo.users) != 0 {
				t.Error("no user should be stored")
			}
		})
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Register(context.Background(), validRegistration()); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	in := validRegistration()
	in.Email = "DR.HOUSE@example.org"
	if _, err := svc.Register(context.Background(), in); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestCreateUser_Admin(t *testing.T) {
	svc, _ := newTestService()
	in := validRegistration()
	in.Role = auth.RoleAdmin
	u, err := svc.CreateUser(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Role != auth.RoleAdmin {
		t.Errorf("expected admin, got %s", u.Role)
	}
}

func TestLogin(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Register(context.Background(), validRegistration()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sess, err := svc.Login(context.Background(), LoginInput{Email: "dr.house@example.org", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.AccessToken == "" || sess.ExpiresAt.IsZero() {
		t.Errorf("unexpected session %+v", sess)
	}

	tests := []struct {
		name string
		in   LoginInput
	}{
		{"wrong password", LoginInput{Email: "dr.house@example.org", Password: "wrong horse"}},
		{"unknown email", LoginInput{Email: "nobody@example.org", Password: "correct horse"}},
		{"malformed email", LoginInput{Email: "???", Password: "correct horse"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Login(context.Background(), tt.in)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
			if err.Error() != ErrInvalidCredentials.Error() {
				t.Errorf("message %q should not reveal the cause", err.Error())
			}
		})
	}
}
