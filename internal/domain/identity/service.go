package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/radportal/radportal/internal/platform/auth"
)

const (
	minPasswordLen = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordBytes = 72
	maxNameLen       = 255
)

var validRoles = map[string]bool{
	auth.RoleRadiologist: true,
	auth.RoleAdmin:       true,
}

type Service struct {
	users  UserRepository
	issuer *auth.TokenIssuer
	cost   int
	logger zerolog.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

func NewService(users UserRepository, issuer *auth.TokenIssuer, logger zerolog.Logger) *Service {
	return &Service{
		users:  users,
		issuer: issuer,
		cost:   bcrypt.DefaultCost,
		logger: logger.With().Str("component", "identity").Logger(),
	}
}

// SetHashCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *Service) SetHashCost(cost int) {
	s.cost = cost
}

// Register creates a radiologist account and signs the user in. Admin
// accounts cannot be self-registered; see CreateUser.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	if in.Role == "" {
		in.Role = auth.RoleRadiologist
	}
	if in.Role != auth.RoleRadiologist {
		return nil, fmt.Errorf("%w: role must be %s", ErrInvalidInput, auth.RoleRadiologist)
	}
	u, err := s.CreateUser(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.session(u)
}

// CreateUser validates and stores a user with any known role.
func (s *Service) CreateUser(ctx context.Context, in RegisterInput) (*User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.FullName)
	if name == "" || utf8.RuneCountInString(name) > maxNameLen {
		return nil, fmt.Errorf("%w: full_name is required and must be at most %d characters", ErrInvalidInput, maxNameLen)
	}
	if !validRoles[in.Role] {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	if len(in.Password) < minPasswordLen || len(in.Password) > maxPasswordBytes {
		return nil, fmt.Errorf("%w: password must be %d to %d bytes", ErrInvalidInput, minPasswordLen, maxPasswordBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		FullName:     name,
		Role:         in.Role,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("role", u.Role).Msg("user registered")
	return u, nil
}

// Login checks the password and issues an access token. Unknown emails still
// pay for a bcrypt comparison so timing does not reveal which emails exist.
func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(in.Password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)); err != nil {
		s.logger.Info().Str("user_id", u.ID.String()).Msg("login failed")
		return nil, ErrInvalidCredentials
	}
	return s.session(u)
}

func (s *Service) Me(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *Service) session(u *User) (*Session, error) {
	token, exp, err := s.issuer.Issue(u.ID.String(), u.Email, u.Roles())
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: token, TokenType: "bearer", ExpiresAt: exp, User: u}, nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("radportal-dummy-password"), s.cost)
	})
	return s.dummyHash
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return email, nil
}
