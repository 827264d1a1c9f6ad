package auth

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when a principal is missing or is not allowed to
// perform an operation.
var ErrUnauthorized = errors.New("unauthorized")

// Principal identifies who is making a request. It has exactly two variants,
// Clinician and TokenHolder, and the set is closed: the unexported marker
// method keeps other packages from adding a third.
type Principal interface {
	principal()
	String() string
}

// Clinician is an authenticated user resolved from a validated bearer token.
type Clinician struct {
	ID    string
	Roles []string
}

func (Clinician) principal() {}

func (c Clinician) String() string { return "clinician:" + c.ID }

// HasRole reports whether the clinician carries the role, or admin.
func (c Clinician) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// TokenHolder is an anonymous caller presenting a patient access token. The
// token is never validated here; possession is the only credential.
type TokenHolder struct {
	Token string
}

func (TokenHolder) principal() {}

func (t TokenHolder) String() string { return "token:" + Fingerprint(t.Token) }

// Operation names an action guarded by the authorization layer.
type Operation string

const (
	OpCreateReport   Operation = "report.create"
	OpReadReport     Operation = "report.read"
	OpUpdateReport   Operation = "report.update"
	OpExportReport   Operation = "report.export"
	OpImportReport   Operation = "report.import"
	OpPatientHistory Operation = "patient.history"
	OpManagePatients Operation = "patient.write"
	OpReadByToken    Operation = "public.read"
	OpChatByToken    Operation = "public.chat"
)

var clinicianOps = map[Operation]bool{
	OpCreateReport:   true,
	OpReadReport:     true,
	OpUpdateReport:   true,
	OpExportReport:   true,
	OpImportReport:   true,
	OpPatientHistory: true,
	OpManagePatients: true,
}

var tokenOps = map[Operation]bool{
	OpReadByToken: true,
	OpChatByToken: true,
}

// Authorize decides whether p may perform op. Clinicians and token holders
// have disjoint grants: no operation is open to both.
func Authorize(p Principal, op Operation) error {
	switch v := p.(type) {
	case Clinician:
		if v.ID == "" {
			return fmt.Errorf("%w: anonymous clinician", ErrUnauthorized)
		}
		if clinicianOps[op] {
			return nil
		}
	case TokenHolder:
		if v.Token == "" {
			return fmt.Errorf("%w: empty token", ErrUnauthorized)
		}
		if tokenOps[op] {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not %s", ErrUnauthorized, describe(p), op)
}

func describe(p Principal) string {
	if p == nil {
		return "nobody"
	}
	switch p.(type) {
	case Clinician:
		return "clinician"
	case TokenHolder:
		return "token holder"
	}
	return "unknown principal"
}
