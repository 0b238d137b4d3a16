// internal/membership/domain.go
package membership

import (
	"time"

	"github.com/google/uuid"
)

// Patron is a library member or administrator.
type Patron struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Email          string    `json:"email" db:"email"`
	Username       string    `json:"username" db:"username"`
	PasswordHash   string    `json:"-" db:"hashed_password"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	IsSuperuser    bool      `json:"is_superuser" db:"is_superuser"`
	MembershipDate time.Time `json:"membership_date" db:"membership_date"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// RegisterInput is a public self-registration.
type RegisterInput struct {
	Name     string `json:"name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Username string `json:"username" validate:"required,min=3,max=50,alphanum"`
	Password string `json:"password" validate:"required,min=8,max=1024"`
}

// CreateUserInput is an administrator creating an account with explicit flags.
type CreateUserInput struct {
	RegisterInput
	IsActive    *bool `json:"is_active,omitempty"`
	IsSuperuser bool  `json:"is_superuser"`
}

// UpdatePatronInput changes only the fields that are set. IsActive and
// IsSuperuser are reserved to administrators.
type UpdatePatronInput struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Email       *string `json:"email,omitempty" validate:"omitempty,email,max=255"`
	Username    *string `json:"username,omitempty" validate:"omitempty,min=3,max=50,alphanum"`
	Password    *string `json:"password,omitempty" validate:"omitempty,min=8,max=1024"`
	IsActive    *bool   `json:"is_active,omitempty"`
	IsSuperuser *bool   `json:"is_superuser,omitempty"`
}

func (in UpdatePatronInput) changesPrivileges() bool {
	return in.IsActive != nil || in.IsSuperuser != nil
}

// Ledger event types recorded for membership changes.
const (
	EventPatronRegistered = "PatronRegistered"
	EventPatronUpdated    = "PatronUpdated"
	EventPatronRemoved    = "PatronRemoved"
)

type PatronRegisteredEvent struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	IsSuperuser bool      `json:"is_superuser"`
}

type PatronUpdatedEvent struct {
	ID          uuid.UUID `json:"id"`
	Fields      []string  `json:"fields"`
	IsActive    bool      `json:"is_active"`
	IsSuperuser bool      `json:"is_superuser"`
}

type PatronRemovedEvent struct {
	ID uuid.UUID `json:"id"`
}
