// internal/membership/implementation.go
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/config"
	"github.com/jules-labs/library-backend/internal/database"
	"github.com/jules-labs/library-backend/internal/eventstore"
	"github.com/jules-labs/library-backend/internal/httpx"
	"github.com/jules-labs/library-backend/internal/validation"
)

const aggregatePatron = "patron"

var (
	dialect       = goqu.Dialect("postgres")
	patronColumns = []any{
		"id", "name", "email", "username", "hashed_password", "is_active", "is_superuser",
		"membership_date", "created_at", "updated_at",
	}
)

// service implements the Service interface.
type service struct {
	db           *sqlx.DB
	eventStore   *eventstore.EventStore
	validate     *validation.Validator
	registration *rate.Limiter
	logins       *keyedLimiter
}

// NewService creates a new membership service instance.
func NewService(db *sqlx.DB, es *eventstore.EventStore, v *validation.Validator, cfg config.AuthConfig) Service {
	limit, burst := perMinute(cfg.RegisterRatePerMinute, defaultRegistrationsPerMinute)
	return &service{
		db:           db,
		eventStore:   es,
		validate:     v,
		registration: rate.NewLimiter(limit, burst),
		logins:       newKeyedLimiter(cfg.LoginRatePerMinute),
	}
}

// Register creates an active member account.
func (s *service) Register(ctx context.Context, in RegisterInput) (*Patron, error) {
	if !s.registration.Allow() {
		return nil, apperr.ErrRateLimited
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}
	return s.insert(ctx, nil, in, true, false)
}

// CreateUser lets an administrator create an account with explicit flags.
func (s *service) CreateUser(ctx context.Context, p *auth.Principal, in CreateUserInput) (*Patron, error) {
	if err := auth.Authorize(p, auth.ActionPatronCreate, uuid.Nil).Err(); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return s.insert(ctx, p, in.RegisterInput, active, in.IsSuperuser)
}

func (s *service) insert(ctx context.Context, actor *auth.Principal, in RegisterInput, active, superuser bool) (*Patron, error) {
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, apperr.Invalid("%v", err)
	}

	patron := &Patron{}
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, patron, `
			INSERT INTO patrons (id, name, email, username, hashed_password, is_active, is_superuser)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, name, email, username, hashed_password, is_active, is_superuser, membership_date, created_at, updated_at
		`, uuid.New(), strings.TrimSpace(in.Name), normalizeEmail(in.Email), strings.TrimSpace(in.Username), hash, active, superuser)
		if err != nil {
			return mapPatronError(err)
		}

		actorID := patron.ID
		if actor != nil {
			actorID = actor.PatronID
		}
		return s.record(ctx, tx, patron.ID, EventPatronRegistered, PatronRegisteredEvent{
			ID: patron.ID, Username: patron.Username, IsSuperuser: patron.IsSuperuser,
		}, actorID)
	})
	if err != nil {
		return nil, err
	}
	return patron, nil
}

// Authenticate verifies a username and password. Unknown usernames and
// wrong passwords fail identically.
func (s *service) Authenticate(ctx context.Context, username, password string) (*Patron, error) {
	username = strings.TrimSpace(username)
	if !s.logins.Allow(strings.ToLower(username)) {
		return nil, apperr.ErrRateLimited
	}

	patron, err := s.getBy(ctx, "username", username)
	if err != nil {
		if apperr.CodeOf(err) != apperr.CodeNotFound {
			return nil, err
		}
		// Burn the same hashing time as a real check.
		_, _ = auth.VerifyPassword(password, dummyHash())
		return nil, apperr.Unauthorized("incorrect username or password")
	}

	ok, err := auth.VerifyPassword(password, patron.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return nil, apperr.Unauthorized("incorrect username or password")
	}
	if !patron.IsActive {
		return nil, apperr.Forbidden("inactive user")
	}
	return patron, nil
}

// GetPatron retrieves a patron by their ID.
func (s *service) GetPatron(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Patron, error) {
	if err := auth.Authorize(p, auth.ActionPatronRead, id).Err(); err != nil {
		return nil, err
	}
	return s.getBy(ctx, "id", id.String())
}

func (s *service) ListPatrons(ctx context.Context, p *auth.Principal, page httpx.Page) ([]*Patron, error) {
	if err := auth.Authorize(p, auth.ActionPatronList, uuid.Nil).Err(); err != nil {
		return nil, err
	}
	if err := page.Validate(); err != nil {
		return nil, err
	}

	query, args, err := dialect.From("patrons").
		Select(patronColumns...).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		Offset(uint(page.Skip)).
		Limit(uint(page.Limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build patron query: %w", err)
	}

	patrons := []*Patron{}
	if err := s.db.SelectContext(ctx, &patrons, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list patrons: %w", err)
	}
	return patrons, nil
}

// UpdatePatron applies the set fields of in to patron id.
func (s *service) UpdatePatron(ctx context.Context, p *auth.Principal, id uuid.UUID, in UpdatePatronInput) (*Patron, error) {
	if err := auth.Authorize(p, auth.ActionPatronUpdate, id).Err(); err != nil {
		return nil, err
	}
	if in.changesPrivileges() {
		if err := auth.Authorize(p, auth.ActionPatronPrivileges, id).Err(); err != nil {
			return nil, err
		}
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	rec := goqu.Record{"updated_at": goqu.L("NOW()")}
	var fields []string
	set := func(col string, v any) {
		rec[col] = v
		fields = append(fields, col)
	}
	if in.Name != nil {
		set("name", strings.TrimSpace(*in.Name))
	}
	if in.Email != nil {
		set("email", normalizeEmail(*in.Email))
	}
	if in.Username != nil {
		set("username", strings.TrimSpace(*in.Username))
	}
	if in.Password != nil {
		hash, err := auth.HashPassword(*in.Password)
		if err != nil {
			return nil, apperr.Invalid("%v", err)
		}
		set("hashed_password", hash)
	}
	if in.IsActive != nil {
		set("is_active", *in.IsActive)
	}
	if in.IsSuperuser != nil {
		set("is_superuser", *in.IsSuperuser)
	}
	if len(fields) == 0 {
		return s.getBy(ctx, "id", id.String())
	}

	query, args, err := dialect.Update("patrons").
		Set(rec).
		Where(goqu.C("id").Eq(id.String())).
		Returning(patronColumns...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build patron update: %w", err)
	}

	patron := &Patron{}
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, patron, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("patron not found")
			}
			return mapPatronError(err)
		}
		return s.record(ctx, tx, id, EventPatronUpdated, PatronUpdatedEvent{
			ID: id, Fields: fields, IsActive: patron.IsActive, IsSuperuser: patron.IsSuperuser,
		}, p.PatronID)
	})
	if err != nil {
		return nil, err
	}
	return patron, nil
}

// DeletePatron removes an account without checkout history. Accounts with
// history can only be deactivated.
func (s *service) DeletePatron(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	if err := auth.Authorize(p, auth.ActionPatronDelete, id).Err(); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var locked uuid.UUID
		if err := tx.GetContext(ctx, &locked, `SELECT id FROM patrons WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("patron not found")
			}
			return fmt.Errorf("failed to lock patron: %w", err)
		}

		var history bool
		if err := tx.GetContext(ctx, &history, `SELECT EXISTS (SELECT 1 FROM checkouts WHERE patron_id = $1)`, id); err != nil {
			return fmt.Errorf("failed to check checkout history: %w", err)
		}
		if history {
			return apperr.Conflict("patron has checkout history; deactivate the account instead")
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM patrons WHERE id = $1`, id); err != nil {
			return database.MapError(err, "patron")
		}
		return s.record(ctx, tx, id, EventPatronRemoved, PatronRemovedEvent{ID: id}, p.PatronID)
	})
}

// LookupAccount implements auth.AccountLookup.
func (s *service) LookupAccount(ctx context.Context, id uuid.UUID) (*auth.Account, error) {
	var row struct {
		ID          uuid.UUID `db:"id"`
		Username    string    `db:"username"`
		IsActive    bool      `db:"is_active"`
		IsSuperuser bool      `db:"is_superuser"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT id, username, is_active, is_superuser FROM patrons WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("patron not found")
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	return &auth.Account{ID: row.ID, Username: row.Username, IsActive: row.IsActive, IsSuperuser: row.IsSuperuser}, nil
}

func (s *service) getBy(ctx context.Context, column, value string) (*Patron, error) {
	query, args, err := dialect.From("patrons").
		Select(patronColumns...).
		Where(goqu.C(column).Eq(value)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build patron query: %w", err)
	}

	patron := &Patron{}
	if err := s.db.GetContext(ctx, patron, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("patron not found")
		}
		return nil, fmt.Errorf("failed to get patron: %w", err)
	}
	return patron, nil
}

func (s *service) record(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, eventType string, data any, actor uuid.UUID) error {
	e, err := eventstore.NewEvent(eventType, data, map[string]string{"actor": actor.String()})
	if err != nil {
		return err
	}
	if err := s.eventStore.Append(ctx, tx, id, aggregatePatron, eventstore.AnyVersion, e); err != nil {
		return fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	return nil
}

func (s *service) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func mapPatronError(err error) error {
	switch database.Constraint(err) {
	case "patrons_email_key":
		return apperr.Conflict("email already registered")
	case "patrons_username_key":
		return apperr.Conflict("username already taken")
	}
	return database.MapError(err, "patron")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var (
	dummyOnce sync.Once
	dummy     string
)

func dummyHash() string {
	dummyOnce.Do(func() {
		dummy, _ = auth.HashPassword("not-a-real-password")
	})
	return dummy
}
