// internal/directory/implementation.go
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"clubpass/internal/identity"
)

var validate = validator.New()

// service implements the Service interface.
type service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService creates a new directory service instance.
func NewService(db *sql.DB) Service {
	return &service{
		db:  db,
		now: time.Now,
	}
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const clubColumns = "id, name, manager_id, status, membership_fee, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanClub(row scanner) (*Club, error) {
	c := &Club{}
	err := row.Scan(&c.ID, &c.Name, &c.ManagerID, &c.Status, &c.MembershipFee, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

const eventColumns = "id, club_id, title, fee, starts_at, created_at, updated_at"

func scanEvent(row scanner) (*Event, error) {
	e := &Event{}
	err := row.Scan(&e.ID, &e.ClubID, &e.Title, &e.Fee, &e.StartsAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetClub retrieves a club by its ID.
func (s *service) GetClub(ctx context.Context, id uuid.UUID) (*Club, error) {
	c, err := scanClub(s.db.QueryRowContext(ctx, `SELECT `+clubColumns+` FROM clubs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("club %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get club: %w", err)
	}
	return c, nil
}

// GetEvent retrieves a club event by its ID.
func (s *service) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM club_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (s *service) GetClubsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Club, error) {
	out := make(map[uuid.UUID]Club, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+clubColumns+` FROM clubs WHERE id = ANY($1::uuid[])`, pq.Array(idStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("failed to query clubs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanClub(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan club: %w", err)
		}
		out[c.ID] = *c
	}
	return out, rows.Err()
}

func (s *service) GetEventsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Event, error) {
	out := make(map[uuid.UUID]Event, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM club_events WHERE id = ANY($1::uuid[])`, pq.Array(idStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out[e.ID] = *e
	}
	return out, rows.Err()
}

// CreateClub registers a club managed by the caller. New clubs start pending
// and cannot be joined until an admin approves them.
func (s *service) CreateClub(ctx context.Context, actor identity.Actor, in CreateClubInput) (*Club, error) {
	if !actor.CanManageAny() {
		return nil, identity.ErrForbidden
	}
	if err := validate.Struct(in); err != nil {
		return nil, invalid(err)
	}

	now := s.now().UTC()
	club := &Club{
		ID:            uuid.New(),
		Name:          strings.TrimSpace(in.Name),
		ManagerID:     actor.UserID,
		Status:        ClubPending,
		MembershipFee: in.MembershipFee,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	query := `
		INSERT INTO clubs (id, name, manager_id, status, membership_fee, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query, club.ID, club.Name, club.ManagerID, club.Status, club.MembershipFee, club.CreatedAt, club.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert club: %w", err)
	}
	return club, nil
}

// ApproveClub opens a pending club for membership. Admin only.
func (s *service) ApproveClub(ctx context.Context, actor identity.Actor, id uuid.UUID) (*Club, error) {
	if !actor.IsAdmin() {
		return nil, identity.ErrForbidden
	}

	query := `
		UPDATE clubs
		SET status = $1, updated_at = $2
		WHERE id = $3
		RETURNING ` + clubColumns
	c, err := scanClub(s.db.QueryRowContext(ctx, query, ClubApproved, s.now().UTC(), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("club %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to approve club: %w", err)
	}
	return c, nil
}

// CreateEvent adds an event to a club the caller manages.
func (s *service) CreateEvent(ctx context.Context, actor identity.Actor, in CreateEventInput) (*Event, error) {
	if err := validate.Struct(in); err != nil {
		return nil, invalid(err)
	}
	club, err := s.GetClub(ctx, in.ClubID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(club.ManagerID) {
		return nil, identity.ErrForbidden
	}

	now := s.now().UTC()
	event := &Event{
		ID:        uuid.New(),
		ClubID:    club.ID,
		Title:     strings.TrimSpace(in.Title),
		Fee:       in.Fee,
		StartsAt:  in.StartsAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO club_events (id, club_id, title, fee, starts_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query, event.ID, event.ClubID, event.Title, event.Fee, event.StartsAt, event.CreatedAt, event.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	return event, nil
}

// RegisterUser creates a user record with the member role.
func (s *service) RegisterUser(ctx context.Context, in RegisterUserInput) (*User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validate.Struct(in); err != nil {
		return nil, invalid(err)
	}

	user := &User{
		ID:        uuid.New(),
		Email:     in.Email,
		Name:      strings.TrimSpace(in.Name),
		Role:      string(identity.RoleMember),
		CreatedAt: s.now().UTC(),
	}

	query := `
		INSERT INTO users (id, email, name, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Email, user.Name, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}
