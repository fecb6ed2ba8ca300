// internal/directory/domain.go
package directory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("directory: not found")
	ErrEmailTaken   = errors.New("directory: email already registered")
	ErrInvalidInput = errors.New("directory: invalid input")
)

type ClubStatus string

const (
	ClubPending  ClubStatus = "pending"
	ClubApproved ClubStatus = "approved"
	ClubRejected ClubStatus = "rejected"
)

// Club is a joinable group. Only approved clubs accept members.
type Club struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	ManagerID     string     `json:"manager_id"`
	Status        ClubStatus `json:"status"`
	MembershipFee int64      `json:"membership_fee"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Event is a one-off gathering hosted by a club.
type Event struct {
	ID        uuid.UUID `json:"id"`
	ClubID    uuid.UUID `json:"club_id"`
	Title     string    `json:"title"`
	Fee       int64     `json:"fee"`
	StartsAt  time.Time `json:"starts_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateClubInput struct {
	Name          string `json:"name" validate:"required,max=200"`
	MembershipFee int64  `json:"membership_fee" validate:"gte=0"`
}

type CreateEventInput struct {
	ClubID   uuid.UUID `json:"-" validate:"required"`
	Title    string    `json:"title" validate:"required,max=200"`
	Fee      int64     `json:"fee" validate:"gte=0"`
	StartsAt time.Time `json:"starts_at" validate:"required"`
}

type RegisterUserInput struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"max=200"`
}
