// internal/directory/service.go
package directory

import (
	"context"

	"github.com/google/uuid"

	"clubpass/internal/identity"
)

// Service defines the interface for the club directory.
type Service interface {
	GetClub(ctx context.Context, id uuid.UUID) (*Club, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
	// GetClubsByIDs batch-loads clubs. Unknown ids are absent from the result.
	GetClubsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Club, error)
	GetEventsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Event, error)

	CreateClub(ctx context.Context, actor identity.Actor, in CreateClubInput) (*Club, error)
	ApproveClub(ctx context.Context, actor identity.Actor, id uuid.UUID) (*Club, error)
	CreateEvent(ctx context.Context, actor identity.Actor, in CreateEventInput) (*Event, error)

	RegisterUser(ctx context.Context, in RegisterUserInput) (*User, error)
}
