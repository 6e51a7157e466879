package service

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks EventStore,RegistrationStore,CitizenDirectory

import (
	"context"
	"time"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

// EventStore persists gift events. ReserveSlot and ReleaseSlot are the only
// writers of SlotsRemaining outside the capacity recompute in Update.
type EventStore interface {
	Create(ctx context.Context, event *model.Event) error
	GetByID(ctx context.Context, id string) (*model.Event, error)
	List(ctx context.Context, filter model.EventFilter, page model.Pagination) ([]model.Event, int, error)
	Update(ctx context.Context, id string, req model.UpdateEventRequest, now time.Time) (*model.Event, error)
	SetStatus(ctx context.Context, id string, status model.EventStatus, now time.Time) (*model.Event, error)
	Delete(ctx context.Context, id string) error
	ReserveSlot(ctx context.Context, id string, now time.Time) (*model.Event, error)
	ReleaseSlot(ctx context.Context, id string, now time.Time) error
	ExpireEnded(ctx context.Context, now time.Time) ([]model.Event, error)
}

// RegistrationStore is the registration ledger.
type RegistrationStore interface {
	FindActive(ctx context.Context, eventID, citizenID string) (*model.Registration, error)
	Insert(ctx context.Context, reg *model.Registration) error
	GetByID(ctx context.Context, id string) (*model.Registration, error)
	GetByToken(ctx context.Context, token string) (*model.Registration, error)
	MarkReceived(ctx context.Context, token, performedBy string, at time.Time) (*model.Registration, error)
	Cancel(ctx context.Context, id string, at time.Time) (*model.Registration, error)
	ListByEvent(ctx context.Context, eventID string, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error)
	ListByCitizen(ctx context.Context, citizenID string, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error)
}

// CitizenDirectory reads citizen profiles from the registry. A missing
// citizen is (nil, nil).
type CitizenDirectory interface {
	GetCitizenWithHousehold(ctx context.Context, citizenID string) (*model.CitizenProfile, error)
}
