// Package repository implements all PostgreSQL queries for gift events and
// registrations. It uses pgx directly (no ORM).
//
// The memory and sqlite subpackages implement the same contracts and return
// the sentinel errors declared here.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

// Constraint names declared in the postgres migrations.
const (
	ConstraintActivePair = "gift_registrations_active_pair_idx"
	ConstraintToken      = "gift_registrations_qr_code_key"
)

const pgUniqueViolation = "23505"

const eventColumns = `id, title, description, type, start_date, end_date,
	slots_total, slots_remaining, conditions, status, created_by, created_at, updated_at`

const registrationColumns = `id, event_id, citizen_id, qr_code, status, registered_at,
	received_at, received_by, cancelled_at, note`

type rowScanner interface {
	Scan(dest ...any) error
}

// ─── Events ───────────────────────────────────────────────────────────────────

// EventRepository handles persistence for gift events.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a new event. An empty ID is replaced by a generated UUID.
func (r *EventRepository) Create(ctx context.Context, event *model.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	cond, err := json.Marshal(event.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO gift_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		event.ID, event.Title, event.Description, event.Type, event.StartDate, event.EndDate,
		event.SlotsTotal, event.SlotsRemaining, cond, string(event.Status), event.CreatedBy,
		event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetByID returns a single event or ErrNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	ev, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM gift_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// List returns events ordered by creation time descending, with the total
// number of events matching the filter.
func (r *EventRepository) List(ctx context.Context, filter model.EventFilter, page model.Pagination) ([]model.Event, int, error) {
	var status *string
	if filter.Status != "" {
		s := string(filter.Status)
		status = &s
	}

	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM gift_events WHERE ($1::text IS NULL OR status = $1)`, status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM gift_events
		 WHERE ($1::text IS NULL OR status = $1)
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		status, limitArg(page), page.Offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, total, rows.Err()
}

// Update applies a partial update in a single statement. When SlotsTotal
// changes, slots_remaining moves by the same difference, clamped to
// [0, new total].
func (r *EventRepository) Update(ctx context.Context, id string, req model.UpdateEventRequest, now time.Time) (*model.Event, error) {
	var cond []byte
	if req.Conditions != nil {
		b, err := json.Marshal(req.Conditions)
		if err != nil {
			return nil, fmt.Errorf("encode conditions: %w", err)
		}
		cond = b
	}

	ev, err := scanEvent(r.db.QueryRow(ctx,
		`UPDATE gift_events SET
			title = COALESCE($2, title),
			description = COALESCE($3, description),
			type = COALESCE($4, type),
			start_date = COALESCE($5, start_date),
			end_date = COALESCE($6, end_date),
			conditions = COALESCE($7::jsonb, conditions),
			slots_remaining = CASE WHEN $8::int IS NULL THEN slots_remaining
				ELSE GREATEST(0, LEAST($8::int, slots_remaining + ($8::int - slots_total))) END,
			slots_total = COALESCE($8::int, slots_total),
			updated_at = $9
		 WHERE id = $1
		 RETURNING `+eventColumns,
		id, req.Title, req.Description, req.Type, req.StartDate, req.EndDate, cond, req.SlotsTotal, now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update event: %w", err)
	}
	return ev, nil
}

// SetStatus changes the event status and returns the updated event.
func (r *EventRepository) SetStatus(ctx context.Context, id string, status model.EventStatus, now time.Time) (*model.Event, error) {
	ev, err := scanEvent(r.db.QueryRow(ctx,
		`UPDATE gift_events SET status = $2, updated_at = $3 WHERE id = $1 RETURNING `+eventColumns,
		id, string(status), now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("set event status: %w", err)
	}
	return ev, nil
}

// Delete removes an event that has no registrations. It returns ErrConflict
// when registrations exist and ErrNotFound when the event does not.
func (r *EventRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM gift_events e
		 WHERE e.id = $1
		   AND NOT EXISTS (SELECT 1 FROM gift_registrations g WHERE g.event_id = e.id)`,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: event has registrations", ErrConflict)
}

// ReserveSlot atomically takes one slot from an OPEN event.
//
// ─────────────────────────────────────────────────────────────────────────────
// OVERSELLING
// ─────────────────────────────────────────────────────────────────────────────
//
// Read-then-write in application code (BROKEN):
//
//	caller A: SELECT slots_remaining → 1
//	caller B: SELECT slots_remaining → 1
//	caller A: UPDATE slots_remaining = 0
//	caller B: UPDATE slots_remaining = 0
//	Result: two registrations for one slot.
//
// The guard and the decrement are one statement here, so Postgres re-checks
// slots_remaining > 0 against the latest committed row version for every
// caller. Losers match zero rows and get ErrSlotUnavailable.
// ─────────────────────────────────────────────────────────────────────────────
func (r *EventRepository) ReserveSlot(ctx context.Context, id string, now time.Time) (*model.Event, error) {
	ev, err := scanEvent(r.db.QueryRow(ctx,
		`UPDATE gift_events
		 SET slots_remaining = slots_remaining - 1, updated_at = $2
		 WHERE id = $1 AND status = 'OPEN' AND slots_remaining > 0
		 RETURNING `+eventColumns,
		id, now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotUnavailable
		}
		return nil, fmt.Errorf("reserve slot: %w", err)
	}
	return ev, nil
}

// ReleaseSlot gives one slot back to the event unconditionally.
func (r *EventRepository) ReleaseSlot(ctx context.Context, id string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE gift_events SET slots_remaining = slots_remaining + 1, updated_at = $2 WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireEnded marks every OPEN event whose end date is before now as EXPIRED
// and returns the events it changed.
func (r *EventRepository) ExpireEnded(ctx context.Context, now time.Time) ([]model.Event, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE gift_events SET status = 'EXPIRED', updated_at = $1
		 WHERE status = 'OPEN' AND end_date < $1
		 RETURNING `+eventColumns,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("expire events: %w", err)
	}
	defer rows.Close()

	var expired []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		expired = append(expired, *ev)
	}
	return expired, rows.Err()
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var (
		e      model.Event
		cond   []byte
		status string
	)
	if err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Type, &e.StartDate, &e.EndDate,
		&e.SlotsTotal, &e.SlotsRemaining, &cond, &status, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = model.EventStatus(status)
	if len(cond) > 0 {
		if err := json.Unmarshal(cond, &e.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return &e, nil
}

// ─── Registrations ────────────────────────────────────────────────────────────

// RegistrationRepository handles persistence for registrations.
type RegistrationRepository struct {
	db *pgxpool.Pool
}

// NewRegistrationRepository constructs a RegistrationRepository.
func NewRegistrationRepository(db *pgxpool.Pool) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// FindActive returns the non-cancelled registration for the pair or ErrNotFound.
func (r *RegistrationRepository) FindActive(ctx context.Context, eventID, citizenID string) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx,
		`SELECT `+registrationColumns+`
		 FROM gift_registrations
		 WHERE event_id = $1 AND citizen_id = $2 AND status <> 'CANCELLED'`,
		eventID, citizenID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find registration: %w", err)
	}
	return reg, nil
}

// Insert creates a registration. The unique indexes decide duplicates:
// ErrDuplicateRegistration for the (event, citizen) pair and
// ErrDuplicateToken for the redemption token. Any other unique violation
// is a plain ErrConflict.
func (r *RegistrationRepository) Insert(ctx context.Context, reg *model.Registration) error {
	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO gift_registrations (`+registrationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		reg.ID, reg.EventID, reg.CitizenID, reg.Token, string(reg.Status), reg.RegisteredAt,
		reg.ReceivedAt, reg.ReceivedBy, reg.CancelledAt, reg.Note,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			switch pgErr.ConstraintName {
			case ConstraintActivePair:
				return ErrDuplicateRegistration
			case ConstraintToken:
				return ErrDuplicateToken
			default:
				return fmt.Errorf("%w: insert registration: %s", ErrConflict, pgErr.ConstraintName)
			}
		}
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

// GetByID returns a registration by id or ErrNotFound.
func (r *RegistrationRepository) GetByID(ctx context.Context, id string) (*model.Registration, error) {
	return r.getOne(ctx, `SELECT `+registrationColumns+` FROM gift_registrations WHERE id = $1`, id)
}

// GetByToken returns a registration by redemption token or ErrNotFound.
func (r *RegistrationRepository) GetByToken(ctx context.Context, token string) (*model.Registration, error) {
	return r.getOne(ctx, `SELECT `+registrationColumns+` FROM gift_registrations WHERE qr_code = $1`, token)
}

func (r *RegistrationRepository) getOne(ctx context.Context, query string, arg string) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return reg, nil
}

// MarkReceived moves a REGISTERED registration to RECEIVED. It returns
// ErrInvalidState when the registration exists in another status.
func (r *RegistrationRepository) MarkReceived(ctx context.Context, token, performedBy string, at time.Time) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx,
		`UPDATE gift_registrations
		 SET status = 'RECEIVED', received_at = $2, received_by = $3
		 WHERE qr_code = $1 AND status = 'REGISTERED'
		 RETURNING `+registrationColumns,
		token, at, performedBy,
	))
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mark received: %w", err)
	}
	if _, err := r.GetByToken(ctx, token); err != nil {
		return nil, err
	}
	return nil, ErrInvalidState
}

// Cancel moves a REGISTERED registration to CANCELLED. It returns
// ErrInvalidState when the registration exists in another status.
func (r *RegistrationRepository) Cancel(ctx context.Context, id string, at time.Time) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx,
		`UPDATE gift_registrations
		 SET status = 'CANCELLED', cancelled_at = $2
		 WHERE id = $1 AND status = 'REGISTERED'
		 RETURNING `+registrationColumns,
		id, at,
	))
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel registration: %w", err)
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrInvalidState
}

// ListByEvent returns registrations for an event, newest first.
func (r *RegistrationRepository) ListByEvent(ctx context.Context, eventID string, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error) {
	return r.list(ctx, "event_id", eventID, filter, page)
}

// ListByCitizen returns registrations held by a citizen, newest first.
func (r *RegistrationRepository) ListByCitizen(ctx context.Context, citizenID string, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error) {
	return r.list(ctx, "citizen_id", citizenID, filter, page)
}

// list is only called with the fixed column names above.
func (r *RegistrationRepository) list(ctx context.Context, column, value string, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error) {
	var status *string
	if filter.Status != "" {
		s := string(filter.Status)
		status = &s
	}

	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM gift_registrations
		 WHERE `+column+` = $1 AND ($2::text IS NULL OR status = $2)`,
		value, status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count registrations: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+registrationColumns+`
		 FROM gift_registrations
		 WHERE `+column+` = $1 AND ($2::text IS NULL OR status = $2)
		 ORDER BY registered_at DESC, id
		 LIMIT $3 OFFSET $4`,
		value, status, limitArg(page), page.Offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, *reg)
	}
	return regs, total, rows.Err()
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(page model.Pagination) *int {
	if page.Limit <= 0 {
		return nil
	}
	l := page.Limit
	return &l
}

func scanRegistration(row rowScanner) (*model.Registration, error) {
	var (
		reg    model.Registration
		status string
	)
	if err := row.Scan(&reg.ID, &reg.EventID, &reg.CitizenID, &reg.Token, &status, &reg.RegisteredAt,
		&reg.ReceivedAt, &reg.ReceivedBy, &reg.CancelledAt, &reg.Note); err != nil {
		return nil, err
	}
	reg.Status = model.RegistrationStatus(status)
	return &reg, nil
}
