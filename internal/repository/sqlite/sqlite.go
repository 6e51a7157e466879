// Package sqlite implements the event and registration stores on an embedded
// SQLite database. Timestamps are stored as unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
)

const eventColumns = `id, title, description, type, start_date, end_date,
	slots_total, slots_remaining, conditions, status, created_by, created_at, updated_at`

const registrationColumns = `id, event_id, citizen_id, qr_code, status, registered_at,
	received_at, received_by, cancelled_at, note`

type rowScanner interface {
	Scan(dest ...any) error
}

// EventRepository handles persistence for gift events.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *sql.DB) *EventRepository {
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

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO gift_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Title, event.Description, event.Type,
		toNanos(event.StartDate), toNanos(event.EndDate),
		event.SlotsTotal, event.SlotsRemaining, string(cond), string(event.Status), event.CreatedBy,
		toNanos(event.CreatedAt), toNanos(event.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: event %s exists", repository.ErrConflict, event.ID)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetByID returns a single event or repository.ErrNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	ev, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM gift_events WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// List returns events ordered by creation time descending, with the total
// number of events matching the filter.
func (r *EventRepository) List(ctx context.Context, filter model.EventFilter, page model.Pagination) ([]model.Event, int, error) {
	status := nullableString(string(filter.Status))

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gift_events WHERE (?1 IS NULL OR status = ?1)`, status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM gift_events
		 WHERE (?1 IS NULL OR status = ?1)
		 ORDER BY created_at DESC, id
		 LIMIT ?2 OFFSET ?3`,
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
	var cond any
	if req.Conditions != nil {
		b, err := json.Marshal(req.Conditions)
		if err != nil {
			return nil, fmt.Errorf("encode conditions: %w", err)
		}
		cond = string(b)
	}
	var slotsTotal any
	if req.SlotsTotal != nil {
		slotsTotal = *req.SlotsTotal
	}

	ev, err := scanEvent(r.db.QueryRowContext(ctx,
		`UPDATE gift_events SET
			title = COALESCE(?2, title),
			description = COALESCE(?3, description),
			type = COALESCE(?4, type),
			start_date = COALESCE(?5, start_date),
			end_date = COALESCE(?6, end_date),
			conditions = COALESCE(?7, conditions),
			slots_remaining = CASE WHEN ?8 IS NULL THEN slots_remaining
				ELSE MAX(0, MIN(?8, slots_remaining + (?8 - slots_total))) END,
			slots_total = COALESCE(?8, slots_total),
			updated_at = ?9
		 WHERE id = ?1
		 RETURNING `+eventColumns,
		id, stringArg(req.Title), stringArg(req.Description), stringArg(req.Type),
		nanosArg(req.StartDate), nanosArg(req.EndDate), cond, slotsTotal, toNanos(now),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("update event: %w", err)
	}
	return ev, nil
}

// SetStatus changes the event status and returns the updated event.
func (r *EventRepository) SetStatus(ctx context.Context, id string, status model.EventStatus, now time.Time) (*model.Event, error) {
	ev, err := scanEvent(r.db.QueryRowContext(ctx,
		`UPDATE gift_events SET status = ?2, updated_at = ?3 WHERE id = ?1 RETURNING `+eventColumns,
		id, string(status), toNanos(now),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("set event status: %w", err)
	}
	return ev, nil
}

// Delete removes an event that has no registrations.
func (r *EventRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM gift_events
		 WHERE id = ?1
		   AND NOT EXISTS (SELECT 1 FROM gift_registrations g WHERE g.event_id = gift_events.id)`,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: event has registrations", repository.ErrConflict)
}

// ReserveSlot atomically takes one slot from an OPEN event. SQLite serializes
// writers, so the guarded decrement cannot oversell.
func (r *EventRepository) ReserveSlot(ctx context.Context, id string, now time.Time) (*model.Event, error) {
	ev, err := scanEvent(r.db.QueryRowContext(ctx,
		`UPDATE gift_events
		 SET slots_remaining = slots_remaining - 1, updated_at = ?2
		 WHERE id = ?1 AND status = 'OPEN' AND slots_remaining > 0
		 RETURNING `+eventColumns,
		id, toNanos(now),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrSlotUnavailable
		}
		return nil, fmt.Errorf("reserve slot: %w", err)
	}
	return ev, nil
}

// ReleaseSlot gives one slot back to the event unconditionally.
func (r *EventRepository) ReleaseSlot(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE gift_events SET slots_remaining = slots_remaining + 1, updated_at = ?2 WHERE id = ?1`,
		id, toNanos(now),
	)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ExpireEnded marks every OPEN event whose end date is before now as EXPIRED.
func (r *EventRepository) ExpireEnded(ctx context.Context, now time.Time) ([]model.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE gift_events SET status = 'EXPIRED', updated_at = ?1
		 WHERE status = 'OPEN' AND end_date < ?1
		 RETURNING `+eventColumns,
		toNanos(now),
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
		e                              model.Event
		cond, status                   string
		start, end, created, updatedAt int64
	)
	if err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Type, &start, &end,
		&e.SlotsTotal, &e.SlotsRemaining, &cond, &status, &e.CreatedBy, &created, &updatedAt); err != nil {
		return nil, err
	}
	e.StartDate = fromNanos(start)
	e.EndDate = fromNanos(end)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updatedAt)
	e.Status = model.EventStatus(status)
	if cond != "" {
		if err := json.Unmarshal([]byte(cond), &e.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return &e, nil
}

// RegistrationRepository handles persistence for registrations.
type RegistrationRepository struct {
	db *sql.DB
}

// NewRegistrationRepository constructs a RegistrationRepository.
func NewRegistrationRepository(db *sql.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// FindActive returns the non-cancelled registration for the pair.
func (r *RegistrationRepository) FindActive(ctx context.Context, eventID, citizenID string) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRowContext(ctx,
		`SELECT `+registrationColumns+`
		 FROM gift_registrations
		 WHERE event_id = ? AND citizen_id = ? AND status <> 'CANCELLED'`,
		eventID, citizenID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("find registration: %w", err)
	}
	return reg, nil
}

// Insert creates a registration and maps unique index violations to the
// duplicate sentinels. A clash on any other key is a plain ErrConflict.
func (r *RegistrationRepository) Insert(ctx context.Context, reg *model.Registration) error {
	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gift_registrations (`+registrationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reg.ID, reg.EventID, reg.CitizenID, reg.Token, string(reg.Status), toNanos(reg.RegisteredAt),
		nanosArg(reg.ReceivedAt), reg.ReceivedBy, nanosArg(reg.CancelledAt), reg.Note,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			msg := err.Error()
			switch {
			case strings.Contains(msg, "gift_registrations.event_id"):
				return repository.ErrDuplicateRegistration
			case strings.Contains(msg, "gift_registrations.qr_code"):
				return repository.ErrDuplicateToken
			default:
				return fmt.Errorf("%w: insert registration: %v", repository.ErrConflict, err)
			}
		}
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

// GetByID returns a registration by id.
func (r *RegistrationRepository) GetByID(ctx context.Context, id string) (*model.Registration, error) {
	return r.getOne(ctx, `SELECT `+registrationColumns+` FROM gift_registrations WHERE id = ?`, id)
}

// GetByToken returns a registration by redemption token.
func (r *RegistrationRepository) GetByToken(ctx context.Context, token string) (*model.Registration, error) {
	return r.getOne(ctx, `SELECT `+registrationColumns+` FROM gift_registrations WHERE qr_code = ?`, token)
}

func (r *RegistrationRepository) getOne(ctx context.Context, query, arg string) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return reg, nil
}

// MarkReceived moves a REGISTERED registration to RECEIVED.
func (r *RegistrationRepository) MarkReceived(ctx context.Context, token, performedBy string, at time.Time) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRowContext(ctx,
		`UPDATE gift_registrations
		 SET status = 'RECEIVED', received_at = ?2, received_by = ?3
		 WHERE qr_code = ?1 AND status = 'REGISTERED'
		 RETURNING `+registrationColumns,
		token, toNanos(at), performedBy,
	))
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark received: %w", err)
	}
	if _, err := r.GetByToken(ctx, token); err != nil {
		return nil, err
	}
	return nil, repository.ErrInvalidState
}

// Cancel moves a REGISTERED registration to CANCELLED.
func (r *RegistrationRepository) Cancel(ctx context.Context, id string, at time.Time) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRowContext(ctx,
		`UPDATE gift_registrations
		 SET status = 'CANCELLED', cancelled_at = ?2
		 WHERE id = ?1 AND status = 'REGISTERED'
		 RETURNING `+registrationColumns,
		id, toNanos(at),
	))
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cancel registration: %w", err)
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, repository.ErrInvalidState
}

// ListByEvent returns registrations for an event, newest first.
func (r *RegistrationRepository) ListByEvent(ctx context.Context, eventID string, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error) {
	return r.list(ctx, "event_id", eventID, filter, page)
}

// ListByCitizen returns registrations held by a citizen, newest first.
func (r *RegistrationRepository) ListByCitizen(ctx context.Context, citizenID string, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error) {
	return r.list(ctx, "citizen_id", citizenID, filter, page)
}

func (r *RegistrationRepository) list(ctx context.Context, column, value string, filter model.RegistrationFilter, page model.Pagination) ([]model.Registration, int, error) {
	status := nullableString(string(filter.Status))

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gift_registrations
		 WHERE `+column+` = ?1 AND (?2 IS NULL OR status = ?2)`,
		value, status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count registrations: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+registrationColumns+`
		 FROM gift_registrations
		 WHERE `+column+` = ?1 AND (?2 IS NULL OR status = ?2)
		 ORDER BY registered_at DESC, id
		 LIMIT ?3 OFFSET ?4`,
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

func scanRegistration(row rowScanner) (*model.Registration, error) {
	var (
		reg                   model.Registration
		status                string
		registeredAt          int64
		receivedAt, cancelled sql.NullInt64
	)
	if err := row.Scan(&reg.ID, &reg.EventID, &reg.CitizenID, &reg.Token, &status, &registeredAt,
		&receivedAt, &reg.ReceivedBy, &cancelled, &reg.Note); err != nil {
		return nil, err
	}
	reg.Status = model.RegistrationStatus(status)
	reg.RegisteredAt = fromNanos(registeredAt)
	if receivedAt.Valid {
		t := fromNanos(receivedAt.Int64)
		reg.ReceivedAt = &t
	}
	if cancelled.Valid {
		t := fromNanos(cancelled.Int64)
		reg.CancelledAt = &t
	}
	return &reg, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nanosArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func stringArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// limitArg maps a non-positive limit to -1, which SQLite reads as no limit.
func limitArg(page model.Pagination) int {
	if page.Limit <= 0 {
		return -1
	}
	return page.Limit
}
