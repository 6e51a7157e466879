package citizen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

// SQLiteDirectory reads profiles from the embedded registry tables.
// date_of_birth is stored as unix nanoseconds.
type SQLiteDirectory struct {
	db *sql.DB
}

// NewSQLiteDirectory constructs a SQLiteDirectory.
func NewSQLiteDirectory(db *sql.DB) *SQLiteDirectory {
	return &SQLiteDirectory{db: db}
}

func (d *SQLiteDirectory) GetCitizenWithHousehold(ctx context.Context, citizenID string) (*model.CitizenProfile, error) {
	var (
		p   model.CitizenProfile
		dob sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT c.id, c.full_name, c.date_of_birth, c.user_id, c.points,
		       COALESCE(h.id, ''), COALESCE(h.street, ''), COALESCE(h.ward, ''),
		       COALESCE(h.district, ''), COALESCE(h.city, ''), COALESCE(h.poverty_status, '')
		FROM citizens c
		LEFT JOIN households h ON h.id = c.household_id
		WHERE c.id = ?`, citizenID).Scan(
		&p.ID, &p.FullName, &dob, &p.UserID, &p.Points,
		&p.HouseholdID, &p.Address.Street, &p.Address.Ward,
		&p.Address.District, &p.Address.City, &p.PovertyStatus,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get citizen: %w", err)
	}
	if dob.Valid {
		t := time.Unix(0, dob.Int64).UTC()
		p.DateOfBirth = &t
	}
	return &p, nil
}

// UpsertSQLite writes a profile and its household. Used for seeding and tests.
func UpsertSQLite(ctx context.Context, db *sql.DB, p model.CitizenProfile) error {
	var dob any
	if p.DateOfBirth != nil {
		dob = p.DateOfBirth.UTC().UnixNano()
	}
	var household any
	if p.HouseholdID != "" {
		household = p.HouseholdID
		if _, err := db.ExecContext(ctx, `
			INSERT INTO households (id, street, ward, district, city, poverty_status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET street = excluded.street, ward = excluded.ward,
				district = excluded.district, city = excluded.city, poverty_status = excluded.poverty_status`,
			p.HouseholdID, p.Address.Street, p.Address.Ward, p.Address.District, p.Address.City, p.PovertyStatus,
		); err != nil {
			return fmt.Errorf("upsert household: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO citizens (id, full_name, date_of_birth, household_id, user_id, points)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET full_name = excluded.full_name, date_of_birth = excluded.date_of_birth,
			household_id = excluded.household_id, user_id = excluded.user_id, points = excluded.points`,
		p.ID, p.FullName, dob, household, p.UserID, p.Points,
	); err != nil {
		return fmt.Errorf("upsert citizen: %w", err)
	}
	return nil
}
