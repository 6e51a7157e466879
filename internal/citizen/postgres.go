package citizen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

const profileQuery = `
	SELECT c.id, c.full_name, c.date_of_birth, c.user_id, c.points,
	       COALESCE(h.id, ''), COALESCE(h.street, ''), COALESCE(h.ward, ''),
	       COALESCE(h.district, ''), COALESCE(h.city, ''), COALESCE(h.poverty_status, '')
	FROM citizens c
	LEFT JOIN households h ON h.id = c.household_id
	WHERE c.id = $1`

// PostgresDirectory reads profiles from the registry tables.
type PostgresDirectory struct {
	db *pgxpool.Pool
}

// NewPostgresDirectory constructs a PostgresDirectory.
func NewPostgresDirectory(db *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) GetCitizenWithHousehold(ctx context.Context, citizenID string) (*model.CitizenProfile, error) {
	var (
		p   model.CitizenProfile
		dob *time.Time
	)
	err := d.db.QueryRow(ctx, profileQuery, citizenID).Scan(
		&p.ID, &p.FullName, &dob, &p.UserID, &p.Points,
		&p.HouseholdID, &p.Address.Street, &p.Address.Ward,
		&p.Address.District, &p.Address.City, &p.PovertyStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get citizen: %w", err)
	}
	p.DateOfBirth = dob
	return &p, nil
}

// UpsertPostgres writes a profile and its household. Used for seeding and tests.
func UpsertPostgres(ctx context.Context, db *pgxpool.Pool, p model.CitizenProfile) error {
	var household *string
	if p.HouseholdID != "" {
		household = &p.HouseholdID
		if _, err := db.Exec(ctx, `
			INSERT INTO households (id, street, ward, district, city, poverty_status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET street = EXCLUDED.street, ward = EXCLUDED.ward,
				district = EXCLUDED.district, city = EXCLUDED.city, poverty_status = EXCLUDED.poverty_status`,
			p.HouseholdID, p.Address.Street, p.Address.Ward, p.Address.District, p.Address.City, p.PovertyStatus,
		); err != nil {
			return fmt.Errorf("upsert household: %w", err)
		}
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO citizens (id, full_name, date_of_birth, household_id, user_id, points)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET full_name = EXCLUDED.full_name, date_of_birth = EXCLUDED.date_of_birth,
			household_id = EXCLUDED.household_id, user_id = EXCLUDED.user_id, points = EXCLUDED.points`,
		p.ID, p.FullName, p.DateOfBirth, household, p.UserID, p.Points,
	); err != nil {
		return fmt.Errorf("upsert citizen: %w", err)
	}
	return nil
}
