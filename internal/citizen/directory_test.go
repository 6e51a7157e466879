package citizen

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quocanhdayyy/QLDChehe/internal/database"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

func sampleProfile() model.CitizenProfile {
	dob := time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)
	return model.CitizenProfile{
		ID:            "citizen-1",
		FullName:      "Nguyen Van A",
		DateOfBirth:   &dob,
		UserID:        "user-1",
		Points:        12,
		HouseholdID:   "household-1",
		Address:       model.Address{Street: "12 Le Loi", Ward: "Ward 3", District: "District 1", City: "Ho Chi Minh"},
		PovertyStatus: "POOR",
	}
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(sampleProfile())

	t.Run("returns a copy of a known citizen", func(t *testing.T) {
		p, err := dir.GetCitizenWithHousehold(ctx, "citizen-1")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "Nguyen Van A", p.FullName)

		*p.DateOfBirth = time.Time{}
		again, err := dir.GetCitizenWithHousehold(ctx, "citizen-1")
		require.NoError(t, err)
		assert.Equal(t, 1990, again.DateOfBirth.Year())
	})

	t.Run("unknown citizen is nil without error", func(t *testing.T) {
		p, err := dir.GetCitizenWithHousehold(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("put replaces a profile", func(t *testing.T) {
		updated := sampleProfile()
		updated.Points = 40
		dir.Put(updated)

		p, err := dir.GetCitizenWithHousehold(ctx, "citizen-1")
		require.NoError(t, err)
		assert.Equal(t, 40, p.Points)
	})
}

func TestLoadMemoryDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "citizens.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "c-7", "full_name": "Tran Thi B", "points": 3, "address": {"ward": "Ben Nghe"}}
	]`), 0o600))

	dir, err := LoadMemoryDirectory(path)
	require.NoError(t, err)

	p, err := dir.GetCitizenWithHousehold(context.Background(), "c-7")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Ben Nghe", p.Address.Ward)
	assert.Nil(t, p.DateOfBirth)

	_, err = LoadMemoryDirectory(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestSQLiteDirectory(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	want := sampleProfile()
	require.NoError(t, UpsertSQLite(ctx, db, want))

	dir := NewSQLiteDirectory(db)
	got, err := dir.GetCitizenWithHousehold(ctx, want.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.FullName, got.FullName)
	assert.Equal(t, want.Address, got.Address)
	assert.Equal(t, want.PovertyStatus, got.PovertyStatus)
	assert.Equal(t, want.Points, got.Points)
	require.NotNil(t, got.DateOfBirth)
	assert.True(t, want.DateOfBirth.Equal(*got.DateOfBirth))

	missing, err := dir.GetCitizenWithHousehold(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteDirectory_CitizenWithoutHousehold(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, UpsertSQLite(ctx, db, model.CitizenProfile{ID: "solo", FullName: "Le C"}))

	got, err := NewSQLiteDirectory(db).GetCitizenWithHousehold(ctx, "solo")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.HouseholdID)
	assert.Equal(t, model.Address{}, got.Address)
	assert.Nil(t, got.DateOfBirth)
}
