// Package citizen reads citizen and household profiles from the registry.
// The registry owns these records; this package never writes them outside
// of tests and seeding.
package citizen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

// Directory returns a citizen joined with their household. A missing
// citizen is reported as (nil, nil).
type Directory interface {
	GetCitizenWithHousehold(ctx context.Context, citizenID string) (*model.CitizenProfile, error)
}

// MemoryDirectory is a Directory backed by a map.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]model.CitizenProfile
}

// NewMemoryDirectory returns a directory holding profiles.
func NewMemoryDirectory(profiles ...model.CitizenProfile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[string]model.CitizenProfile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

// LoadProfiles reads a JSON array of profiles from path.
func LoadProfiles(path string) ([]model.CitizenProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read citizen seed: %w", err)
	}
	var profiles []model.CitizenProfile
	if err := json.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("decode citizen seed: %w", err)
	}
	return profiles, nil
}

// LoadMemoryDirectory returns a directory holding the profiles in path.
func LoadMemoryDirectory(path string) (*MemoryDirectory, error) {
	profiles, err := LoadProfiles(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryDirectory(profiles...), nil
}

// Put adds or replaces a profile.
func (d *MemoryDirectory) Put(p model.CitizenProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *MemoryDirectory) GetCitizenWithHousehold(_ context.Context, citizenID string) (*model.CitizenProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[citizenID]
	if !ok {
		return nil, nil
	}
	if p.DateOfBirth != nil {
		dob := *p.DateOfBirth
		p.DateOfBirth = &dob
	}
	return &p, nil
}
