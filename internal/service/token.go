package service

import (
	"fmt"

	"github.com/google/uuid"
)

// TokenSource produces redemption tokens.
type TokenSource func() (string, error)

// NewToken returns a random UUIDv4 drawn from crypto/rand.
func NewToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return id.String(), nil
}
