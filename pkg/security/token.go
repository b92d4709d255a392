package security

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrHashingFailed = errors.New("token hashing failed")

// TokenHasher verifies per-provider webhook tokens against their stored
// bcrypt hashes. Providers post callbacks with a shared secret; only the
// hash is kept in configuration.
type TokenHasher interface {
	Hash(token string) (string, error)
	Compare(hashedToken, token string) error
}

type bcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a new token hasher using bcrypt
func NewBcryptHasher(cost int) TokenHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &bcryptHasher{cost: cost}
}

func (b *bcryptHasher) Hash(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(token), b.cost)
	if err != nil {
		return "", ErrHashingFailed
	}
	return string(bytes), nil
}

func (b *bcryptHasher) Compare(hashedToken, token string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedToken), []byte(token))
}
