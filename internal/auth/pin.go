package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrPINNotConfigured means neither ADMIN_PIN_HASH nor ADMIN_PIN was set.
var ErrPINNotConfigured = errors.New("auth: admin PIN not configured")

// PINVerifier checks the administrator PIN against a bcrypt hash.
type PINVerifier struct {
	hash []byte
}

// NewPINVerifier prefers a precomputed bcrypt hash. A plain PIN is only
// meant for development and is hashed here so it is never kept in memory.
func NewPINVerifier(hash, plain string) (*PINVerifier, error) {
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, err
		}
		return &PINVerifier{hash: []byte(hash)}, nil
	}
	if plain == "" {
		return nil, ErrPINNotConfigured
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &PINVerifier{hash: h}, nil
}

// Verify reports whether pin matches.
func (v *PINVerifier) Verify(pin string) bool {
	if v == nil || pin == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(pin)) == nil
}
