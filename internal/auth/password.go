package auth

import (
	"golang.org/x/crypto/bcrypt"

	"propledger/pkg/domain"
)

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 8

// HashCost is the bcrypt cost used outside tests.
const HashCost = bcrypt.DefaultCost

// HashPassword returns the bcrypt hash of password at cost.
func HashPassword(password string, cost int) (string, error) {
	if len(password) < MinPasswordLength {
		return "", domain.ErrInvalid{Field: "password", Reason: "must be at least 8 characters long"}
	}
	if len(password) > 72 {
		return "", domain.ErrInvalid{Field: "password", Reason: "must be at most 72 bytes long"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ComparePassword reports ErrInvalidCredentials when password does not match hash.
func ComparePassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
