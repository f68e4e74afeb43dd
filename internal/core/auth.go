package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// maxTokenLen is the bcrypt input limit.
const maxTokenLen = 72

// TokenVerifier checks a caller token against the bcrypt hash stored for the
// user. Unknown users and wrong tokens look the same to the caller.
type TokenVerifier struct {
	users UserStore
}

func NewTokenVerifier(users UserStore) *TokenVerifier {
	return &TokenVerifier{users: users}
}

// IsValidUser only returns an error when the user store itself fails.
func (v *TokenVerifier) IsValidUser(ctx context.Context, token string, userID int64) (bool, error) {
	if token == "" || len(token) > maxTokenLen {
		return false, nil
	}
	u, err := v.users.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if u.TokenHash == "" {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(u.TokenHash), []byte(token)) == nil, nil
}

func HashToken(token string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(h), nil
}

func generateToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
