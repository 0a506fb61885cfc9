package authtoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "unit-test-secret"

func signToken(t *testing.T, claims jwt.RegisteredClaims, key string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func TestUserID(t *testing.T) {
	verifier := NewVerifier(secret, "")

	t.Run("valid token yields the subject", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}, secret)

		userID, err := verifier.UserID(token)
		require.NoError(t, err)
		assert.Equal(t, "user-42", userID)
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}, "some-other-secret")

		_, err := verifier.UserID(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}, secret)

		_, err := verifier.UserID(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("token without a subject is rejected", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}, secret)

		_, err := verifier.UserID(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := verifier.UserID("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
