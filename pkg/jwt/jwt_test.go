package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-backend/pkg/constants"
)

func TestNewJWTManager(t *testing.T) {
	secret := "test-secret-key-for-testing-purposes"
	accessExpiry := 15 * time.Minute

	manager := NewJWTManager(secret, accessExpiry)

	assert.NotNil(t, manager)
	assert.Equal(t, secret, manager.secretKey)
	assert.Equal(t, accessExpiry, manager.accessTokenDuration)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute)
	userID := uuid.New()

	token, err := manager.GenerateAccessToken(userID, "alice")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)

	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, jwt.ClaimStrings{constants.TokenAudience}, claims.Audience)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Nanosecond)

	token, err := manager.GenerateAccessToken(uuid.New(), "alice")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	claims, err := manager.ValidateToken(token)

	assert.Nil(t, claims)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-one", time.Minute).GenerateAccessToken(uuid.New(), "alice")
	require.NoError(t, err)

	claims, err := NewJWTManager("secret-two", time.Minute).ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	claims := &Claims{
		UserID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			Audience:  jwt.ClaimStrings{"some-other-api"},
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret", time.Minute).ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Malformed(t *testing.T) {
	_, err := NewJWTManager("test-secret", time.Minute).ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestTokenID(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Minute)
	token, err := manager.GenerateAccessToken(uuid.New(), "alice")
	require.NoError(t, err)

	id, err := TokenID(token)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, claims.ID, id)

	_, err = TokenID("garbage")
	assert.Error(t, err)
}

func TestParseUnverified(t *testing.T) {
	userID := uuid.New()
	token, err := NewJWTManager("someone-elses-secret", time.Minute).GenerateAccessToken(userID, "bob")
	require.NoError(t, err)

	claims, err := ParseUnverified(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "bob", claims.Username)
}
