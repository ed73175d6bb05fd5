package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/bimbel-api/internal/models"
	appErrors "github.com/noah-isme/bimbel-api/pkg/errors"
)

type mockAuthRepo struct {
	users      map[string]*models.User
	lastLogins []string
}

func (m *mockAuthRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockAuthRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockAuthRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.lastLogins = append(m.lastLogins, id)
	return nil
}

func newAuthFixture(t *testing.T, password string) (*AuthService, *mockAuthRepo) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &mockAuthRepo{users: map[string]*models.User{
		"user-1": {
			ID:           "user-1",
			Email:        "staff@example.com",
			FullName:     "Staff One",
			PasswordHash: string(hash),
			Role:         models.RoleStaff,
			Active:       true,
		},
	}}
	svc := NewAuthService(repo, nil, nil, AuthConfig{Secret: "test-secret", Expiration: time.Hour})
	return svc, repo
}

func TestLoginIssuesValidToken(t *testing.T) {
	svc, repo := newAuthFixture(t, "rahasia123")

	resp, err := svc.Login(context.Background(), models.LoginRequest{Email: "staff@example.com", Password: "rahasia123"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "user-1", resp.User.ID)
	assert.Equal(t, []string{"user-1"}, repo.lastLogins)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, models.RoleStaff, claims.Role)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc, _ := newAuthFixture(t, "rahasia123")

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "staff@example.com", Password: "salah"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(err).Code)
}

func TestLoginRejectsUnknownEmail(t *testing.T) {
	svc, _ := newAuthFixture(t, "rahasia123")

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "ghost@example.com", Password: "rahasia123"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(err).Code)
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	svc, repo := newAuthFixture(t, "rahasia123")
	repo.users["user-1"].Active = false

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "staff@example.com", Password: "rahasia123"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInactiveAccount.Code, appErrors.FromError(err).Code)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newAuthFixture(t, "rahasia123")

	_, err := svc.ValidateToken("not-a-token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}
