package auth_test

import (
	"context"
	"testing"
	"time"

	"herd-backend/internal/auth"
	"herd-backend/internal/config"
	"herd-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

func testDirectory() *config.Directory {
	return config.NewStaticDirectory(&config.Snapshot{
		Roles: map[string]config.Role{
			"analyst": {
				AllowPaths:   []string{"/api/v1/infer", "/api/v1/history"},
				AllowPrompts: []string{"summarize"},
				Limit: []config.Quota{
					{Type: config.QuotaRequests, IntervalHours: 24, Limit: 5},
				},
			},
			"admin": {
				AllowPaths:   []string{"/api/v1/infer", "/api/v1/switch_model"},
				AllowPrompts: []string{"summarize", "translate"},
			},
		},
		Users: map[string]config.User{
			"alice": {Name: "Alice", Role: "analyst", Token: "token-alice"},
			"bob": {
				Name: "Bob", Role: "admin", Token: "token-bob",
				Limit: []config.Quota{{Type: config.QuotaTokens, IntervalHours: 1, Limit: 100}},
			},
		},
	})
}

func inferenceRow(userKey string, tokens int, age time.Duration) *database.Inference {
	return &database.Inference{
		Id:           uuid.New(),
		UserKey:      userKey,
		NodeKey:      "node-a",
		PromptKey:    "summarize",
		InputTokens:  tokens / 2,
		OutputTokens: tokens - tokens/2,
		CreatedTs:    time.Now().UTC().Add(-age),
	}
}

func TestAuthenticate(t *testing.T) {
	gate := auth.NewGate(testDirectory(), createDB(t))

	principal, err := gate.Authenticate("token-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Key)
	assert.Equal(t, "analyst", principal.User.Role)

	_, err = gate.Authenticate("token-nobody")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = gate.Authenticate("")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestAuthorizePath(t *testing.T) {
	gate := auth.NewGate(testDirectory(), createDB(t))

	principal, err := gate.Authenticate("token-alice")
	require.NoError(t, err)

	assert.NoError(t, gate.AuthorizePath(principal, "/api/v1/infer"))

	err = gate.AuthorizePath(principal, "/api/v1/switch_model")
	require.Error(t, err)
	var denied *auth.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "/api/v1/switch_model")
}

func TestAuthorizePrompt(t *testing.T) {
	gate := auth.NewGate(testDirectory(), createDB(t))

	principal, err := gate.Authenticate("token-alice")
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, gate.Authorize(ctx, principal, "/api/v1/infer", "summarize"))

	err = gate.Authorize(ctx, principal, "/api/v1/infer", "translate")
	var denied *auth.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "translate")
}

func TestAuthorizeRequestQuota(t *testing.T) {
	rows := []any{
		inferenceRow("alice", 10, time.Minute),
		inferenceRow("alice", 10, time.Hour),
		inferenceRow("alice", 10, 2*time.Hour),
		inferenceRow("alice", 10, 3*time.Hour),
	}
	db := createDB(t, rows...)
	gate := auth.NewGate(testDirectory(), db)

	principal, err := gate.Authenticate("token-alice")
	require.NoError(t, err)

	ctx := context.Background()

	// Four requests in the window, limit five: still allowed.
	require.NoError(t, gate.Authorize(ctx, principal, "/api/v1/infer", "summarize"))

	require.NoError(t, db.Create(inferenceRow("alice", 10, time.Second)).Error)

	err = gate.Authorize(ctx, principal, "/api/v1/infer", "summarize")
	var denied *auth.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "5 >= 5")
	assert.Contains(t, denied.Reason, "requests limit over 24h")
}

func TestAuthorizeQuotaIgnoresTrafficOutsideWindow(t *testing.T) {
	rows := make([]any, 0, 10)
	for i := 0; i < 10; i++ {
		rows = append(rows, inferenceRow("alice", 10, 25*time.Hour))
	}
	db := createDB(t, rows...)
	gate := auth.NewGate(testDirectory(), db)

	principal, err := gate.Authenticate("token-alice")
	require.NoError(t, err)

	assert.NoError(t, gate.Authorize(context.Background(), principal, "/api/v1/infer", "summarize"))
}

func TestUserQuotaOverridesRole(t *testing.T) {
	db := createDB(t,
		inferenceRow("bob", 60, time.Minute),
		inferenceRow("bob", 50, 10*time.Minute),
	)
	gate := auth.NewGate(testDirectory(), db)

	principal, err := gate.Authenticate("token-bob")
	require.NoError(t, err)

	err = gate.Authorize(context.Background(), principal, "/api/v1/infer", "translate")
	var denied *auth.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "tokens limit over 1h")
	assert.Contains(t, denied.Reason, "110 >= 100")
}
