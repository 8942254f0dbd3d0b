// Package auth implements the gate that fronts dispatch: token
// authentication, role-based path/prompt checks, and rolling-window quota
// evaluation against historical traffic.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"herd-backend/internal/config"
	"herd-backend/internal/database"
	"herd-backend/internal/metrics"

	"gorm.io/gorm"
)

// ErrInvalidToken rejects a request before any authorization check runs.
var ErrInvalidToken = errors.New("invalid authentication credentials")

// DeniedError carries the specific reason a request was refused.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return e.Reason
}

// Principal is an authenticated caller plus their resolved role.
type Principal struct {
	Key  string
	User config.User
	Role config.Role
}

type Gate struct {
	directory *config.Directory
	db        *gorm.DB
}

func NewGate(directory *config.Directory, db *gorm.DB) *Gate {
	return &Gate{directory: directory, db: db}
}

// Authenticate resolves a bearer token to a user. Unknown tokens are
// terminal; no authorization check runs for them.
func (g *Gate) Authenticate(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	snap := g.directory.Snapshot()
	for key, user := range snap.Users {
		if user.Token == token {
			role, ok := snap.Roles[user.Role]
			if !ok {
				return nil, fmt.Errorf("user %q references unknown role %q", key, user.Role)
			}
			return &Principal{Key: key, User: user, Role: role}, nil
		}
	}
	return nil, ErrInvalidToken
}

// AuthorizePath is the cheap first gate check: is the API path on the
// caller's role allow-list.
func (g *Gate) AuthorizePath(p *Principal, apiPath string) error {
	if !slices.Contains(p.Role.AllowPaths, apiPath) {
		metrics.AuthDenied.WithLabelValues("path").Inc()
		return &DeniedError{Reason: fmt.Sprintf("role %q may not call %s", p.User.Role, apiPath)}
	}
	return nil
}

// Authorize runs the sequential gate checks, short-circuiting on the first
// failure: allowed path, allowed prompt (when one is named), then every
// configured quota against the trailing-window aggregate. All checks are
// read-only; only the quota lookup touches storage.
func (g *Gate) Authorize(ctx context.Context, p *Principal, apiPath, promptKey string) error {
	if err := g.AuthorizePath(p, apiPath); err != nil {
		return err
	}

	if promptKey != "" && !slices.Contains(p.Role.AllowPrompts, promptKey) {
		metrics.AuthDenied.WithLabelValues("prompt").Inc()
		return &DeniedError{Reason: fmt.Sprintf("role %q may not use prompt %q", p.User.Role, promptKey)}
	}

	for _, quota := range p.User.Quotas(p.Role) {
		usage, err := database.GetUserStats(ctx, g.db, p.Key, quota.IntervalHours)
		if err != nil {
			return fmt.Errorf("error evaluating quota for user %s: %w", p.Key, err)
		}

		var current int64
		switch quota.Type {
		case config.QuotaTokens:
			current = usage.SumInputTokens + usage.SumOutputTokens
		default:
			current = usage.RequestCount
		}

		if current >= quota.Limit {
			metrics.AuthDenied.WithLabelValues("quota").Inc()
			return &DeniedError{Reason: fmt.Sprintf(
				"%s limit over %dh exceeded: %d >= %d",
				quota.Type, quota.IntervalHours, current, quota.Limit)}
		}
	}

	return nil
}

type contextKey struct{}

// WithPrincipal stores the authenticated caller on the request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the authenticated caller, if the gate admitted one.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok
}
