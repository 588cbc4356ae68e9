package gate

import (
	"context"

	"projecthub-portal/internal/session"
)

// Strategy decides whether a credential may pass a gate. It must honour ctx
// and report any failure as false.
type Strategy func(ctx context.Context, cred session.Credential) bool

type AuthChecker interface {
	CheckAuthenticated(ctx context.Context, cred session.Credential) bool
}

type AdminChecker interface {
	CheckAdmin(ctx context.Context, cred session.Credential) bool
}

// Authenticated passes any credential the backend accepts.
func Authenticated(c AuthChecker) Strategy {
	return c.CheckAuthenticated
}

// Admin passes credentials carrying the admin role claim.
func Admin(c AdminChecker) Strategy {
	return c.CheckAdmin
}

// All passes only if every strategy passes, evaluated in order and stopping
// at the first refusal. An empty All refuses.
func All(strategies ...Strategy) Strategy {
	return func(ctx context.Context, cred session.Credential) bool {
		if len(strategies) == 0 {
			return false
		}
		for _, s := range strategies {
			if ctx.Err() != nil || !s(ctx, cred) {
				return false
			}
		}
		return true
	}
}
