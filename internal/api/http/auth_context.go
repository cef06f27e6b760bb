package httpapi

import "context"

type authContextKey string

const authUserKey authContextKey = "authUser"

// AuthUser represents the authenticated caller.
type AuthUser struct {
	UserID string
	Roles  []string
}

func withAuthUser(ctx context.Context, u *AuthUser) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, authUserKey, u)
}

func authUserFromContext(ctx context.Context) *AuthUser {
	val := ctx.Value(authUserKey)
	if v, ok := val.(*AuthUser); ok {
		return v
	}
	return nil
}

// actorID returns the authenticated user id. requireAuth guarantees it is set
// on every /v1 route.
func actorID(ctx context.Context) string {
	if u := authUserFromContext(ctx); u != nil {
		return u.UserID
	}
	return ""
}
