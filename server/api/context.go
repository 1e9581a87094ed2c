package api

import "context"

type ctxKey int

const ctxKeyUser ctxKey = iota

// ContextWithUser stores the authenticated username on the context.
func ContextWithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, ctxKeyUser, username)
}

// UserFrom returns the authenticated username, or "" if unauthenticated.
func UserFrom(ctx context.Context) string {
	u, _ := ctx.Value(ctxKeyUser).(string)
	return u
}
