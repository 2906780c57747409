package hackhttp

import "context"

type ctxKey int

const (
	localPeerKey ctxKey = iota
	projectScopeKey
)

// WithLocalPeer marks a request as arriving over the trusted Unix
// socket. Admin-only routes answer 404 without it.
func WithLocalPeer(ctx context.Context) context.Context {
	return context.WithValue(ctx, localPeerKey, true)
}

func isLocalPeer(ctx context.Context) bool {
	v, _ := ctx.Value(localPeerKey).(bool)
	return v
}

// ProjectScope narrows what a request may see of the project list. The
// gateway sets it for authenticated remote callers.
type ProjectScope struct {
	AllowedProjectIDs map[string]bool
	DropUnregistered  bool
}

// WithProjectScope attaches a scope to the request context.
func WithProjectScope(ctx context.Context, scope ProjectScope) context.Context {
	return context.WithValue(ctx, projectScopeKey, scope)
}

// ProjectScopeFrom reads the scope back out, if any.
func ProjectScopeFrom(ctx context.Context) (ProjectScope, bool) {
	scope, ok := ctx.Value(projectScopeKey).(ProjectScope)
	return scope, ok
}
