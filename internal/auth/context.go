package auth

import "context"

type accessContextKey struct{}
type tokenContextKey struct{}
type sourceContextKey struct{}
type requestIDContextKey struct{}

// ContextWithAccess attaches the authenticated caller to the context.
func ContextWithAccess(ctx context.Context, access Access) context.Context {
	return context.WithValue(ctx, accessContextKey{}, &access)
}

// AccessFromContext extracts the authenticated caller from the context.
func AccessFromContext(ctx context.Context) (Access, bool) {
	if ctx == nil {
		return Access{}, false
	}
	v, ok := ctx.Value(accessContextKey{}).(*Access)
	if !ok || v == nil {
		return Access{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ContextWithSource records the client address used to key login failure counters.
func ContextWithSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceContextKey{}, source)
}

func SourceFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(sourceContextKey{}).(string)
	return v
}

// ContextWithRequestID stores the correlation id of the current request.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDContextKey{}).(string)
	return v
}
