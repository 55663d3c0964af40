// Package grpcauth authenticates and authorizes gRPC calls with the same
// access tokens the HTTP API accepts.
package grpcauth

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

// Authorizer validates a token against a requirement. *auth.Facade satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string, req auth.Requirement) (auth.ClaimsView, error)
}

// Policy decides what each method requires. Methods absent from Rules need
// a valid token and nothing else; Public methods need no token at all.
type Policy struct {
	Public map[string]bool
	Rules  map[string]auth.Requirement
}

func (p Policy) requirement(method string) (auth.Requirement, bool) {
	if p.Public[method] {
		return auth.Requirement{}, false
	}
	return p.Rules[method], true
}

func UnaryServerInterceptor(a Authorizer, p Policy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, a, p, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func StreamServerInterceptor(a Authorizer, p Policy) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), a, p, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

func authenticate(ctx context.Context, a Authorizer, p Policy, method string) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	rid := first(md, "x-request-id")
	if rid == "" {
		rid = ids.New()
	}
	ctx = auth.ContextWithRequestID(ctx, rid)

	req, protected := p.requirement(method)
	if !protected {
		return ctx, nil
	}
	token, ok := bearerToken(first(md, "authorization"))
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	view, err := a.Authorize(ctx, token, req)
	if err != nil {
		return nil, ToStatus(err)
	}
	ctx = auth.ContextWithAccess(ctx, view.Access())
	return auth.ContextWithToken(ctx, token), nil
}

// ToStatus converts an auth error into a gRPC status.
func ToStatus(err error) error {
	reason := auth.Reason(err)
	switch auth.Classify(err) {
	case auth.FaultForbidden:
		return status.Error(codes.PermissionDenied, reason)
	case auth.FaultRateLimited:
		return status.Error(codes.ResourceExhausted, reason)
	case auth.FaultClient:
		return status.Error(codes.Unauthenticated, reason)
	case auth.FaultConfig:
		return status.Error(codes.NotFound, reason)
	case auth.FaultUpstream:
		return status.Error(codes.Unavailable, reason)
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
