package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var ErrMissingToken = errors.New("missing bearer token")
var ErrInvalidToken = errors.New("invalid bearer token")

func checkToken(expected, authHeader string) error {
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return ErrMissingToken
	}
	return compareToken(expected, authHeader[7:])
}

func compareToken(expected, token string) error {
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// RequireToken rejects requests without the expected bearer token. Browsers
// cannot set headers on websocket upgrades, so a token query parameter is
// also accepted. An empty token disables the check.
func RequireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		if q := r.URL.Query().Get("token"); q != "" {
			err = compareToken(token, q)
		} else {
			err = checkToken(token, r.Header.Get("Authorization"))
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="offline-sync"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authenticate(token string, ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "could not read request metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, ErrMissingToken.Error())
	}
	if err := checkToken(token, values[0]); err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	return nil
}

func UnaryServerInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if token != "" {
			if err := authenticate(token, ctx); err != nil {
				return nil, err
			}
		}
		return handler(ctx, req)
	}
}

func StreamServerInterceptor(token string) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if token != "" {
			if err := authenticate(token, ss.Context()); err != nil {
				return err
			}
		}
		return handler(srv, ss)
	}
}
