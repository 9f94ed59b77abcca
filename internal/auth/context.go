package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxService ctxKey = iota
	ctxRole
)

func WithIdentity(ctx context.Context, service, role string) context.Context {
	ctx = context.WithValue(ctx, ctxService, service)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func Service(ctx context.Context) (string, error) {
	v := ctx.Value(ctxService)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("service not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
