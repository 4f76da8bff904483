package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxMemberID ctxKey = iota
	ctxChamaID
	ctxRole
)

func WithIdentity(ctx context.Context, memberID, chamaID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxMemberID, memberID)
	ctx = context.WithValue(ctx, ctxChamaID, chamaID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func MemberID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxMemberID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("member_id not in context")
}

func ChamaID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxChamaID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("chama_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
