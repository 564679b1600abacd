package auth

import (
	"context"
	"errors"
	"time"
)

// ErrNoOperator means the request carried no verified access token.
var ErrNoOperator = errors.New("auth: no operator in context")

// Operator is whoever is acting on the admin surface, as read from a
// verified access token.
type Operator struct {
	TokenID string
	Role    string
	// Expires is when the access token stops being accepted.
	Expires time.Time
}

type operatorKey struct{}

func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

func OperatorFrom(ctx context.Context) (Operator, error) {
	op, ok := ctx.Value(operatorKey{}).(Operator)
	if !ok || op.TokenID == "" {
		return Operator{}, ErrNoOperator
	}
	return op, nil
}

// Role returns the operator's role, or ErrNoOperator.
func Role(ctx context.Context) (string, error) {
	op, err := OperatorFrom(ctx)
	if err != nil {
		return "", err
	}
	if op.Role == "" {
		return "", ErrNoOperator
	}
	return op.Role, nil
}
