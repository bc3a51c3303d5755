package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNoScope = errors.New("no tenant scope in context")

// DBTX is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Scope binds one unit of work to a tenant namespace.
type Scope struct {
	TenantID uuid.UUID
	Schema   string
	Tx       DBTX
}

type scopeKey struct{}

func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Conn returns the scoped transaction. Tenant stores never fall back to the pool.
func Conn(ctx context.Context) (DBTX, error) {
	s, ok := ScopeFrom(ctx)
	if !ok || s.Tx == nil {
		return nil, ErrNoScope
	}
	return s.Tx, nil
}

// TenantID returns the tenant of the active scope.
func TenantID(ctx context.Context) (uuid.UUID, error) {
	s, ok := ScopeFrom(ctx)
	if !ok {
		return uuid.Nil, ErrNoScope
	}
	return s.TenantID, nil
}
