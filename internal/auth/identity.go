package auth

import (
	"context"
	"errors"
	"strings"
)

// Ошибки проверки личности.
var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrUnknownRole     = errors.New("unknown role")
)

// Роль пользователя в системе.
type Role string

const (
	RoleCustomer  Role = "CUSTOMER"
	RoleOrganiser Role = "ORGANISER"
	RoleAdmin     Role = "ADMIN"
	// RoleSystem — внутренние переходы (планировщик), снаружи не выдаётся.
	RoleSystem Role = "SYSTEM"
)

// ParseRole приводит роль из токена к каноничному виду.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleCustomer, RoleOrganiser, RoleAdmin:
		return r, nil
	default:
		return "", ErrUnknownRole
	}
}

// Identity — аутентифицированный субъект запроса. Ядро доверяет этим данным.
type Identity struct {
	Subject string
	Email   string
	Role    Role
}

// System — субъект внутренних переходов.
var System = Identity{Subject: "system", Role: RoleSystem}

// IsStaff — организатор, админ или система.
func (i Identity) IsStaff() bool {
	return i.Role == RoleOrganiser || i.Role == RoleAdmin || i.Role == RoleSystem
}

// Validate:
//   - проверяет, что субъект задан;
//   - проверяет роль;
//   - нормализует email.
func (i Identity) Validate() (Identity, error) {
	i.Subject = strings.TrimSpace(i.Subject)
	if i.Subject == "" {
		return Identity{}, ErrInvalidIdentity
	}
	if i.Role != RoleSystem {
		role, err := ParseRole(string(i.Role))
		if err != nil {
			return Identity{}, err
		}
		i.Role = role
	}
	i.Email = strings.ToLower(strings.TrimSpace(i.Email))
	return i, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
